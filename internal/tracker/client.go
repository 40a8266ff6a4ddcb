package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conveyordev/conveyor/internal/types"
)

const (
	// DefaultTimeout bounds any single tracker API call.
	DefaultTimeout = 30 * time.Second

	// maxResponseSize guards against a misbehaving endpoint.
	maxResponseSize = 10 * 1024 * 1024
)

// Client is an HTTP client for the tracker's REST API.
//
// Mutations are sent exactly once: a failed write surfaces to the caller
// and is retried at the next scheduled batch run, because the item's
// persisted state is the durable queue. Idempotent reads retry in-process
// with exponential backoff.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a tracker client for the given API endpoint.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// apiItem is the wire shape of a work item.
type apiItem struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	ReviewStatus string `json:"review_status,omitempty"`
	IssueNumber  int    `json:"issue_number,omitempty"`
	PRNumber     int    `json:"pr_number,omitempty"`
	PhaseField   string `json:"phase_field,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

func (a *apiItem) toWorkItem() *types.WorkItem {
	item := &types.WorkItem{
		ID:           a.ID,
		Title:        a.Title,
		Status:       types.Status(a.Status),
		ReviewStatus: types.ReviewStatus(a.ReviewStatus),
		IssueNumber:  a.IssueNumber,
		PRNumber:     a.PRNumber,
	}
	if t, err := time.Parse(time.RFC3339, a.UpdatedAt); err == nil {
		item.UpdatedAt = t
	}
	return item
}

// FetchItem retrieves a single work item by id.
func (c *Client) FetchItem(ctx context.Context, id string) (*types.WorkItem, error) {
	data, err := c.get(ctx, "/items/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch item %s: %w", id, err)
	}
	var raw apiItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse item %s: %w", id, err)
	}
	return raw.toWorkItem(), nil
}

// ItemByIssue retrieves the work item linked to a repository issue number.
func (c *Client) ItemByIssue(ctx context.Context, issueNumber int) (*types.WorkItem, error) {
	params := url.Values{}
	params.Set("issue_number", strconv.Itoa(issueNumber))
	data, err := c.get(ctx, "/items", params)
	if err != nil {
		return nil, fmt.Errorf("fetch item for issue #%d: %w", issueNumber, err)
	}
	var raw []apiItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse item for issue #%d: %w", issueNumber, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("no item linked to issue #%d", issueNumber)
	}
	return raw[0].toWorkItem(), nil
}

// ListItems retrieves items currently in any of the given statuses.
func (c *Client) ListItems(ctx context.Context, statuses []types.Status) ([]*types.WorkItem, error) {
	params := url.Values{}
	for _, s := range statuses {
		params.Add("status", string(s))
	}
	data, err := c.get(ctx, "/items", params)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	var raw []apiItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse item list: %w", err)
	}
	items := make([]*types.WorkItem, 0, len(raw))
	for i := range raw {
		items = append(items, raw[i].toWorkItem())
	}
	return items, nil
}

// UpdateStatus moves the item to a new pipeline stage.
func (c *Client) UpdateStatus(ctx context.Context, id string, s types.Status) error {
	return c.patchItem(ctx, id, map[string]string{"status": string(s)})
}

// UpdateReviewStatus sets the orthogonal review axis.
func (c *Client) UpdateReviewStatus(ctx context.Context, id string, r types.ReviewStatus) error {
	return c.patchItem(ctx, id, map[string]string{"review_status": string(r)})
}

// PhaseField reads the free-text "current/total" field.
func (c *Client) PhaseField(ctx context.Context, id string) (string, error) {
	data, err := c.get(ctx, "/items/"+url.PathEscape(id), nil)
	if err != nil {
		return "", fmt.Errorf("fetch phase field for %s: %w", id, err)
	}
	var raw apiItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", fmt.Errorf("parse item %s: %w", id, err)
	}
	return raw.PhaseField, nil
}

// SetPhaseField writes the "current/total" field.
func (c *Client) SetPhaseField(ctx context.Context, id, field string) error {
	return c.patchItem(ctx, id, map[string]string{"phase_field": field})
}

// AddComment appends a free-text comment to the item.
func (c *Client) AddComment(ctx context.Context, id, body string) error {
	payload := map[string]string{"body": body}
	_, err := c.do(ctx, http.MethodPost, "/items/"+url.PathEscape(id)+"/comments", payload)
	if err != nil {
		return fmt.Errorf("add comment to %s: %w", id, err)
	}
	return nil
}

// ListComments returns the item's comments, oldest first.
func (c *Client) ListComments(ctx context.Context, id string) ([]Comment, error) {
	data, err := c.get(ctx, "/items/"+url.PathEscape(id)+"/comments", nil)
	if err != nil {
		return nil, fmt.Errorf("list comments for %s: %w", id, err)
	}
	var comments []Comment
	if err := json.Unmarshal(data, &comments); err != nil {
		return nil, fmt.Errorf("parse comments for %s: %w", id, err)
	}
	return comments, nil
}

func (c *Client) patchItem(ctx context.Context, id string, fields map[string]string) error {
	_, err := c.do(ctx, http.MethodPatch, "/items/"+url.PathEscape(id), fields)
	if err != nil {
		return fmt.Errorf("update item %s: %w", id, err)
	}
	return nil
}

// get performs an idempotent read with exponential backoff.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var data []byte
	op := func() error {
		var err error
		data, err = c.do(ctx, http.MethodGet, path, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return data, nil
}

// do performs one HTTP request and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 500)}
	}
	return respBody, nil
}

// APIError is a non-2xx tracker response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker API error %d: %s", e.StatusCode, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
