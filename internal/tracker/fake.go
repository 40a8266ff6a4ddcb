package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conveyordev/conveyor/internal/types"
)

// Fake is an in-memory Tracker for tests. It records mutation order so
// tests can assert on the exact sequence of remote calls.
type Fake struct {
	mu       sync.Mutex
	Items    map[string]*types.WorkItem
	Phases   map[string]string    // item id -> "current/total"
	Comments map[string][]Comment // item id -> comments, oldest first
	Calls    []string             // mutation log, e.g. "UpdateStatus(cvy-1,Implementation)"

	// FailNext makes the next mutation return an error, for testing
	// claim-restore and partial-advance recovery.
	FailNext error
}

// NewFake creates an empty fake tracker.
func NewFake() *Fake {
	return &Fake{
		Items:    make(map[string]*types.WorkItem),
		Phases:   make(map[string]string),
		Comments: make(map[string][]Comment),
	}
}

// Add seeds an item.
func (f *Fake) Add(item *types.WorkItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Items[item.ID] = item
}

func (f *Fake) failNext() error {
	if err := f.FailNext; err != nil {
		f.FailNext = nil
		return err
	}
	return nil
}

// FetchItem returns a copy of the stored item.
func (f *Fake) FetchItem(ctx context.Context, id string) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.Items[id]
	if !ok {
		return nil, fmt.Errorf("item %s not found", id)
	}
	cp := *item
	return &cp, nil
}

// ItemByIssue finds the item linked to a repository issue number.
func (f *Fake) ItemByIssue(ctx context.Context, issueNumber int) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.Items {
		if item.IssueNumber == issueNumber {
			cp := *item
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("no item linked to issue #%d", issueNumber)
}

// ListItems filters the stored items by status.
func (f *Fake) ListItems(ctx context.Context, statuses []types.Status) ([]*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.WorkItem
	for _, item := range f.Items {
		for _, s := range statuses {
			if item.Status == s {
				cp := *item
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

// UpdateStatus sets the item's pipeline stage.
func (f *Fake) UpdateStatus(ctx context.Context, id string, s types.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	item, ok := f.Items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.Status = s
	f.Calls = append(f.Calls, fmt.Sprintf("UpdateStatus(%s,%s)", id, s))
	return nil
}

// UpdateReviewStatus sets the review axis.
func (f *Fake) UpdateReviewStatus(ctx context.Context, id string, r types.ReviewStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	item, ok := f.Items[id]
	if !ok {
		return fmt.Errorf("item %s not found", id)
	}
	item.ReviewStatus = r
	f.Calls = append(f.Calls, fmt.Sprintf("UpdateReviewStatus(%s,%s)", id, r))
	return nil
}

// PhaseField reads the phase field.
func (f *Fake) PhaseField(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Phases[id], nil
}

// SetPhaseField writes the phase field.
func (f *Fake) SetPhaseField(ctx context.Context, id, field string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	f.Phases[id] = field
	f.Calls = append(f.Calls, fmt.Sprintf("SetPhaseField(%s,%s)", id, field))
	return nil
}

// AddComment appends a comment.
func (f *Fake) AddComment(ctx context.Context, id, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	f.Comments[id] = append(f.Comments[id], Comment{
		ID:        fmt.Sprintf("c%d", len(f.Comments[id])+1),
		Body:      body,
		CreatedAt: time.Now(),
	})
	f.Calls = append(f.Calls, fmt.Sprintf("AddComment(%s)", id))
	return nil
}

// ListComments returns the item's comments, oldest first.
func (f *Fake) ListComments(ctx context.Context, id string) ([]Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Comment(nil), f.Comments[id]...), nil
}
