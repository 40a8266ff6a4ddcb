// Package tracker talks to the remote issue tracker that owns work item
// state. The tracker is the single source of truth: reads go through a
// cache, but every mutation is an individual round trip so a crash between
// calls leaves state recoverable by idempotent re-entry.
package tracker

import (
	"context"
	"time"

	"github.com/conveyordev/conveyor/internal/types"
)

// Comment is a free-text comment on a tracked item. Structured blocks
// (phase descriptors, branch records) travel inside comment bodies.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Tracker is the remote tracker client surface used by the pipeline core.
type Tracker interface {
	// FetchItem retrieves a single work item by id.
	FetchItem(ctx context.Context, id string) (*types.WorkItem, error)

	// ItemByIssue retrieves the work item linked to a repository issue
	// number, the identifier callback payloads carry.
	ItemByIssue(ctx context.Context, issueNumber int) (*types.WorkItem, error)

	// ListItems retrieves items currently in any of the given statuses.
	ListItems(ctx context.Context, statuses []types.Status) ([]*types.WorkItem, error)

	// UpdateStatus moves the item to a new pipeline stage.
	UpdateStatus(ctx context.Context, id string, s types.Status) error

	// UpdateReviewStatus sets the orthogonal review axis.
	UpdateReviewStatus(ctx context.Context, id string, r types.ReviewStatus) error

	// PhaseField reads the free-text "current/total" field; "" when unset.
	PhaseField(ctx context.Context, id string) (string, error)

	// SetPhaseField writes the "current/total" field.
	SetPhaseField(ctx context.Context, id, field string) error

	// AddComment appends a free-text comment to the item.
	AddComment(ctx context.Context, id, body string) error

	// ListComments returns the item's comments, oldest first.
	ListComments(ctx context.Context, id string) ([]Comment, error)
}
