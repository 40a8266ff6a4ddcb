// Package notify posts decision notifications to the chat channel and
// arms them: the captured item state is persisted and a single-use claim
// token generated before the operator ever sees a button. A notification
// that is not armed cannot be acted on, which is the safe failure mode.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/conveyordev/conveyor/internal/approval"
	"github.com/conveyordev/conveyor/internal/chat"
	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/types"
)

// Notifier posts and arms operator decisions.
type Notifier struct {
	Channel chat.Channel
	Store   *store.Store
	Claims  *approval.ClaimStore

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// RequestDecision posts the stage-gate notification for an item whose
// agent run just finished: approve advances the pipeline, the other
// buttons set the review axis.
func (n *Notifier) RequestDecision(ctx context.Context, item *types.WorkItem, summary string) error {
	text := fmt.Sprintf("%s (%s) finished %s.", item.ID, item.Title, item.Status)
	if summary != "" {
		text += "\n\n" + summary
	}
	buttons := []chat.Button{
		{Label: "Approve", Payload: fmt.Sprintf("approve:%d", item.IssueNumber)},
		{Label: "Request changes", Payload: fmt.Sprintf("changes:%d", item.IssueNumber)},
		{Label: "Reject", Payload: fmt.Sprintf("reject:%d", item.IssueNumber)},
	}
	return n.arm(ctx, item, text, buttons)
}

// RequestMerge posts the PR-review notification: the merge button carries
// both the issue and the PR so the handler can verify the active phase.
func (n *Notifier) RequestMerge(ctx context.Context, item *types.WorkItem, prNumber int, phaseLabel string) error {
	text := fmt.Sprintf("%s (%s): PR #%d is ready.", item.ID, item.Title, prNumber)
	if phaseLabel != "" {
		text = fmt.Sprintf("%s (%s): PR #%d for phase %s is ready.", item.ID, item.Title, prNumber, phaseLabel)
	}
	buttons := []chat.Button{
		{Label: "Merge", Payload: fmt.Sprintf("merge:%d:%d", item.IssueNumber, prNumber)},
		{Label: "Request changes", Payload: fmt.Sprintf("changes:%d", item.IssueNumber)},
	}
	return n.arm(ctx, item, text, buttons)
}

// AskClarification relays an agent question; the button marks the reply
// as received so the next batch run picks the item back up.
func (n *Notifier) AskClarification(ctx context.Context, item *types.WorkItem, question string) error {
	text := fmt.Sprintf("%s (%s) needs clarification:\n\n%s", item.ID, item.Title, question)
	buttons := []chat.Button{
		{Label: "Answered", Payload: fmt.Sprintf("clarify:%d", item.IssueNumber)},
	}
	return n.arm(ctx, item, text, buttons)
}

// arm posts the message, then persists the captured state and generates
// the claim token. Failure after posting leaves a visible but inert
// notification; the next batch run re-posts it.
func (n *Notifier) arm(ctx context.Context, item *types.WorkItem, text string, buttons []chat.Button) error {
	ref, err := n.Channel.Post(ctx, text, buttons)
	if err != nil {
		return fmt.Errorf("post decision for %s: %w", item.ID, err)
	}

	pending := &store.PendingDecision{
		CapturedStatus: item.Status,
		CapturedReview: item.ReviewStatus,
		ChatID:         ref.ChatID,
		MessageID:      ref.MessageID,
		PostedAt:       n.now(),
	}
	if err := n.Store.SetPending(item.ID, pending); err != nil {
		return fmt.Errorf("persist pending decision for %s: %w", item.ID, err)
	}
	if _, err := n.Claims.Arm(item.ID); err != nil {
		return fmt.Errorf("arm claim for %s: %w", item.ID, err)
	}
	log.Printf("notify: armed decision for %s at %s (message %d)", item.ID, item.Status, ref.MessageID)
	return nil
}

// PendingFor reports whether an undecided notification already exists, so
// batch runs do not re-post while the operator is still deciding.
func (n *Notifier) PendingFor(itemID string) (bool, error) {
	pending, err := n.Store.Pending(itemID)
	if err != nil {
		return false, err
	}
	return pending != nil, nil
}
