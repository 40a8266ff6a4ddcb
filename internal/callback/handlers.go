package callback

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/conveyordev/conveyor/internal/approval"
	"github.com/conveyordev/conveyor/internal/chat"
	"github.com/conveyordev/conveyor/internal/phase"
	"github.com/conveyordev/conveyor/internal/status"
	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/types"
)

// handleApprove advances an approved item one pipeline stage.
func (r *Router) handleApprove(ctx context.Context, issueNumber int) Result {
	item, pending, res := r.loadDecision(ctx, issueNumber)
	if item == nil {
		return res
	}

	token, claimRes, ok := r.claim(ctx, item, pending)
	if !ok {
		return claimRes
	}

	next, err := status.Advance(item, pending.CapturedStatus)
	if errors.Is(err, status.ErrNoLongerValid) || errors.Is(err, status.ErrNoAdvance) {
		// The decision is moot; dropping the consumed token is correct.
		_ = r.Store.ClearPending(item.ID)
		log.Printf("callback: approve for %s no longer valid: %v", item.ID, err)
		return Result{Outcome: OutcomeNoLongerValid, Message: err.Error()}
	}
	if err != nil {
		r.restore(item.ID, token)
		return Result{Outcome: OutcomeError, Message: err.Error()}
	}

	prevStatus, prevReview := item.Status, item.ReviewStatus
	if err := r.Tracker.UpdateStatus(ctx, item.ID, next); err != nil {
		r.restore(item.ID, token)
		return Result{Outcome: OutcomeError, Message: fmt.Sprintf("advance %s: %v", item.ID, err)}
	}
	// Review status always clears on advance. A crash between these two
	// calls leaves a cleared-status gap recovered by idempotent re-entry,
	// not rollback.
	if err := r.Tracker.UpdateReviewStatus(ctx, item.ID, types.ReviewNone); err != nil {
		log.Printf("callback: clear review status for %s failed (recovered next run): %v", item.ID, err)
	}
	_ = r.Store.ClearPending(item.ID)

	undo := &approval.UndoToken{
		ItemID:     item.ID,
		Action:     approval.UndoApprove,
		PrevStatus: prevStatus,
		PrevReview: prevReview,
		IssuedAt:   r.now(),
	}
	r.post(ctx, fmt.Sprintf("%s approved: %s -> %s", item.ID, prevStatus, next),
		[]chat.Button{{Label: "Undo", Payload: undo.Payload()}})

	return Result{
		Outcome:    OutcomeOK,
		Message:    fmt.Sprintf("%s advanced to %s", item.ID, next),
		AdvancedTo: next,
	}
}

// handleReviewVerdict applies a review-axis decision (reject, request
// changes, clarification received) without moving the status axis.
func (r *Router) handleReviewVerdict(ctx context.Context, issueNumber int, verdict types.ReviewStatus) Result {
	item, pending, res := r.loadDecision(ctx, issueNumber)
	if item == nil {
		return res
	}

	token, claimRes, ok := r.claim(ctx, item, pending)
	if !ok {
		return claimRes
	}

	if err := status.CheckLive(pending.CapturedStatus, item.Status); err != nil {
		_ = r.Store.ClearPending(item.ID)
		log.Printf("callback: verdict for %s no longer valid: %v", item.ID, err)
		return Result{Outcome: OutcomeNoLongerValid, Message: err.Error()}
	}

	prevReview := item.ReviewStatus
	if err := r.Tracker.UpdateReviewStatus(ctx, item.ID, verdict); err != nil {
		r.restore(item.ID, token)
		return Result{Outcome: OutcomeError, Message: fmt.Sprintf("set %s on %s: %v", verdict, item.ID, err)}
	}
	_ = r.Store.ClearPending(item.ID)

	var buttons []chat.Button
	if verdict == types.ReviewRequestChanges {
		undo := &approval.UndoToken{
			ItemID:     item.ID,
			Action:     approval.UndoRequestChanges,
			PrevStatus: item.Status,
			PrevReview: prevReview,
			IssuedAt:   r.now(),
		}
		buttons = []chat.Button{{Label: "Undo", Payload: undo.Payload()}}
	}
	r.post(ctx, fmt.Sprintf("%s marked %s", item.ID, verdict), buttons)

	return Result{Outcome: OutcomeOK, Message: fmt.Sprintf("%s marked %s", item.ID, verdict)}
}

// handleMerge completes the active phase's PR. Non-final phases advance
// the phase field and keep the item in Implementation; the final phase
// finishes the item with the side effects the generic advance rule cannot
// express (branch cleanup, plan removal).
func (r *Router) handleMerge(ctx context.Context, issueNumber, prNumber int) Result {
	item, pending, res := r.loadDecision(ctx, issueNumber)
	if item == nil {
		return res
	}

	token, claimRes, ok := r.claim(ctx, item, pending)
	if !ok {
		return claimRes
	}

	if err := status.CheckLive(pending.CapturedStatus, item.Status); err != nil {
		_ = r.Store.ClearPending(item.ID)
		return Result{Outcome: OutcomeNoLongerValid, Message: err.Error()}
	}

	phases, err := r.Resolver.Resolve(ctx, item, phase.ModeReadOnly)
	if err != nil {
		r.restore(item.ID, token)
		return Result{Outcome: OutcomeError, Message: fmt.Sprintf("resolve phases for %s: %v", item.ID, err)}
	}

	next, finished, err := status.MergeOutcome(phases.Current, phases.Total)
	if err != nil {
		r.restore(item.ID, token)
		return Result{Outcome: OutcomeError, Message: err.Error()}
	}

	if !finished {
		if err := r.Resolver.Advance(ctx, item.ID, phases.Current, phases.Total); err != nil {
			r.restore(item.ID, token)
			return Result{Outcome: OutcomeError, Message: err.Error()}
		}
		// Status stays Implementation until the final phase lands.
		if item.Status != types.StatusImplementation {
			if err := r.Tracker.UpdateStatus(ctx, item.ID, types.StatusImplementation); err != nil {
				log.Printf("callback: reset %s to Implementation failed (recovered next run): %v", item.ID, err)
			}
		}
		_ = r.Store.ClearPending(item.ID)
		r.post(ctx, fmt.Sprintf("%s PR #%d merged: phase %d/%d done, starting phase %d",
			item.ID, prNumber, phases.Current, phases.Total, phases.Current+1), nil)
		return Result{
			Outcome:    OutcomeOK,
			Message:    fmt.Sprintf("%s advanced to phase %d/%d", item.ID, phases.Current+1, phases.Total),
			AdvancedTo: types.StatusImplementation,
		}
	}

	if err := r.Tracker.UpdateStatus(ctx, item.ID, next); err != nil {
		r.restore(item.ID, token)
		return Result{Outcome: OutcomeError, Message: fmt.Sprintf("complete %s: %v", item.ID, err)}
	}
	if err := r.Tracker.UpdateReviewStatus(ctx, item.ID, types.ReviewNone); err != nil {
		log.Printf("callback: clear review status for %s failed: %v", item.ID, err)
	}
	if phases.MultiPhase() {
		if err := r.Resolver.ClearPlan(item.ID); err != nil {
			log.Printf("callback: clear plan for %s failed: %v", item.ID, err)
		}
	}
	if r.Branches != nil && phases.TaskBranch != "" {
		if err := r.Branches.DeleteBranch(ctx, phases.TaskBranch); err != nil {
			log.Printf("callback: delete branch %s failed: %v", phases.TaskBranch, err)
		}
	}
	_ = r.Store.ClearPending(item.ID)
	r.post(ctx, fmt.Sprintf("%s PR #%d merged: done", item.ID, prNumber), nil)

	return Result{
		Outcome:    OutcomeOK,
		Message:    item.ID + " completed",
		AdvancedTo: next,
	}
}

// handleUndo reverses a decision while its window is open. Applying undo
// is itself idempotent: remote state already matching the token's prior
// state counts as success.
func (r *Router) handleUndo(ctx context.Context, action approval.UndoAction, args []string) Result {
	tok, err := approval.DecodeUndoToken(action, args)
	if err != nil {
		return Result{Outcome: OutcomeInvalid, Message: err.Error()}
	}
	if !tok.Valid(r.now()) {
		log.Printf("callback: undo for %s expired (issued %s)", tok.ItemID, tok.IssuedAt.Format("15:04:05"))
		return Result{Outcome: OutcomeExpired, Message: fmt.Sprintf("undo window for %s has expired", tok.ItemID)}
	}

	item, err := r.Tracker.FetchItem(ctx, tok.ItemID)
	if err != nil {
		return Result{Outcome: OutcomeError, Message: err.Error()}
	}

	if item.Status == tok.PrevStatus && item.ReviewStatus == tok.PrevReview {
		return Result{Outcome: OutcomeAlreadyDone, Message: tok.ItemID + " already restored"}
	}

	if item.Status != tok.PrevStatus {
		if err := r.Tracker.UpdateStatus(ctx, tok.ItemID, tok.PrevStatus); err != nil {
			return Result{Outcome: OutcomeError, Message: fmt.Sprintf("restore %s: %v", tok.ItemID, err)}
		}
	}
	if item.ReviewStatus != tok.PrevReview {
		if err := r.Tracker.UpdateReviewStatus(ctx, tok.ItemID, tok.PrevReview); err != nil {
			return Result{Outcome: OutcomeError, Message: fmt.Sprintf("restore review on %s: %v", tok.ItemID, err)}
		}
	}

	// The original decision is pending again: re-arm it.
	if _, err := r.Claims.Arm(tok.ItemID); err != nil {
		log.Printf("callback: re-arm after undo for %s failed: %v", tok.ItemID, err)
	} else {
		_ = r.Store.SetPending(tok.ItemID, &store.PendingDecision{
			CapturedStatus: tok.PrevStatus,
			CapturedReview: tok.PrevReview,
			PostedAt:       r.now(),
		})
	}
	r.post(ctx, fmt.Sprintf("%s restored to %s; decision reopened", tok.ItemID, tok.PrevStatus), nil)

	return Result{Outcome: OutcomeOK, Message: tok.ItemID + " restored", AdvancedTo: tok.PrevStatus}
}

// loadDecision fetches the item behind an issue number together with its
// pending decision. A nil item means the returned Result is final.
func (r *Router) loadDecision(ctx context.Context, issueNumber int) (*types.WorkItem, *store.PendingDecision, Result) {
	item, err := r.Tracker.ItemByIssue(ctx, issueNumber)
	if err != nil {
		return nil, nil, Result{Outcome: OutcomeError, Message: err.Error()}
	}
	pending, err := r.Store.Pending(item.ID)
	if err != nil {
		return nil, nil, Result{Outcome: OutcomeError, Message: err.Error()}
	}
	if pending == nil {
		// No pending decision: a double-click after completion, or a
		// notification from a previous run. Idempotent "already done".
		return nil, nil, Result{Outcome: OutcomeAlreadyDone, Message: fmt.Sprintf("%s has no pending decision", item.ID)}
	}
	return item, pending, Result{}
}

// claim consumes the item's single-use token. On contention it checks
// whether the winner already completed the transition and answers
// "already done" rather than failing.
func (r *Router) claim(ctx context.Context, item *types.WorkItem, pending *store.PendingDecision) (string, Result, bool) {
	token, err := r.Claims.Claim(item.ID)
	if err == nil {
		return token, Result{}, true
	}
	if !errors.Is(err, approval.ErrAlreadyClaimed) {
		return "", Result{Outcome: OutcomeError, Message: err.Error()}, false
	}

	// Loser path: did the winner's action land?
	live, fetchErr := r.Tracker.FetchItem(ctx, item.ID)
	if fetchErr == nil && live.Status != pending.CapturedStatus {
		return "", Result{Outcome: OutcomeAlreadyDone, Message: item.ID + " already handled"}, false
	}
	if fetchErr == nil && live.ReviewStatus != pending.CapturedReview {
		return "", Result{Outcome: OutcomeAlreadyDone, Message: item.ID + " already handled"}, false
	}
	log.Printf("callback: claim contention on %s, winner still in flight", item.ID)
	return "", Result{Outcome: OutcomeAlreadyDone, Message: item.ID + " is being handled"}, false
}

func (r *Router) restore(itemID, token string) {
	if err := r.Claims.Restore(itemID, token); err != nil {
		log.Printf("callback: restore claim for %s failed: %v", itemID, err)
	}
}
