// Package status is the finite-state machine over the pipeline status
// axis. It owns the declared advance table and the live-state check that
// guards externally triggered transitions against stale notifications.
package status

import (
	"errors"
	"fmt"

	"github.com/conveyordev/conveyor/internal/types"
)

// ErrNoLongerValid is returned when an action's captured status no longer
// matches the item's live status. The action performs no mutation; the
// operator sees an "already acted" outcome rather than a failure.
var ErrNoLongerValid = errors.New("item state changed since notification; action no longer valid")

// ErrNoAdvance is returned for statuses the generic approval rule cannot
// advance. PR Review exits only through an explicit merge; Done is final.
var ErrNoAdvance = errors.New("status has no generic advance")

// advanceTable maps (status, approved) to the next pipeline stage.
// PR Review is deliberately absent: it is absorbing with respect to the
// generic rule because leaving it carries side effects (branch cleanup,
// store updates) only the merge action can perform.
var advanceTable = map[types.Status]types.Status{
	types.StatusBacklog:         types.StatusProductDev,
	types.StatusProductDev:      types.StatusProductDesign,
	types.StatusProductDesign:   types.StatusTechnicalDesign,
	types.StatusTechnicalDesign: types.StatusImplementation,
	types.StatusImplementation:  types.StatusPRReview,
}

// NextOnApproval returns the stage an approved item advances to.
func NextOnApproval(s types.Status) (types.Status, error) {
	next, ok := advanceTable[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoAdvance, s)
	}
	return next, nil
}

// CheckLive verifies that the status captured when a notification was sent
// still matches the item's live status. Callers must re-load the item
// immediately before mutating and reject on mismatch.
func CheckLive(captured, live types.Status) error {
	if captured != live {
		return fmt.Errorf("%w (captured %q, live %q)", ErrNoLongerValid, captured, live)
	}
	return nil
}

// Advance computes the approval transition for item against the status the
// approval was issued for. On success it returns the new status; review
// status is always cleared on advance.
func Advance(item *types.WorkItem, captured types.Status) (types.Status, error) {
	if err := CheckLive(captured, item.Status); err != nil {
		return "", err
	}
	return NextOnApproval(item.Status)
}

// MergeOutcome computes the state after merging the active phase's PR.
// A non-final phase keeps the item in Implementation with the phase field
// advanced; merging the final phase completes the item.
func MergeOutcome(current, total int) (next types.Status, finished bool, err error) {
	if current < 1 || total < 1 || current > total {
		return "", false, fmt.Errorf("invalid phase position %d/%d", current, total)
	}
	if current == total {
		return types.StatusDone, true, nil
	}
	return types.StatusImplementation, false, nil
}

// Eligible reports whether a batch run may pick up the item: it must sit
// in an agent-driven stage with no human review pending.
func Eligible(item *types.WorkItem) bool {
	if item.ReviewStatus != types.ReviewNone && item.ReviewStatus != types.ReviewClarificationReceived {
		return false
	}
	switch item.Status {
	case types.StatusBacklog, types.StatusProductDev, types.StatusProductDesign,
		types.StatusTechnicalDesign, types.StatusImplementation:
		return true
	}
	return false
}
