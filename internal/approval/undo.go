package approval

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/conveyordev/conveyor/internal/types"
)

// UndoWindow is how long an applied decision stays reversible. Validity is
// judged solely from the token's embedded timestamp, so no server-side
// undo state exists to clean up.
const UndoWindow = 5 * time.Minute

// ErrUndoExpired is returned when the undo window has elapsed.
// Contention-class outcome: reported as "too late", not as a failure.
var ErrUndoExpired = errors.New("undo window expired")

// UndoAction names the decision being reversed. The wire values double as
// callback action names and stay short because chat callback payloads are
// tightly size-limited.
type UndoAction string

const (
	// UndoApprove reverses an approval advance.
	UndoApprove UndoAction = "u_ap"
	// UndoRequestChanges reverses a request-changes decision.
	UndoRequestChanges UndoAction = "u_rc"
)

// IsValid reports whether the action is a known undo action.
func (a UndoAction) IsValid() bool {
	return a == UndoApprove || a == UndoRequestChanges
}

// UndoToken carries everything needed to reverse one applied decision:
// the item, the prior state to restore, and the issuance time that bounds
// validity. It travels entirely inside the outbound callback payload.
type UndoToken struct {
	ItemID     string
	Action     UndoAction
	PrevStatus types.Status
	PrevReview types.ReviewStatus
	IssuedAt   time.Time
}

// Valid reports whether the token is still inside the undo window at now.
func (t *UndoToken) Valid(now time.Time) bool {
	return now.Sub(t.IssuedAt) < UndoWindow
}

// Encode renders the token as the colon-joined argument tail of a callback
// payload: <itemID>:<statusIdx>:<reviewIdx>:<unixSeconds>. Statuses are
// carried as table indexes to stay within payload size limits.
func (t *UndoToken) Encode() string {
	return fmt.Sprintf("%s:%d:%d:%d",
		t.ItemID, statusIndex(t.PrevStatus), reviewIndex(t.PrevReview), t.IssuedAt.Unix())
}

// Payload renders the full callback payload including the action name.
func (t *UndoToken) Payload() string {
	return string(t.Action) + ":" + t.Encode()
}

// DecodeUndoToken parses the argument tail produced by Encode.
func DecodeUndoToken(action UndoAction, args []string) (*UndoToken, error) {
	if !action.IsValid() {
		return nil, fmt.Errorf("unknown undo action %q", action)
	}
	if len(args) != 4 {
		return nil, fmt.Errorf("undo token needs 4 fields, got %d", len(args))
	}
	itemID := strings.TrimSpace(args[0])
	if itemID == "" {
		return nil, fmt.Errorf("undo token missing item id")
	}
	statusIdx, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("undo token status index %q: %w", args[1], err)
	}
	prevStatus, err := statusFromIndex(statusIdx)
	if err != nil {
		return nil, err
	}
	reviewIdx, err := strconv.Atoi(args[2])
	if err != nil {
		return nil, fmt.Errorf("undo token review index %q: %w", args[2], err)
	}
	prevReview, err := reviewFromIndex(reviewIdx)
	if err != nil {
		return nil, err
	}
	unix, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("undo token timestamp %q: %w", args[3], err)
	}
	return &UndoToken{
		ItemID:     itemID,
		Action:     action,
		PrevStatus: prevStatus,
		PrevReview: prevReview,
		IssuedAt:   time.Unix(unix, 0),
	}, nil
}

// reviewOrder gives review statuses stable wire indexes.
var reviewOrder = []types.ReviewStatus{
	types.ReviewNone,
	types.ReviewWaitingForDecision,
	types.ReviewWaitingForReview,
	types.ReviewApproved,
	types.ReviewRequestChanges,
	types.ReviewRejected,
	types.ReviewClarificationReceived,
}

func statusIndex(s types.Status) int {
	for i, v := range types.PipelineOrder {
		if v == s {
			return i
		}
	}
	return -1
}

func statusFromIndex(i int) (types.Status, error) {
	if i < 0 || i >= len(types.PipelineOrder) {
		return "", fmt.Errorf("undo token status index %d out of range", i)
	}
	return types.PipelineOrder[i], nil
}

func reviewIndex(r types.ReviewStatus) int {
	for i, v := range reviewOrder {
		if v == r {
			return i
		}
	}
	return -1
}

func reviewFromIndex(i int) (types.ReviewStatus, error) {
	if i < 0 || i >= len(reviewOrder) {
		return "", fmt.Errorf("undo token review index %d out of range", i)
	}
	return reviewOrder[i], nil
}
