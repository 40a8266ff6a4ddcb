// Package callback decodes operator actions arriving from the chat
// channel and dispatches them to handlers. The protocol is compact and
// colon-delimited ("approve:412", "u_rc:cvy-12:5:2:1712345678") because
// chat platforms cap callback payload size.
//
// The channel is always answered immediately; handler work then runs
// under a hard wall-clock deadline. An elapsed deadline abandons the
// wait, never the handler: the follow-up notification still lands when
// the handler finishes.
package callback

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/conveyordev/conveyor/internal/approval"
	"github.com/conveyordev/conveyor/internal/chat"
	"github.com/conveyordev/conveyor/internal/phase"
	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/tracker"
	"github.com/conveyordev/conveyor/internal/types"
)

// Outcome classifies how a callback resolved.
type Outcome string

const (
	// OutcomeOK means the action applied.
	OutcomeOK Outcome = "ok"
	// OutcomeAlreadyDone means someone else's identical action won the
	// race and completed; contention, not failure.
	OutcomeAlreadyDone Outcome = "already_done"
	// OutcomeNoLongerValid means the item's live state moved past the
	// notification; nothing was mutated.
	OutcomeNoLongerValid Outcome = "no_longer_valid"
	// OutcomeExpired means an undo arrived after its window.
	OutcomeExpired Outcome = "expired"
	// OutcomeInvalid means the payload itself was malformed or unknown.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeTimeout means the deadline elapsed while the handler was
	// still running in the background.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeError means the handler failed; the action stays retryable.
	OutcomeError Outcome = "error"
)

// Result is the resolved outcome of one callback.
type Result struct {
	Outcome    Outcome
	Message    string       // operator-facing summary
	AdvancedTo types.Status // set when a status advance applied
}

// Command is a decoded callback payload.
type Command struct {
	Action string
	Args   []string
	Raw    string
}

// argCounts declares the expected argument count per action. Validated
// before dispatch so handlers never see a malformed payload.
var argCounts = map[string]int{
	"approve": 1, // approve:<issueNumber>
	"reject":  1, // reject:<issueNumber>
	"changes": 1, // changes:<issueNumber>
	"clarify": 1, // clarify:<issueNumber>
	"merge":   2, // merge:<issueNumber>:<prNumber>
	"u_ap":    4, // u_ap:<itemID>:<statusIdx>:<reviewIdx>:<timestamp>
	"u_rc":    4, // u_rc:<itemID>:<statusIdx>:<reviewIdx>:<timestamp>
}

// Decode parses a raw callback payload defensively: trim, lowercase the
// action, then validate argument count and per-argument types.
func Decode(payload string) (*Command, error) {
	raw := payload
	fields := strings.Split(strings.TrimSpace(payload), ":")
	action := strings.ToLower(strings.TrimSpace(fields[0]))
	if action == "" {
		return nil, fmt.Errorf("empty action in callback payload %q", raw)
	}

	want, known := argCounts[action]
	if !known {
		return nil, fmt.Errorf("unknown callback action %q in payload %q", action, raw)
	}
	args := fields[1:]
	if len(args) != want {
		return nil, fmt.Errorf("action %q wants %d args, got %d in payload %q", action, want, len(args), raw)
	}

	// Integer-typed arguments are checked up front.
	switch action {
	case "approve", "reject", "changes", "clarify":
		if _, err := strconv.Atoi(args[0]); err != nil {
			return nil, fmt.Errorf("action %q: issue number %q is not numeric in payload %q", action, args[0], raw)
		}
	case "merge":
		for i, name := range []string{"issue number", "PR number"} {
			if _, err := strconv.Atoi(args[i]); err != nil {
				return nil, fmt.Errorf("merge: %s %q is not numeric in payload %q", name, args[i], raw)
			}
		}
	}
	return &Command{Action: action, Args: args, Raw: raw}, nil
}

// DefaultDeadline bounds how long Handle waits for a handler before
// reporting a timeout and letting it finish in the background.
const DefaultDeadline = 25 * time.Second

// BranchCleaner removes a merged task branch from the working copy. The
// git mechanics behind it are an external collaborator; nil skips
// cleanup.
type BranchCleaner interface {
	DeleteBranch(ctx context.Context, branch string) error
}

// Router wires decoded commands to their handlers.
type Router struct {
	Tracker  tracker.Tracker
	Store    *store.Store
	Resolver *phase.Resolver
	Claims   *approval.ClaimStore
	Channel  chat.Channel
	Branches BranchCleaner
	Deadline time.Duration

	// Now is the clock; overridable in tests for undo-window boundaries.
	Now func() time.Time
}

func (r *Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Router) deadline() time.Duration {
	if r.Deadline > 0 {
		return r.Deadline
	}
	return DefaultDeadline
}

// Handle processes one inbound callback. It acks the channel before any
// slow work, dispatches, and waits at most the configured deadline.
func (r *Router) Handle(ctx context.Context, callbackID, payload string) Result {
	cmd, err := Decode(payload)
	if err != nil {
		// Malformed input is reported with the raw payload, never dropped.
		log.Printf("callback: rejected payload: %v", err)
		r.ack(ctx, callbackID, "Unrecognized action")
		return Result{Outcome: OutcomeInvalid, Message: err.Error()}
	}

	r.ack(ctx, callbackID, "Processing "+cmd.Action+"...")

	done := make(chan Result, 1)
	go func() {
		// Detached from the request context: an elapsed deadline must not
		// cancel the handler mid-mutation.
		done <- r.dispatch(context.WithoutCancel(ctx), cmd)
	}()

	select {
	case res := <-done:
		return res
	case <-time.After(r.deadline()):
		log.Printf("callback: %s still running after %s, continuing in background", cmd.Raw, r.deadline())
		return Result{Outcome: OutcomeTimeout, Message: fmt.Sprintf("%s is taking longer than expected", cmd.Action)}
	}
}

func (r *Router) dispatch(ctx context.Context, cmd *Command) Result {
	switch cmd.Action {
	case "approve":
		return r.handleApprove(ctx, mustAtoi(cmd.Args[0]))
	case "reject":
		return r.handleReviewVerdict(ctx, mustAtoi(cmd.Args[0]), types.ReviewRejected)
	case "changes":
		return r.handleReviewVerdict(ctx, mustAtoi(cmd.Args[0]), types.ReviewRequestChanges)
	case "clarify":
		return r.handleReviewVerdict(ctx, mustAtoi(cmd.Args[0]), types.ReviewClarificationReceived)
	case "merge":
		return r.handleMerge(ctx, mustAtoi(cmd.Args[0]), mustAtoi(cmd.Args[1]))
	case "u_ap", "u_rc":
		return r.handleUndo(ctx, approval.UndoAction(cmd.Action), cmd.Args)
	}
	// Unreachable: Decode only admits known actions.
	return Result{Outcome: OutcomeInvalid, Message: "unknown action " + cmd.Action}
}

func (r *Router) ack(ctx context.Context, callbackID, text string) {
	if err := r.Channel.Ack(ctx, callbackID, text); err != nil {
		log.Printf("callback: ack failed: %v", err)
	}
}

func (r *Router) post(ctx context.Context, text string, buttons []chat.Button) {
	if _, err := r.Channel.Post(ctx, text, buttons); err != nil {
		log.Printf("callback: follow-up post failed: %v", err)
	}
}

// mustAtoi converts an argument already validated by Decode.
func mustAtoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
