// Package batch is the scheduled entry point: acquire the working-copy
// lock, find items whose state lets an agent act, run one stage per item,
// and hand every human gate to the notifier. One invocation does bounded
// work and exits; the schedule, not an in-process loop, is the retry
// mechanism for anything that failed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/conveyordev/conveyor/internal/agent"
	"github.com/conveyordev/conveyor/internal/debug"
	"github.com/conveyordev/conveyor/internal/lockfile"
	"github.com/conveyordev/conveyor/internal/notify"
	"github.com/conveyordev/conveyor/internal/phase"
	"github.com/conveyordev/conveyor/internal/status"
	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/telemetry"
	"github.com/conveyordev/conveyor/internal/tracker"
	"github.com/conveyordev/conveyor/internal/types"
)

// questionPrefix marks agent output that is a clarification request
// rather than a deliverable.
const questionPrefix = "QUESTION:"

// Options configures one batch run.
type Options struct {
	// DryRun reports what would happen without mutating anything.
	DryRun bool
	// ID restricts the run to a single item.
	ID string
	// Limit caps items processed this run; 0 means no cap.
	Limit int
	// GlobalLimit caps items active beyond Backlog across the whole
	// pipeline; 0 means no cap. New Backlog intake stops at the cap.
	GlobalLimit int
	// StaleTimeout is the lock staleness cutoff; 0 forces a clear.
	StaleTimeout time.Duration
	// SkipPull skips refreshing the working copy before the run.
	SkipPull bool
	// Reset wipes local per-item state before processing.
	Reset bool
}

// Workspace refreshes the working copy before agents touch it. The git
// mechanics are an external collaborator; nil skips the pull.
type Workspace interface {
	Pull(ctx context.Context) error
}

// ItemOutcome classifies what one item's processing did.
type ItemOutcome string

const (
	OutcomeRan      ItemOutcome = "ran"      // agent ran, decision posted
	OutcomeNotified ItemOutcome = "notified" // merge/decision re-posted, no agent run
	OutcomeWaiting  ItemOutcome = "waiting"  // operator decision still pending
	OutcomeSkipped  ItemOutcome = "skipped"  // not eligible this run
	OutcomeFailed   ItemOutcome = "failed"   // error; logged, run continued
)

// ItemResult records what happened to one item during a run.
type ItemResult struct {
	ItemID  string
	Stage   types.Status
	Outcome ItemOutcome
	Detail  string
	Err     error
}

// Summary is the result of one batch run.
type Summary struct {
	Started  time.Time
	Finished time.Time
	DryRun   bool
	Results  []ItemResult
}

// Counts returns the number of results per outcome.
func (s *Summary) Counts() map[ItemOutcome]int {
	counts := make(map[ItemOutcome]int)
	for _, r := range s.Results {
		counts[r.Outcome]++
	}
	return counts
}

// Runner executes batch runs.
type Runner struct {
	Tracker   tracker.Tracker
	Store     *store.Store
	Resolver  *phase.Resolver
	Agent     agent.Runner
	Notifier  *notify.Notifier
	Workspace Workspace

	// WorkDir identifies the working copy the process lock protects.
	WorkDir string
	// Agents names the agents recorded in the lock, for diagnostics.
	Agents []string
}

// batchMetrics holds lazily-initialized OTel instruments for batch runs.
var batchMetrics struct {
	itemsProcessed metric.Int64Counter
	lockContention metric.Int64Counter
}

var batchMetricsOnce sync.Once

func initBatchMetrics() {
	m := telemetry.Meter("github.com/conveyordev/conveyor/batch")
	batchMetrics.itemsProcessed, _ = m.Int64Counter("cvy.batch.items",
		metric.WithDescription("Work items processed per batch run"),
		metric.WithUnit("{item}"),
	)
	batchMetrics.lockContention, _ = m.Int64Counter("cvy.batch.lock_contention",
		metric.WithDescription("Batch runs that found the working-copy lock held"),
	)
}

// Run executes one batch pass. Item-level failures are recorded and
// skipped; only setup failures (lock, pull, listing) fail the run.
func (r *Runner) Run(ctx context.Context, opts Options) (*Summary, error) {
	batchMetricsOnce.Do(initBatchMetrics)
	summary := &Summary{Started: time.Now(), DryRun: opts.DryRun}

	handle, err := lockfile.Acquire(r.WorkDir, opts.StaleTimeout, r.Agents)
	if err != nil {
		var held *lockfile.HeldError
		if errors.As(err, &held) {
			batchMetrics.lockContention.Add(ctx, 1)
			log.Printf("batch: working copy busy: %v", held)
		}
		return nil, fmt.Errorf("acquire working-copy lock: %w", err)
	}
	handle.ReleaseOnExit()
	defer func() {
		if err := handle.Release(); err != nil {
			log.Printf("batch: release lock: %v", err)
		}
	}()

	if !opts.SkipPull && r.Workspace != nil && !opts.DryRun {
		if err := r.Workspace.Pull(ctx); err != nil {
			return nil, fmt.Errorf("refresh working copy: %w", err)
		}
	}

	items, err := r.selectItems(ctx, opts)
	if err != nil {
		return nil, err
	}
	debug.Logf("batch: %d candidate items", len(items))

	processed := 0
	for _, item := range items {
		if opts.Limit > 0 && processed >= opts.Limit {
			break
		}
		if opts.Reset && !opts.DryRun {
			if err := r.Store.Reset(item.ID); err != nil {
				log.Printf("batch: reset local state for %s: %v", item.ID, err)
			}
		}

		res := r.processItem(ctx, item, opts.DryRun)
		summary.Results = append(summary.Results, res)
		if res.Outcome == OutcomeRan || res.Outcome == OutcomeNotified {
			processed++
		}
		if res.Err != nil {
			log.Printf("batch: item %s failed, continuing: %v", item.ID, res.Err)
		}
		batchMetrics.itemsProcessed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("cvy.batch.outcome", string(res.Outcome))))
	}

	summary.Finished = time.Now()
	return summary, nil
}

// selectItems picks this run's candidates in deterministic order.
func (r *Runner) selectItems(ctx context.Context, opts Options) ([]*types.WorkItem, error) {
	if opts.ID != "" {
		item, err := r.Tracker.FetchItem(ctx, opts.ID)
		if err != nil {
			return nil, fmt.Errorf("fetch item %s: %w", opts.ID, err)
		}
		return []*types.WorkItem{item}, nil
	}

	// Everything short of Done can need attention: agent stages for runs,
	// PR Review for merge notifications.
	active := types.PipelineOrder[:len(types.PipelineOrder)-1]
	items, err := r.Tracker.ListItems(ctx, active)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	if opts.GlobalLimit <= 0 {
		return items, nil
	}

	// Intake control: Backlog items only start while the pipeline has
	// capacity; items already past Backlog always keep moving.
	inFlight := 0
	for _, item := range items {
		if item.Status != types.StatusBacklog {
			inFlight++
		}
	}
	capacity := opts.GlobalLimit - inFlight
	out := make([]*types.WorkItem, 0, len(items))
	for _, item := range items {
		if item.Status == types.StatusBacklog {
			if capacity <= 0 {
				debug.Logf("batch: holding %s in Backlog, pipeline at global limit %d", item.ID, opts.GlobalLimit)
				continue
			}
			capacity--
		}
		out = append(out, item)
	}
	return out, nil
}

// processItem runs the stage action for one item.
func (r *Runner) processItem(ctx context.Context, item *types.WorkItem, dryRun bool) ItemResult {
	res := ItemResult{ItemID: item.ID, Stage: item.Status}

	pending, err := r.Notifier.PendingFor(item.ID)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if pending {
		res.Outcome = OutcomeWaiting
		res.Detail = "operator decision pending"
		return res
	}

	if item.Status == types.StatusPRReview {
		return r.notifyMerge(ctx, item, dryRun)
	}

	if !status.Eligible(item) {
		res.Outcome = OutcomeSkipped
		res.Detail = fmt.Sprintf("review status %q blocks agent work", item.ReviewStatus)
		return res
	}

	return r.runStage(ctx, item, dryRun)
}

// notifyMerge re-arms the merge gate for an item sitting in PR Review.
func (r *Runner) notifyMerge(ctx context.Context, item *types.WorkItem, dryRun bool) ItemResult {
	res := ItemResult{ItemID: item.ID, Stage: item.Status}
	if item.PRNumber == 0 {
		res.Outcome = OutcomeSkipped
		res.Detail = "in PR Review with no linked pull request"
		return res
	}

	label := ""
	resolution, err := r.Resolver.Resolve(ctx, item, phase.ModeReadOnly)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if resolution.MultiPhase() {
		label = phase.FormatPhase(resolution.Current, resolution.Total)
	}

	if dryRun {
		res.Outcome = OutcomeNotified
		res.Detail = fmt.Sprintf("would post merge gate for PR #%d", item.PRNumber)
		return res
	}
	if err := r.Notifier.RequestMerge(ctx, item, item.PRNumber, label); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	res.Outcome = OutcomeNotified
	res.Detail = fmt.Sprintf("merge gate posted for PR #%d", item.PRNumber)
	return res
}

// runStage executes the agent for the item's current stage and posts the
// resulting decision gate.
func (r *Runner) runStage(ctx context.Context, item *types.WorkItem, dryRun bool) ItemResult {
	res := ItemResult{ItemID: item.ID, Stage: item.Status}

	req := &agent.Request{Item: item, Stage: item.Status}
	if item.Status == types.StatusTechnicalDesign || item.Status == types.StatusImplementation {
		resolution, err := r.Resolver.Resolve(ctx, item, phase.ModeSeed)
		if err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
		req.Phase = resolution.Descriptor
		req.TaskBranch = resolution.TaskBranch
	}

	rec, err := r.Store.Get(item.ID)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	req.Inputs = rec.Documents

	if dryRun {
		res.Outcome = OutcomeRan
		res.Detail = fmt.Sprintf("would run agent at %s", item.Status)
		return res
	}

	out, err := r.Agent.Run(ctx, req)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("agent run at %s: %w", item.Status, err)
		return res
	}

	if question, ok := strings.CutPrefix(strings.TrimSpace(out.Output), questionPrefix); ok {
		return r.relayQuestion(ctx, item, strings.TrimSpace(question))
	}

	docName, err := agent.DocumentName(item.Status)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	if err := r.Store.PutDocument(item.ID, docName, out.Output); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	// The tracking comment is also how phase plans reach the tracker: a
	// technical design's conveyor-phases block becomes a descriptor source.
	if err := r.Tracker.AddComment(ctx, item.ID, out.Output); err != nil {
		log.Printf("batch: tracking comment for %s failed: %v", item.ID, err)
	}
	if err := r.Tracker.UpdateReviewStatus(ctx, item.ID, types.ReviewWaitingForDecision); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	item.ReviewStatus = types.ReviewWaitingForDecision
	if err := r.Notifier.RequestDecision(ctx, item, summarize(out.Output)); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}

	res.Outcome = OutcomeRan
	res.Detail = fmt.Sprintf("%s written, decision posted", docName)
	return res
}

// relayQuestion forwards an agent's clarification request to the operator
// and parks the item until the answer arrives.
func (r *Runner) relayQuestion(ctx context.Context, item *types.WorkItem, question string) ItemResult {
	res := ItemResult{ItemID: item.ID, Stage: item.Status}
	if err := r.Tracker.UpdateReviewStatus(ctx, item.ID, types.ReviewWaitingForReview); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	item.ReviewStatus = types.ReviewWaitingForReview
	if err := r.Notifier.AskClarification(ctx, item, question); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	res.Outcome = OutcomeNotified
	res.Detail = "clarification requested"
	return res
}

// summarize trims agent output to a chat-sized excerpt.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	const maxLen = 600
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if i := strings.LastIndexByte(cut, '\n'); i > maxLen/2 {
		cut = cut[:i]
	}
	return cut + "\n…"
}
