package callback

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyordev/conveyor/internal/approval"
	"github.com/conveyordev/conveyor/internal/chat"
	"github.com/conveyordev/conveyor/internal/phase"
	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/tracker"
	"github.com/conveyordev/conveyor/internal/types"
)

func TestDecode(t *testing.T) {
	valid := []struct {
		payload string
		action  string
		args    int
	}{
		{"approve:412", "approve", 1},
		{"reject:7", "reject", 1},
		{"changes:7", "changes", 1},
		{"clarify:7", "clarify", 1},
		{"merge:412:9", "merge", 2},
		{"u_ap:cvy-12:3:0:1712345678", "u_ap", 4},
		{"  APPROVE:412  ", "approve", 1}, // trimmed, action lowercased
	}
	for _, tc := range valid {
		cmd, err := Decode(tc.payload)
		require.NoError(t, err, "payload %q", tc.payload)
		assert.Equal(t, tc.action, cmd.Action)
		assert.Len(t, cmd.Args, tc.args)
	}

	invalid := []string{
		"",
		":412",
		"frobnicate:412",
		"approve",
		"approve:412:extra",
		"approve:abc",
		"merge:412",
		"merge:412:xyz",
		"u_ap:cvy-12:3:0", // missing timestamp
	}
	for _, payload := range invalid {
		_, err := Decode(payload)
		assert.Error(t, err, "payload %q", payload)
		if err != nil {
			// Diagnostics must carry the raw payload.
			assert.Contains(t, err.Error(), strings.TrimSpace(payload))
		}
	}
}

type fakeBranches struct {
	mu      sync.Mutex
	Deleted []string
}

func (f *fakeBranches) DeleteBranch(ctx context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, branch)
	return nil
}

type fixture struct {
	router   *Router
	tracker  *tracker.Fake
	store    *store.Store
	channel  *chat.Fake
	branches *fakeBranches
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	trk := tracker.NewFake()
	ch := chat.NewFakeChannel()
	br := &fakeBranches{}
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	return &fixture{
		router: &Router{
			Tracker:  trk,
			Store:    st,
			Resolver: &phase.Resolver{Tracker: trk, Store: st},
			Claims:   &approval.ClaimStore{Store: st},
			Channel:  ch,
			Branches: br,
			Now:      func() time.Time { return now },
		},
		tracker:  trk,
		store:    st,
		channel:  ch,
		branches: br,
		now:      now,
	}
}

// arm posts the fixture's pending decision the way a notification would:
// captured state persisted, claim token generated.
func (f *fixture) arm(t *testing.T, item *types.WorkItem) {
	t.Helper()
	err := f.store.SetPending(item.ID, &store.PendingDecision{
		CapturedStatus: item.Status,
		CapturedReview: item.ReviewStatus,
		PostedAt:       f.now,
	})
	require.NoError(t, err)
	_, err = f.router.Claims.Arm(item.ID)
	require.NoError(t, err)
}

func TestApproveAdvancesItem(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", Title: "Add CSV export", IssueNumber: 412,
		Status: types.StatusTechnicalDesign, ReviewStatus: types.ReviewApproved,
	}
	f.tracker.Add(item)
	f.arm(t, item)

	res := f.router.Handle(context.Background(), "cb1", "approve:412")
	require.Equal(t, OutcomeOK, res.Outcome, res.Message)
	assert.Equal(t, types.StatusImplementation, res.AdvancedTo)

	live, err := f.tracker.FetchItem(context.Background(), "cvy-7")
	require.NoError(t, err)
	assert.Equal(t, types.StatusImplementation, live.Status)
	assert.Equal(t, types.ReviewNone, live.ReviewStatus)

	pending, err := f.store.Pending("cvy-7")
	require.NoError(t, err)
	assert.Nil(t, pending, "pending decision should be cleared")

	assert.Equal(t, 1, f.channel.AckCount())
	require.NotEmpty(t, f.channel.Posts)
	require.NotEmpty(t, f.channel.Buttons[0], "follow-up should offer undo")
	assert.True(t, strings.HasPrefix(f.channel.Buttons[0][0].Payload, "u_ap:cvy-7:"),
		"undo payload %q", f.channel.Buttons[0][0].Payload)
}

func TestApproveNoLongerValid(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412, Status: types.StatusTechnicalDesign,
	}
	f.tracker.Add(item)
	// Notification captured an older stage.
	require.NoError(t, f.store.SetPending("cvy-7", &store.PendingDecision{
		CapturedStatus: types.StatusProductDesign,
	}))
	_, err := f.router.Claims.Arm("cvy-7")
	require.NoError(t, err)

	res := f.router.Handle(context.Background(), "cb1", "approve:412")
	assert.Equal(t, OutcomeNoLongerValid, res.Outcome)
	assert.Empty(t, f.tracker.Calls, "stale approval must not mutate")
}

func TestApproveDoubleClickIsAlreadyDone(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412, Status: types.StatusTechnicalDesign,
	}
	f.tracker.Add(item)
	f.arm(t, item)

	first := f.router.Handle(context.Background(), "cb1", "approve:412")
	require.Equal(t, OutcomeOK, first.Outcome)

	second := f.router.Handle(context.Background(), "cb2", "approve:412")
	assert.Equal(t, OutcomeAlreadyDone, second.Outcome)
}

func TestApproveClaimContention(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412, Status: types.StatusTechnicalDesign,
	}
	f.tracker.Add(item)
	f.arm(t, item)

	// A competing handler consumed the token but has not yet mutated.
	_, err := f.router.Claims.Claim("cvy-7")
	require.NoError(t, err)

	res := f.router.Handle(context.Background(), "cb1", "approve:412")
	assert.Equal(t, OutcomeAlreadyDone, res.Outcome)
	assert.Empty(t, f.tracker.Calls)
}

func TestApproveFailureRestoresClaim(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412, Status: types.StatusTechnicalDesign,
	}
	f.tracker.Add(item)
	f.arm(t, item)
	f.tracker.FailNext = assert.AnError

	res := f.router.Handle(context.Background(), "cb1", "approve:412")
	require.Equal(t, OutcomeError, res.Outcome)

	// The restored token keeps the action retryable.
	_, err := f.router.Claims.Claim("cvy-7")
	assert.NoError(t, err)
}

func TestRequestChangesSetsReviewWithUndo(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-9", IssueNumber: 77, Status: types.StatusImplementation,
		ReviewStatus: types.ReviewWaitingForDecision,
	}
	f.tracker.Add(item)
	f.arm(t, item)

	res := f.router.Handle(context.Background(), "cb1", "changes:77")
	require.Equal(t, OutcomeOK, res.Outcome, res.Message)

	live, err := f.tracker.FetchItem(context.Background(), "cvy-9")
	require.NoError(t, err)
	assert.Equal(t, types.StatusImplementation, live.Status, "verdicts never move the status axis")
	assert.Equal(t, types.ReviewRequestChanges, live.ReviewStatus)

	require.NotEmpty(t, f.channel.Buttons)
	require.NotEmpty(t, f.channel.Buttons[0])
	assert.True(t, strings.HasPrefix(f.channel.Buttons[0][0].Payload, "u_rc:cvy-9:"))
}

func TestRejectHasNoUndo(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-9", IssueNumber: 77, Status: types.StatusImplementation,
		ReviewStatus: types.ReviewWaitingForDecision,
	}
	f.tracker.Add(item)
	f.arm(t, item)

	res := f.router.Handle(context.Background(), "cb1", "reject:77")
	require.Equal(t, OutcomeOK, res.Outcome)
	require.NotEmpty(t, f.channel.Buttons)
	assert.Empty(t, f.channel.Buttons[0])
}

func TestMergeMidPhaseAdvancesField(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-12", Title: "Rework ingestion", IssueNumber: 31,
		Status: types.StatusImplementation,
	}
	f.tracker.Add(item)
	f.tracker.Phases["cvy-12"] = "2/3"
	f.arm(t, item)

	res := f.router.Handle(context.Background(), "cb1", "merge:31:9")
	require.Equal(t, OutcomeOK, res.Outcome, res.Message)
	assert.Equal(t, types.StatusImplementation, res.AdvancedTo)

	assert.Equal(t, "3/3", f.tracker.Phases["cvy-12"])
	live, err := f.tracker.FetchItem(context.Background(), "cvy-12")
	require.NoError(t, err)
	assert.Equal(t, types.StatusImplementation, live.Status)
	assert.Empty(t, f.branches.Deleted, "branch survives until the final phase")
}

func TestMergeFinalPhaseCompletesItem(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-12", Title: "Rework ingestion", IssueNumber: 31,
		Status: types.StatusPRReview, ReviewStatus: types.ReviewApproved,
	}
	f.tracker.Add(item)
	f.tracker.Phases["cvy-12"] = "3/3"
	require.NoError(t, f.store.PutPlan(&types.PhasePlan{
		ItemID:     "cvy-12",
		TaskBranch: "task/cvy-12-rework-ingestion-3p",
		Phases: []types.PhaseDescriptor{
			{Order: 1, Name: "extract"},
			{Order: 2, Name: "transform"},
			{Order: 3, Name: "load"},
		},
	}))
	f.arm(t, item)

	res := f.router.Handle(context.Background(), "cb1", "merge:31:14")
	require.Equal(t, OutcomeOK, res.Outcome, res.Message)
	assert.Equal(t, types.StatusDone, res.AdvancedTo)

	live, err := f.tracker.FetchItem(context.Background(), "cvy-12")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, live.Status)
	assert.Equal(t, types.ReviewNone, live.ReviewStatus)

	plan, err := f.store.Plan("cvy-12")
	require.NoError(t, err)
	assert.Nil(t, plan, "plan removed once the final phase lands")
	assert.Equal(t, []string{"task/cvy-12-rework-ingestion-3p"}, f.branches.Deleted)
}

func TestUndoApproveRestoresState(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412, Status: types.StatusImplementation,
	}
	f.tracker.Add(item)

	tok := &approval.UndoToken{
		ItemID:     "cvy-7",
		Action:     approval.UndoApprove,
		PrevStatus: types.StatusTechnicalDesign,
		PrevReview: types.ReviewApproved,
		IssuedAt:   f.now.Add(-2 * time.Minute),
	}
	res := f.router.Handle(context.Background(), "cb1", tok.Payload())
	require.Equal(t, OutcomeOK, res.Outcome, res.Message)
	assert.Equal(t, types.StatusTechnicalDesign, res.AdvancedTo)

	live, err := f.tracker.FetchItem(context.Background(), "cvy-7")
	require.NoError(t, err)
	assert.Equal(t, types.StatusTechnicalDesign, live.Status)
	assert.Equal(t, types.ReviewApproved, live.ReviewStatus)

	// The reopened decision is claimable again.
	_, err = f.router.Claims.Claim("cvy-7")
	assert.NoError(t, err)
	pending, err := f.store.Pending("cvy-7")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, types.StatusTechnicalDesign, pending.CapturedStatus)
}

func TestUndoExpired(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412, Status: types.StatusImplementation,
	}
	f.tracker.Add(item)

	tok := &approval.UndoToken{
		ItemID:     "cvy-7",
		Action:     approval.UndoApprove,
		PrevStatus: types.StatusTechnicalDesign,
		IssuedAt:   f.now.Add(-approval.UndoWindow - time.Second),
	}
	res := f.router.Handle(context.Background(), "cb1", tok.Payload())
	assert.Equal(t, OutcomeExpired, res.Outcome)
	assert.Empty(t, f.tracker.Calls, "expired undo must not mutate")
}

func TestUndoAlreadyRestored(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412,
		Status: types.StatusTechnicalDesign, ReviewStatus: types.ReviewApproved,
	}
	f.tracker.Add(item)

	tok := &approval.UndoToken{
		ItemID:     "cvy-7",
		Action:     approval.UndoApprove,
		PrevStatus: types.StatusTechnicalDesign,
		PrevReview: types.ReviewApproved,
		IssuedAt:   f.now,
	}
	res := f.router.Handle(context.Background(), "cb1", tok.Payload())
	assert.Equal(t, OutcomeAlreadyDone, res.Outcome)
	assert.Empty(t, f.tracker.Calls)
}

func TestHandleRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t)
	res := f.router.Handle(context.Background(), "cb1", "approve:not-a-number")
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, 1, f.channel.AckCount(), "malformed callbacks are still acked")
}

// slowTracker delays lookups past the router deadline.
type slowTracker struct {
	*tracker.Fake
	delay time.Duration
}

func (s *slowTracker) ItemByIssue(ctx context.Context, issueNumber int) (*types.WorkItem, error) {
	time.Sleep(s.delay)
	return s.Fake.ItemByIssue(ctx, issueNumber)
}

func TestHandleDeadlineAbandonsWaitNotHandler(t *testing.T) {
	f := newFixture(t)
	item := &types.WorkItem{
		ID: "cvy-7", IssueNumber: 412, Status: types.StatusTechnicalDesign,
	}
	f.tracker.Add(item)
	f.arm(t, item)

	f.router.Tracker = &slowTracker{Fake: f.tracker, delay: 150 * time.Millisecond}
	f.router.Deadline = 20 * time.Millisecond

	res := f.router.Handle(context.Background(), "cb1", "approve:412")
	assert.Equal(t, OutcomeTimeout, res.Outcome)

	// The handler keeps running in the background and still lands.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		live, err := f.tracker.FetchItem(context.Background(), "cvy-7")
		require.NoError(t, err)
		if live.Status == types.StatusImplementation {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("background handler never completed the advance")
}
