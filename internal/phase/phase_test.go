package phase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/tracker"
	"github.com/conveyordev/conveyor/internal/types"
)

func TestParsePhase(t *testing.T) {
	tests := []struct {
		in          string
		current     int
		total       int
		wantInvalid bool
	}{
		{"3/5", 3, 5, false},
		{"1/1", 1, 1, false},
		{"1/2", 1, 2, false},
		{"0/5", 0, 0, true},
		{"6/5", 0, 0, true},
		{"1/0", 0, 0, true},
		{"abc", 0, 0, true},
		{"", 0, 0, true},
		{"3/5/7", 0, 0, true},
		{"-1/5", 0, 0, true},
		{"3 / 5", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			current, total, err := ParsePhase(tt.in)
			if tt.wantInvalid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.current, current)
			assert.Equal(t, tt.total, total)
		})
	}
}

func newResolver(t *testing.T) (*Resolver, *tracker.Fake, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	f := tracker.NewFake()
	return &Resolver{Tracker: f, Store: s}, f, s
}

func twoPhases() []types.PhaseDescriptor {
	return []types.PhaseDescriptor{
		{Order: 1, Name: "storage", Size: "M"},
		{Order: 2, Name: "api", Size: "S"},
	}
}

func TestResolveSinglePhase(t *testing.T) {
	r, f, _ := newResolver(t)
	item := &types.WorkItem{ID: "cvy-30", Title: "Small fix", Status: types.StatusImplementation}
	f.Add(item)

	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Current)
	assert.Equal(t, 1, res.Total)
	assert.False(t, res.MultiPhase())
	assert.Empty(t, res.TaskBranch)
	assert.Empty(t, f.Phases["cvy-30"], "single-phase items get no remote field")
}

func TestResolveSeedsNewMultiPhaseItem(t *testing.T) {
	r, f, s := newResolver(t)
	item := &types.WorkItem{ID: "cvy-31", Title: "Add CSV export", Status: types.StatusImplementation}
	f.Add(item)
	require.NoError(t, s.PutPlan(&types.PhasePlan{ItemID: "cvy-31", Phases: twoPhases()}))

	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Current)
	assert.Equal(t, 2, res.Total)
	require.NotNil(t, res.Descriptor)
	assert.Equal(t, "storage", res.Descriptor.Name)
	assert.Equal(t, "1/2", f.Phases["cvy-31"], "remote field seeded on first detection")
	assert.NotEmpty(t, res.TaskBranch)

	// The seeded branch is persisted so later phases retrieve, not recompute.
	plan, err := s.Plan("cvy-31")
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, res.TaskBranch, plan.TaskBranch)
}

func TestResolveReadOnlyDoesNotSeed(t *testing.T) {
	r, f, s := newResolver(t)
	item := &types.WorkItem{ID: "cvy-32", Title: "Export", Status: types.StatusTechnicalDesign}
	f.Add(item)
	require.NoError(t, s.PutPlan(&types.PhasePlan{ItemID: "cvy-32", Phases: twoPhases()}))

	res, err := r.Resolve(context.Background(), item, ModeReadOnly)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Empty(t, f.Phases["cvy-32"], "read-only resolve must not mutate the tracker")
}

func TestResolveContinuingItem(t *testing.T) {
	r, f, s := newResolver(t)
	item := &types.WorkItem{ID: "cvy-33", Title: "Export", Status: types.StatusImplementation}
	f.Add(item)
	f.Phases["cvy-33"] = "2/2"
	require.NoError(t, s.PutPlan(&types.PhasePlan{
		ItemID: "cvy-33", TaskBranch: "task/cvy-33-export-2p", Phases: twoPhases(),
	}))

	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Current)
	assert.Equal(t, 2, res.Total)
	require.NotNil(t, res.Descriptor)
	assert.Equal(t, "api", res.Descriptor.Name)
	assert.Equal(t, "task/cvy-33-export-2p", res.TaskBranch, "stored branch retrieved, not recomputed")
}

func TestResolveContinuingRejectsBadField(t *testing.T) {
	r, f, _ := newResolver(t)
	item := &types.WorkItem{ID: "cvy-34", Title: "Export", Status: types.StatusImplementation}
	f.Add(item)

	for _, bad := range []string{"0/2", "3/2", "x/y"} {
		f.Phases["cvy-34"] = bad
		_, err := r.Resolve(context.Background(), item, ModeSeed)
		assert.Error(t, err, "field %q must be rejected", bad)
	}
}

func TestResolveRegeneratesMissingBranch(t *testing.T) {
	r, f, _ := newResolver(t)
	item := &types.WorkItem{ID: "cvy-35", Title: "Export", Status: types.StatusImplementation}
	f.Add(item)
	f.Phases["cvy-35"] = "2/3"
	// No stored plan at all: descriptor content is gone, branch must be
	// regenerated deterministically.
	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Current)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, TaskBranchName(item, 3), res.TaskBranch)
}

func TestDescriptorPrecedenceStoreWins(t *testing.T) {
	r, f, s := newResolver(t)
	item := &types.WorkItem{ID: "cvy-36", Title: "Export", Status: types.StatusImplementation}
	f.Add(item)
	f.Phases["cvy-36"] = "1/2"

	require.NoError(t, f.AddComment(context.Background(), "cvy-36",
		"Planning update:\n```conveyor-phases\n[{\"order\":1,\"name\":\"from comment\"},{\"order\":2,\"name\":\"also comment\"}]\n```"))
	require.NoError(t, s.PutPlan(&types.PhasePlan{
		ItemID: "cvy-36",
		Phases: []types.PhaseDescriptor{
			{Order: 1, Name: "from store"},
			{Order: 2, Name: "also store"},
		},
	}))

	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	require.NotNil(t, res.Descriptor)
	assert.Equal(t, "from store", res.Descriptor.Name, "document store outranks comment block")
}

func TestDescriptorFromCommentBlock(t *testing.T) {
	r, f, _ := newResolver(t)
	item := &types.WorkItem{ID: "cvy-37", Title: "Export", Status: types.StatusImplementation}
	f.Add(item)
	f.Phases["cvy-37"] = "2/2"
	require.NoError(t, f.AddComment(context.Background(), "cvy-37",
		"```conveyor-phases\n[{\"order\":1,\"name\":\"one\"},{\"order\":2,\"name\":\"two\"}]\n```"))

	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	require.NotNil(t, res.Descriptor)
	assert.Equal(t, "two", res.Descriptor.Name)
}

func TestDescriptorFromProseFallback(t *testing.T) {
	r, f, s := newResolver(t)
	item := &types.WorkItem{ID: "cvy-38", Title: "Export", Status: types.StatusImplementation}
	f.Add(item)
	f.Phases["cvy-38"] = "1/2"
	require.NoError(t, s.PutDocument("cvy-38", "technical-design",
		"## Plan\n\nPhase 1: build the storage layer\nPhase 2: expose the API\n"))

	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	require.NotNil(t, res.Descriptor)
	assert.Equal(t, "build the storage layer", res.Descriptor.Name)
}

func TestFieldWinsOverStoreTotal(t *testing.T) {
	// Store says 2 phases, field says 3/3: trust the field for position,
	// the store only for descriptor content (which has nothing at order 3).
	r, f, s := newResolver(t)
	item := &types.WorkItem{ID: "cvy-39", Title: "Export", Status: types.StatusImplementation}
	f.Add(item)
	f.Phases["cvy-39"] = "3/3"
	require.NoError(t, s.PutPlan(&types.PhasePlan{ItemID: "cvy-39", Phases: twoPhases()}))

	res, err := r.Resolve(context.Background(), item, ModeSeed)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Current)
	assert.Equal(t, 3, res.Total)
	assert.Nil(t, res.Descriptor)
}

func TestAdvance(t *testing.T) {
	r, f, _ := newResolver(t)
	require.NoError(t, r.Advance(context.Background(), "cvy-40", 2, 3))
	assert.Equal(t, "3/3", f.Phases["cvy-40"])

	assert.Error(t, r.Advance(context.Background(), "cvy-40", 3, 3),
		"final phase cannot advance further")
}

func TestTaskBranchNameDeterministic(t *testing.T) {
	item := &types.WorkItem{ID: "CVY-41", Title: "Add CSV Export!!"}
	a := TaskBranchName(item, 3)
	b := TaskBranchName(item, 3)
	assert.Equal(t, a, b)
	assert.Equal(t, "task/cvy-41-add-csv-export-3p", a)

	// Phase count is a naming input, which is exactly why the name is
	// persisted at seed time.
	assert.NotEqual(t, a, TaskBranchName(item, 4))
}
