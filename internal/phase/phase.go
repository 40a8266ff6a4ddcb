// Package phase resolves where a multi-phase work item stands: current and
// total phase, the active phase's descriptor, and the shared task branch.
//
// Phase descriptors come from three loosely-coupled sources with a fixed
// precedence: the document store, then a structured block in a tracking
// comment, then heuristic extraction from design prose. The first source
// that parses wins; sources are never merged. The remote "current/total"
// field always wins for position (the store supplies descriptor content
// only, even if the two disagree on total).
package phase

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/tracker"
	"github.com/conveyordev/conveyor/internal/types"
)

// phaseFieldRe is the strict shape of the remote phase field.
var phaseFieldRe = regexp.MustCompile(`^(\d+)/(\d+)$`)

// ParsePhase parses a "current/total" field. Rejects current<1, total<1,
// and current>total.
func ParsePhase(s string) (current, total int, err error) {
	m := phaseFieldRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("malformed phase field %q", s)
	}
	current, _ = strconv.Atoi(m[1])
	total, _ = strconv.Atoi(m[2])
	if current < 1 || total < 1 || current > total {
		return 0, 0, fmt.Errorf("invalid phase position %q", s)
	}
	return current, total, nil
}

// FormatPhase renders a phase position for the remote field.
func FormatPhase(current, total int) string {
	return fmt.Sprintf("%d/%d", current, total)
}

// Mode selects whether Resolve may seed remote state for a new item.
type Mode int

const (
	// ModeSeed permits first-detection side effects: initializing the
	// remote phase field and persisting the task branch.
	ModeSeed Mode = iota
	// ModeReadOnly never mutates; a new multi-phase item resolves with
	// position only.
	ModeReadOnly
)

// Resolution is the outcome of resolving an item's phase state.
type Resolution struct {
	Current    int
	Total      int
	Descriptor *types.PhaseDescriptor // nil for single-phase items
	TaskBranch string                 // "" for single-phase items
}

// MultiPhase reports whether the item is split into phases at all.
func (r *Resolution) MultiPhase() bool {
	return r.Total >= 2
}

// Resolver determines phase state from the tracker and document store.
type Resolver struct {
	Tracker tracker.Tracker
	Store   *store.Store
}

// Resolve determines the item's phase position, descriptor, and branch.
//
// New-item path: no remote phase field yet. When the descriptor chain
// yields two or more phases (and mode permits), the field is initialized
// to 1/total and the shared task branch is created and persisted; later
// phases must retrieve it rather than recompute it, since its inputs
// (title, phase count) can drift.
//
// Continuing-item path: the existing field is parsed strictly; the stored
// branch is loaded, or regenerated with a logged warning as a best-effort
// recovery when missing for phase > 1.
func (r *Resolver) Resolve(ctx context.Context, item *types.WorkItem, mode Mode) (*Resolution, error) {
	field, err := r.Tracker.PhaseField(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("read phase field for %s: %w", item.ID, err)
	}

	if field == "" {
		return r.resolveNew(ctx, item, mode)
	}
	return r.resolveContinuing(ctx, item, field)
}

func (r *Resolver) resolveNew(ctx context.Context, item *types.WorkItem, mode Mode) (*Resolution, error) {
	descriptors, source, err := r.loadDescriptors(ctx, item)
	if err != nil {
		return nil, err
	}
	if len(descriptors) < 2 {
		// Absent field plus fewer than two descriptors means single-phase.
		return &Resolution{Current: 1, Total: 1}, nil
	}

	total := len(descriptors)
	res := &Resolution{Current: 1, Total: total, Descriptor: &descriptors[0]}
	if mode == ModeReadOnly {
		return res, nil
	}

	branch := TaskBranchName(item, total)
	plan := &types.PhasePlan{ItemID: item.ID, TaskBranch: branch, Phases: descriptors}
	if err := r.Store.PutPlan(plan); err != nil {
		return nil, fmt.Errorf("persist phase plan for %s: %w", item.ID, err)
	}
	if err := r.Tracker.SetPhaseField(ctx, item.ID, FormatPhase(1, total)); err != nil {
		return nil, fmt.Errorf("seed phase field for %s: %w", item.ID, err)
	}
	log.Printf("phase: %s split into %d phases (from %s), branch %s", item.ID, total, source, branch)

	res.TaskBranch = branch
	return res, nil
}

func (r *Resolver) resolveContinuing(ctx context.Context, item *types.WorkItem, field string) (*Resolution, error) {
	current, total, err := ParsePhase(field)
	if err != nil {
		return nil, fmt.Errorf("item %s: %w", item.ID, err)
	}

	res := &Resolution{Current: current, Total: total}
	if total < 2 {
		return res, nil
	}

	descriptors, _, err := r.loadDescriptors(ctx, item)
	if err != nil {
		return nil, err
	}
	// The field wins for position; descriptors only supply content.
	if current <= len(descriptors) {
		res.Descriptor = &descriptors[current-1]
	}

	plan, err := r.Store.Plan(item.ID)
	if err != nil {
		return nil, err
	}
	if plan != nil && plan.TaskBranch != "" {
		res.TaskBranch = plan.TaskBranch
		return res, nil
	}

	// Missing branch record past phase 1 is recoverable local state loss:
	// regenerate deterministically, but never silently.
	res.TaskBranch = TaskBranchName(item, total)
	if current > 1 {
		log.Printf("phase: warning: no stored task branch for %s at phase %d/%d; regenerated %q",
			item.ID, current, total, res.TaskBranch)
	}
	return res, nil
}

// Advance moves the remote phase field forward by exactly one merged
// phase. Total is immutable once seeded.
func (r *Resolver) Advance(ctx context.Context, itemID string, current, total int) error {
	if current >= total {
		return fmt.Errorf("item %s already at final phase %d/%d", itemID, current, total)
	}
	if err := r.Tracker.SetPhaseField(ctx, itemID, FormatPhase(current+1, total)); err != nil {
		return fmt.Errorf("advance phase field for %s: %w", itemID, err)
	}
	return nil
}

// ClearPlan removes the stored plan after the final phase completes.
func (r *Resolver) ClearPlan(itemID string) error {
	return r.Store.ClearPlan(itemID)
}

// TaskBranchName derives the shared branch for a multi-phase effort.
// Deterministic in the item's id, title, and phase count, which is why
// the generated name is persisted at seed time instead of recomputed.
func TaskBranchName(item *types.WorkItem, totalPhases int) string {
	slug := slugify(item.Title)
	if slug == "" {
		slug = "task"
	}
	return fmt.Sprintf("task/%s-%s-%dp", strings.ToLower(item.ID), slug, totalPhases)
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := nonSlugRe.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	return slug
}
