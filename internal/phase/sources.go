package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/conveyordev/conveyor/internal/types"
)

// descriptorSource is one provider in the precedence chain. Load returns
// nil with no error when the source simply has nothing for the item.
type descriptorSource struct {
	name string
	load func(ctx context.Context, item *types.WorkItem) ([]types.PhaseDescriptor, error)
}

// loadDescriptors walks the precedence chain and returns the first
// source's descriptors plus the source name. A source that fails to parse
// is logged and skipped: recovery with a trace, never a silent merge.
func (r *Resolver) loadDescriptors(ctx context.Context, item *types.WorkItem) ([]types.PhaseDescriptor, string, error) {
	chain := []descriptorSource{
		{"document store", r.storeDescriptors},
		{"tracking comment", r.commentDescriptors},
		{"design prose", r.proseDescriptors},
	}
	for _, src := range chain {
		descriptors, err := src.load(ctx, item)
		if err != nil {
			log.Printf("phase: %s descriptor source failed for %s, trying next: %v", src.name, item.ID, err)
			continue
		}
		if len(descriptors) > 0 {
			return descriptors, src.name, nil
		}
	}
	return nil, "", nil
}

func (r *Resolver) storeDescriptors(_ context.Context, item *types.WorkItem) ([]types.PhaseDescriptor, error) {
	plan, err := r.Store.Plan(item.ID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, nil
	}
	return plan.Phases, nil
}

// phaseBlockRe matches the structured block conveyor embeds in a tracking
// comment when it plans phases:
//
//	```conveyor-phases
//	[{"order":1,"name":"schema"}, ...]
//	```
var phaseBlockRe = regexp.MustCompile("(?s)```conveyor-phases\\s*\\n(.*?)```")

func (r *Resolver) commentDescriptors(ctx context.Context, item *types.WorkItem) ([]types.PhaseDescriptor, error) {
	comments, err := r.Tracker.ListComments(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	// Newest tracking comment wins.
	for i := len(comments) - 1; i >= 0; i-- {
		m := phaseBlockRe.FindStringSubmatch(comments[i].Body)
		if m == nil {
			continue
		}
		var descriptors []types.PhaseDescriptor
		if err := json.Unmarshal([]byte(m[1]), &descriptors); err != nil {
			return nil, fmt.Errorf("comment %s: parse phase block: %w", comments[i].ID, err)
		}
		if err := validateOrders(descriptors); err != nil {
			return nil, fmt.Errorf("comment %s: %w", comments[i].ID, err)
		}
		return descriptors, nil
	}
	return nil, nil
}

// prosePhaseRe extracts "Phase N: name" headings from technical design
// prose. Legacy fallback for items planned before the structured block
// existed.
var prosePhaseRe = regexp.MustCompile(`(?m)^#{0,6}\s*[Pp]hase\s+(\d+)\s*[:\-–—]\s*(\S.*)$`)

func (r *Resolver) proseDescriptors(_ context.Context, item *types.WorkItem) ([]types.PhaseDescriptor, error) {
	doc, err := r.Store.Document(item.ID, "technical-design")
	if err != nil {
		return nil, err
	}
	if doc == "" {
		return nil, nil
	}

	matches := prosePhaseRe.FindAllStringSubmatch(doc, -1)
	if len(matches) == 0 {
		return nil, nil
	}

	byOrder := make(map[int]types.PhaseDescriptor)
	for _, m := range matches {
		order, _ := strconv.Atoi(m[1])
		if _, dup := byOrder[order]; dup {
			return nil, fmt.Errorf("design prose repeats phase %d", order)
		}
		byOrder[order] = types.PhaseDescriptor{
			Order: order,
			Name:  strings.TrimSpace(m[2]),
		}
	}

	orders := make([]int, 0, len(byOrder))
	for o := range byOrder {
		orders = append(orders, o)
	}
	sort.Ints(orders)

	descriptors := make([]types.PhaseDescriptor, 0, len(orders))
	for _, o := range orders {
		descriptors = append(descriptors, byOrder[o])
	}
	if err := validateOrders(descriptors); err != nil {
		return nil, fmt.Errorf("design prose: %w", err)
	}
	return descriptors, nil
}

func validateOrders(descriptors []types.PhaseDescriptor) error {
	for i := range descriptors {
		if descriptors[i].Order != i+1 {
			return fmt.Errorf("phases not contiguous from 1: position %d has order %d", i+1, descriptors[i].Order)
		}
	}
	return nil
}
