// Package types defines core data structures for the conveyor pipeline.
package types

import (
	"fmt"
	"time"
)

// WorkItem represents a tracked feature or bug ticket moving through the
// pipeline. The remote tracker owns every field; callers read through a
// cache but never write back without a tracker round trip.
type WorkItem struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Status       Status       `json:"status"`
	ReviewStatus ReviewStatus `json:"review_status,omitempty"`
	IssueNumber  int          `json:"issue_number,omitempty"` // Linked repository issue, 0 = none
	PRNumber     int          `json:"pr_number,omitempty"`    // Open pull request, 0 = none
	UpdatedAt    time.Time    `json:"updated_at,omitzero"`
}

// Validate checks that the item carries a coherent state combination.
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("work item missing id")
	}
	if !w.Status.IsValid() {
		return fmt.Errorf("invalid status: %q", w.Status)
	}
	if !w.ReviewStatus.IsValid() {
		return fmt.Errorf("invalid review status: %q", w.ReviewStatus)
	}
	return nil
}

// Status represents the pipeline stage of a work item.
type Status string

// Pipeline stages, in pipeline order.
const (
	StatusBacklog         Status = "Backlog"
	StatusProductDev      Status = "Product Development"
	StatusProductDesign   Status = "Product Design"
	StatusTechnicalDesign Status = "Technical Design"
	StatusImplementation  Status = "Implementation"
	StatusPRReview        Status = "PR Review"
	StatusDone            Status = "Done"
)

// PipelineOrder lists the status axis in advance order.
var PipelineOrder = []Status{
	StatusBacklog,
	StatusProductDev,
	StatusProductDesign,
	StatusTechnicalDesign,
	StatusImplementation,
	StatusPRReview,
	StatusDone,
}

// IsValid checks if the status value is a known pipeline stage.
func (s Status) IsValid() bool {
	switch s {
	case StatusBacklog, StatusProductDev, StatusProductDesign,
		StatusTechnicalDesign, StatusImplementation, StatusPRReview, StatusDone:
		return true
	}
	return false
}

// ReviewStatus is the orthogonal human-review axis. Empty means no review
// is pending.
type ReviewStatus string

// Review status constants.
const (
	ReviewNone                  ReviewStatus = ""
	ReviewWaitingForDecision    ReviewStatus = "Waiting for Decision"
	ReviewWaitingForReview      ReviewStatus = "Waiting for Review"
	ReviewApproved              ReviewStatus = "Approved"
	ReviewRequestChanges        ReviewStatus = "Request Changes"
	ReviewRejected              ReviewStatus = "Rejected"
	ReviewClarificationReceived ReviewStatus = "Clarification Received"
)

// IsValid checks if the review status is a known value (empty included).
func (r ReviewStatus) IsValid() bool {
	switch r {
	case ReviewNone, ReviewWaitingForDecision, ReviewWaitingForReview,
		ReviewApproved, ReviewRequestChanges, ReviewRejected, ReviewClarificationReceived:
		return true
	}
	return false
}

// PhaseDescriptor describes one independently mergeable slice of a
// multi-phase implementation.
type PhaseDescriptor struct {
	Order       int      `json:"order"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
	Size        string   `json:"size,omitempty"` // S/M/L estimate from technical design
}

// PhasePlan is the full phase breakdown for a work item, persisted in the
// document store once technical design yields two or more phases.
type PhasePlan struct {
	ItemID     string            `json:"item_id"`
	TaskBranch string            `json:"task_branch,omitempty"` // Shared branch for all phases
	Phases     []PhaseDescriptor `json:"phases"`
}

// Validate checks ordering invariants on the plan.
func (p *PhasePlan) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("phase plan for %s has no phases", p.ItemID)
	}
	for i, ph := range p.Phases {
		if ph.Order != i+1 {
			return fmt.Errorf("phase plan for %s: phase %d has order %d, want %d",
				p.ItemID, i, ph.Order, i+1)
		}
	}
	return nil
}

// Descriptor returns the descriptor with the given 1-based order, or nil.
func (p *PhasePlan) Descriptor(order int) *PhaseDescriptor {
	if order < 1 || order > len(p.Phases) {
		return nil
	}
	return &p.Phases[order-1]
}
