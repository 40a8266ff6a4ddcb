// Package agent is the boundary to the coding agent that does the actual
// stage work. The pipeline core treats it as a prompt-in, prose-out
// collaborator; everything durable about a run is written to the tracker
// and the document store by the caller.
package agent

import (
	"context"
	"fmt"

	"github.com/conveyordev/conveyor/internal/types"
)

// Request describes one stage run for a work item.
type Request struct {
	Item  *types.WorkItem
	Stage types.Status

	// Inputs carries prior stage documents keyed by document name.
	Inputs map[string]string

	// Phase is set when the implementation stage runs one phase of a
	// multi-phase plan.
	Phase *types.PhaseDescriptor
	// TaskBranch is the shared branch for multi-phase work, "" otherwise.
	TaskBranch string
}

// Result is the agent's output for one stage run.
type Result struct {
	Output       string
	InputTokens  int64
	OutputTokens int64
}

// Runner executes one stage of pipeline work.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Result, error)
}

// DocumentName maps a pipeline stage to the document a run at that stage
// produces. Running at a stage produces the artifact the next stage needs.
func DocumentName(s types.Status) (string, error) {
	switch s {
	case types.StatusBacklog:
		return "product-framing", nil
	case types.StatusProductDev:
		return "product-design", nil
	case types.StatusProductDesign:
		return "technical-design", nil
	case types.StatusTechnicalDesign, types.StatusImplementation:
		return "implementation-notes", nil
	}
	return "", fmt.Errorf("stage %q produces no document", s)
}
