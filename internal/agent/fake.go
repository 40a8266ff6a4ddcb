package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/conveyordev/conveyor/internal/types"
)

// Fake is a scripted Runner for tests.
type Fake struct {
	mu sync.Mutex

	// Outputs maps stage -> canned output; missing stages echo a stub.
	Outputs map[types.Status]string

	// Requests records every request received, in order.
	Requests []*Request

	// Err fails every run when set.
	Err error
}

// NewFakeRunner creates an empty fake.
func NewFakeRunner() *Fake {
	return &Fake{Outputs: make(map[types.Status]string)}
}

// Run returns the canned output for the request's stage.
func (f *Fake) Run(ctx context.Context, req *Request) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return nil, f.Err
	}
	out, ok := f.Outputs[req.Stage]
	if !ok {
		out = fmt.Sprintf("output for %s at %s", req.Item.ID, req.Stage)
	}
	return &Result{Output: out}, nil
}
