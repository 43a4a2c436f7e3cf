// Package workload defines the contract for embedded workloads: Go functions
// executed as cancellable tasks inside the supervisor process.
package workload

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Func is an embedded workload body. It must observe ctx cancellation at its
// own checkpoints; cancellation is the cooperative stop signal and cannot be
// preempted further.
type Func func(ctx context.Context, rc *RunContext) error

// RunContext carries per-run state into an embedded workload.
type RunContext struct {
	RunID      uuid.UUID
	WorkloadID string
	Config     map[string]string

	// Logf appends a line to the run's log sink.
	Logf func(format string, args ...interface{})

	// Heartbeat pushes a liveness timestamp immediately, in addition to
	// the periodic reporter the backend runs for every embedded task.
	Heartbeat func()
}

// Registry maps workload IDs to embedded workload functions. There is no
// package-level instance: construct one, register into it, hand it to the
// embedded backend.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty workload registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds a workload ID to a function. Registering the same ID twice
// replaces the previous binding.
func (r *Registry) Register(workloadID string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[workloadID] = fn
}

// Lookup returns the function bound to a workload ID.
func (r *Registry) Lookup(workloadID string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[workloadID]
	if !ok {
		return nil, fmt.Errorf("no embedded workload registered for %q", workloadID)
	}
	return fn, nil
}
