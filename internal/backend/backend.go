// Package backend provides the execution backends that actually run
// workloads: OS subprocesses, in-process tasks and containers.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartSpec contains the parameters for starting a workload.
type StartSpec struct {
	RunID      uuid.UUID
	WorkloadID string
	Config     map[string]string

	// LogPath is the per-run append-only log sink. The backend owns wiring
	// the workload's output into it.
	LogPath string
}

// ExitStatus is the terminal result of a workload execution.
type ExitStatus struct {
	Code int
}

// Backend is the common contract over the execution variants. The supervisor
// holds one backend per kind and drives every run through this interface.
type Backend interface {
	// Kind identifies the backend in persisted run rows.
	Kind() string

	// Start begins execution of a workload and returns a handle. Failures
	// are reported as *LaunchError.
	Start(ctx context.Context, spec StartSpec) (Handle, error)

	// Attach reconstructs a handle from its persisted form after a
	// supervisor restart. Backends whose handles cannot outlive the
	// process return ErrAttachUnsupported.
	Attach(handle string) (Handle, error)
}

// Handle represents a single workload execution owned by a backend.
type Handle interface {
	// ID is the backend-specific identifier persisted as the run's
	// backend_handle.
	ID() string

	// IsAlive is a best-effort liveness probe, independent of exit
	// bookkeeping. Probe failures are reported as *LivenessError.
	IsAlive(ctx context.Context) (bool, error)

	// PollExit reports the exit status without blocking. The second return
	// is false while the workload has not (observably) exited.
	PollExit() (ExitStatus, bool)

	// RequestStop delivers the cooperative termination signal.
	RequestStop() error

	// ForceStop delivers the non-cooperative termination signal. For
	// subprocesses this targets the whole process group.
	ForceStop() error

	// WaitExit blocks until the workload exits or the timeout elapses.
	// The second return is false on timeout.
	WaitExit(ctx context.Context, timeout time.Duration) (ExitStatus, bool)
}

// ErrAttachUnsupported is returned by Attach when a handle cannot be
// reconstructed, e.g. an embedded task after a supervisor restart.
var ErrAttachUnsupported = errors.New("backend handle cannot be reattached")

// LaunchError wraps a failure to start a workload. Launch failures are fatal
// to the run and never retried.
type LaunchError struct {
	Backend string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("%s backend failed to launch workload: %v", e.Backend, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// LivenessError wraps a transient probe failure. It does not imply the
// workload is dead; the caller retries on the next tick.
type LivenessError struct {
	Backend string
	Err     error
}

func (e *LivenessError) Error() string {
	return fmt.Sprintf("%s backend liveness probe failed: %v", e.Backend, e.Err)
}

func (e *LivenessError) Unwrap() error { return e.Err }
