package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrRunNotFound is returned by the operator-facing methods when the run
// does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrWorkloadBusy is returned when a submit would create a second
// non-terminal run for the same workload.
var ErrWorkloadBusy = errors.New("workload already has a non-terminal run")

// StoreUnavailableError means the run store could not be reached. The whole
// tick is aborted and retried on the next interval; in-memory tracking of
// launched runs is preserved so nothing is lost, only status updates are
// delayed.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("run store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// StopTimeoutError records that a workload outlived its grace period and was
// forcibly terminated. It is never surfaced to stop-run callers; stop-run
// still succeeds.
type StopTimeoutError struct {
	Grace time.Duration
}

func (e *StopTimeoutError) Error() string {
	return fmt.Sprintf("workload did not stop within grace period %s", e.Grace)
}
