package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusFields carries the optional columns an UpdateStatus call may set
// alongside the status itself. Nil pointers leave the column untouched;
// ClearBackendHandle nulls the handle on finalization.
type StatusFields struct {
	BackendKind        BackendKind
	BackendHandle      *string
	ClearBackendHandle bool
	Host               *string
	StartedAt          *time.Time
	StoppedAt          *time.Time
	ExitCode           *int
	Notes              *string
}

// RunStore is the narrow persistence interface the supervisor consumes.
// Implementations must make TryClaim and UpdateStatus conditional updates,
// never read-then-write, so concurrent supervisors cannot double-launch.
type RunStore interface {
	// InsertRun creates a new run in status pending and returns its ID.
	InsertRun(ctx context.Context, workloadID string, config map[string]string, requestedBy string) (uuid.UUID, error)

	// TryClaim atomically moves a run from pending to starting. It returns
	// false without error if another actor already claimed the run.
	TryClaim(ctx context.Context, runID uuid.UUID) (bool, error)

	// UpdateStatus moves a run to the given status, guarded by the set of
	// source statuses the transition is legal from. It returns false if the
	// run was not in any of the expected source states.
	UpdateStatus(ctx context.Context, runID uuid.UUID, from []RunStatus, to RunStatus, fields StatusFields) (bool, error)

	// AppendEvent records a diagnostic event for a run.
	AppendEvent(ctx context.Context, runID uuid.UUID, level EventLevel, message string) error

	// GetRun returns a run by ID.
	GetRun(ctx context.Context, runID uuid.UUID) (*Run, error)

	// ListRuns returns runs whose status matches any of the given statuses.
	// An empty filter returns all runs.
	ListRuns(ctx context.Context, statuses ...RunStatus) ([]Run, error)

	// CountActiveRuns returns how many runs for the workload are still
	// non-terminal. Submitters use it to keep the one-active-run-per-
	// workload invariant: no second pending run while one is in flight.
	CountActiveRuns(ctx context.Context, workloadID string) (int64, error)

	// TouchHeartbeat records a liveness timestamp pushed by the workload.
	TouchHeartbeat(ctx context.Context, runID uuid.UUID, ts time.Time) error

	// RequestStop records a stop request on a non-terminal run without
	// touching its status. It returns false if the run is already terminal.
	RequestStop(ctx context.Context, runID uuid.UUID, graceSeconds int) (bool, error)

	// ListEvents returns up to limit events for a run with ID greater than
	// afterID, oldest first.
	ListEvents(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]RunEvent, error)

	// DeleteRun removes a terminal run and, by cascade, its events. It
	// returns false if the run is still non-terminal.
	DeleteRun(ctx context.Context, runID uuid.UUID) (bool, error)
}
