// Package store contains the run data model and the persistence interfaces.
package store

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusPending  RunStatus = "pending"
	StatusStarting RunStatus = "starting"
	StatusRunning  RunStatus = "running"
	StatusStopping RunStatus = "stopping"
	StatusStopped  RunStatus = "stopped"
	StatusError    RunStatus = "error"
	StatusDead     RunStatus = "dead"
)

// transitions encodes the legal state machine edges. The supervisor is the
// only writer of status after the initial pending insert, so every status
// update goes through a conditional UPDATE guarded by the source states.
var transitions = map[RunStatus][]RunStatus{
	StatusPending:  {StatusStarting},
	StatusStarting: {StatusRunning, StatusStopping, StatusError},
	StatusRunning:  {StatusStopping, StatusStopped, StatusError, StatusDead},
	StatusStopping: {StatusStopped, StatusError, StatusDead},
}

// CanTransition reports whether moving from one status to another is a legal
// state machine edge.
func CanTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status is a final state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusError, StatusDead:
		return true
	}
	return false
}

// NonTerminalStatuses returns every status that still requires supervision.
func NonTerminalStatuses() []RunStatus {
	return []RunStatus{StatusPending, StatusStarting, StatusRunning, StatusStopping}
}

// ActiveStatuses returns the statuses in which a backend may be executing.
// At most one run per workload may hold one of these at any time.
func ActiveStatuses() []RunStatus {
	return []RunStatus{StatusStarting, StatusRunning, StatusStopping}
}

// BackendKind identifies which execution backend owns a run.
type BackendKind string

const (
	BackendSubprocess BackendKind = "subprocess"
	BackendEmbedded   BackendKind = "embedded"
	BackendContainer  BackendKind = "container"
)

// Run is a single execution attempt of a workload.
type Run struct {
	ID         uuid.UUID
	WorkloadID string
	Config     map[string]string
	Status     RunStatus

	// BackendKind and BackendHandle identify the execution backend and its
	// opaque handle (PID with start time, container ID, or task token).
	// BackendHandle is cleared when the run reaches a terminal status.
	BackendKind   BackendKind
	BackendHandle *string

	// Host is the supervisor instance that claimed the run.
	Host string

	StartedAt     *time.Time
	StoppedAt     *time.Time
	LastHeartbeat *time.Time

	// ExitCode is set on termination: 0 for success, non-zero or -1 for
	// abnormal exit. Nil while the run is non-terminal.
	ExitCode *int

	Notes       string
	RequestedBy string

	// StopRequestedAt and StopGraceSeconds form the stop-request mailbox.
	// External actors set them via RequestStop; the supervisor performs the
	// actual transition to stopping.
	StopRequestedAt  *time.Time
	StopGraceSeconds *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventLevel classifies run events.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// RunEvent is an immutable diagnostic record for a run. Events are append-only
// and removed only when the owning run is deleted.
type RunEvent struct {
	ID        int64
	RunID     uuid.UUID
	Timestamp time.Time
	Level     EventLevel
	Message   string
}
