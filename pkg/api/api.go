// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and any future remote surface.
package api

import "time"

// SubmitRunRequest is the payload for requesting a new run of a workload.
type SubmitRunRequest struct {
	WorkloadID  string            `json:"workload_id"`
	Config      map[string]string `json:"config,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
}

// SubmitRunResponse is the response after a run is accepted.
type SubmitRunResponse struct {
	RunID string `json:"run_id"`
}

// RunResponse represents a run in API responses.
type RunResponse struct {
	ID            string            `json:"id"`
	WorkloadID    string            `json:"workload_id"`
	Config        map[string]string `json:"config,omitempty"`
	Status        string            `json:"status"`
	BackendKind   string            `json:"backend_kind,omitempty"`
	BackendHandle *string           `json:"backend_handle,omitempty"`
	Host          string            `json:"host,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	StoppedAt     *time.Time        `json:"stopped_at,omitempty"`
	LastHeartbeat *time.Time        `json:"last_heartbeat,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	RequestedBy   string            `json:"requested_by,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ListRunsResponse is the response body for listing runs.
type ListRunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// StopRunRequest is the payload for requesting termination of a run.
type StopRunRequest struct {
	// GraceSeconds is how long the workload gets to stop cooperatively
	// before it is force killed. Zero means the server default.
	GraceSeconds int `json:"grace_seconds,omitempty"`
}

// StopRunResponse is the response after a stop request is recorded. Stopping
// a run that already reached a terminal status reports Accepted false.
type StopRunResponse struct {
	RunID    string `json:"run_id"`
	Accepted bool   `json:"accepted"`
}

// EventResponse represents a single run event.
type EventResponse struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// ListEventsResponse is the response body for fetching run events.
type ListEventsResponse struct {
	Events []EventResponse `json:"events"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
