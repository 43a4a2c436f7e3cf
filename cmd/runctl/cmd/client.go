package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"runplane/internal/store"
	"runplane/internal/store/postgres"
	"runplane/pkg/api"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// RunClient performs run operations directly against the run store. The
// supervisor daemon picks up submissions and stop requests on its next tick;
// this client never writes run status itself.
type RunClient struct {
	store  store.RunStore
	closer func() error
}

// NewRunClient opens a store connection from the given database URL.
func NewRunClient(ctx context.Context, databaseURL string) (*RunClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL not set. Use --database-url or the RUNPLANE_DATABASE_URL environment variable")
	}
	st, err := postgres.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to run store: %w", err)
	}
	return &RunClient{store: st, closer: st.Close}, nil
}

// newRunClientFromStore wraps an existing store, used in tests.
func newRunClientFromStore(st store.RunStore) *RunClient {
	return &RunClient{store: st, closer: func() error { return nil }}
}

// Close releases the underlying store connection.
func (c *RunClient) Close() error {
	return c.closer()
}

// openClient builds a client from the resolved configuration.
func openClient(ctx context.Context) (*RunClient, error) {
	return NewRunClient(ctx, viper.GetString("database_url"))
}

// SubmitRun inserts a pending run unless the workload already has one in
// flight.
func (c *RunClient) SubmitRun(ctx context.Context, req api.SubmitRunRequest) (*api.SubmitRunResponse, error) {
	if req.WorkloadID == "" {
		return nil, fmt.Errorf("workload ID is required")
	}

	active, err := c.store.CountActiveRuns(ctx, req.WorkloadID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active runs: %w", err)
	}
	if active > 0 {
		return nil, fmt.Errorf("workload %q already has a run in flight", req.WorkloadID)
	}

	runID, err := c.store.InsertRun(ctx, req.WorkloadID, req.Config, req.RequestedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to submit run: %w", err)
	}
	return &api.SubmitRunResponse{RunID: runID.String()}, nil
}

// GetRun fetches a single run by ID.
func (c *RunClient) GetRun(ctx context.Context, runID string) (*api.RunResponse, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}

	run, err := c.store.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("failed to fetch run: %w", err)
	}

	resp := toRunResponse(run)
	return &resp, nil
}

// ListRuns fetches runs, optionally filtered by status names.
func (c *RunClient) ListRuns(ctx context.Context, statuses []string) (*api.ListRunsResponse, error) {
	parsed := make([]store.RunStatus, 0, len(statuses))
	for _, s := range statuses {
		st, err := parseStatus(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, st)
	}

	runs, err := c.store.ListRuns(ctx, parsed...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	resp := &api.ListRunsResponse{Runs: make([]api.RunResponse, 0, len(runs))}
	for i := range runs {
		resp.Runs = append(resp.Runs, toRunResponse(&runs[i]))
	}
	return resp, nil
}

// StopRun records a stop request for the run. Accepted is false when the run
// already reached a terminal status.
func (c *RunClient) StopRun(ctx context.Context, runID string, graceSeconds int) (*api.StopRunResponse, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}

	accepted, err := c.store.RequestStop(ctx, id, graceSeconds)
	if err != nil {
		return nil, fmt.Errorf("failed to request stop: %w", err)
	}
	return &api.StopRunResponse{RunID: runID, Accepted: accepted}, nil
}

// GetEvents fetches run events after the given ID.
func (c *RunClient) GetEvents(ctx context.Context, runID string, afterID int64, limit int) ([]api.EventResponse, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}

	events, err := c.store.ListEvents(ctx, id, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}

	out := make([]api.EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, api.EventResponse{
			ID:        ev.ID,
			Timestamp: ev.Timestamp,
			Level:     string(ev.Level),
			Message:   ev.Message,
		})
	}
	return out, nil
}

// DeleteRun removes a terminal run and its events.
func (c *RunClient) DeleteRun(ctx context.Context, runID string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("invalid run ID %q", runID)
	}

	deleted, err := c.store.DeleteRun(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if !deleted {
		return fmt.Errorf("run %s was not deleted: it does not exist or is not in a terminal status", runID)
	}
	return nil
}

func toRunResponse(run *store.Run) api.RunResponse {
	return api.RunResponse{
		ID:            run.ID.String(),
		WorkloadID:    run.WorkloadID,
		Config:        run.Config,
		Status:        string(run.Status),
		BackendKind:   string(run.BackendKind),
		BackendHandle: run.BackendHandle,
		Host:          run.Host,
		StartedAt:     run.StartedAt,
		StoppedAt:     run.StoppedAt,
		LastHeartbeat: run.LastHeartbeat,
		ExitCode:      run.ExitCode,
		Notes:         run.Notes,
		RequestedBy:   run.RequestedBy,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}
}

func parseStatus(s string) (store.RunStatus, error) {
	switch store.RunStatus(s) {
	case store.StatusPending, store.StatusStarting, store.StatusRunning,
		store.StatusStopping, store.StatusStopped, store.StatusError, store.StatusDead:
		return store.RunStatus(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}
