package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"runplane/internal/store"

	"github.com/google/uuid"
)

// The methods in this file are the operator surface consumed by whatever
// exposes the external API (web layer, CLI, tests). The supervisor instance
// is passed to that layer by injection.

// SubmitRun creates a new pending run for a workload. It refuses to create a
// second run while one is still non-terminal for the same workload; the
// claim protocol guards run rows, this guards workload identity.
func (s *Supervisor) SubmitRun(ctx context.Context, workloadID string, config map[string]string, requestedBy string) (uuid.UUID, error) {
	if workloadID == "" {
		return uuid.Nil, fmt.Errorf("workload id is required")
	}

	active, err := s.store.CountActiveRuns(ctx, workloadID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to check active runs: %w", err)
	}
	if active > 0 {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrWorkloadBusy, workloadID)
	}

	id, err := s.store.InsertRun(ctx, workloadID, config, requestedBy)
	if err != nil {
		return uuid.Nil, err
	}
	s.logger.Info("run submitted", "run_id", id, "workload_id", workloadID, "requested_by", requestedBy)
	return id, nil
}

// GetRun returns one run.
func (s *Supervisor) GetRun(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs filtered by status.
func (s *Supervisor) ListRuns(ctx context.Context, statuses ...store.RunStatus) ([]store.Run, error) {
	return s.store.ListRuns(ctx, statuses...)
}

// TailEvents returns a page of a run's event log, oldest first.
func (s *Supervisor) TailEvents(ctx context.Context, runID uuid.UUID, afterID int64, limit int) ([]store.RunEvent, error) {
	return s.store.ListEvents(ctx, runID, afterID, limit)
}

// DeleteRun removes a terminal run and its events.
func (s *Supervisor) DeleteRun(ctx context.Context, runID uuid.UUID) error {
	ok, err := s.store.DeleteRun(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.GetRun(ctx, runID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRunNotFound
			}
			return err
		}
		return fmt.Errorf("run %s is not terminal, stop it first", runID)
	}
	return nil
}
