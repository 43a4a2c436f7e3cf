package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"runplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const runColumns = `id, workload_id, config, status, backend_kind, backend_handle, host,
	started_at, stopped_at, last_heartbeat, exit_code, notes, requested_by,
	stop_requested_at, stop_grace_seconds, created_at, updated_at`

// InsertRun creates a new run in status pending.
func (s *Store) InsertRun(ctx context.Context, workloadID string, config map[string]string, requestedBy string) (uuid.UUID, error) {
	if config == nil {
		config = map[string]string{}
	}
	cfg, err := json.Marshal(config)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode run config: %w", err)
	}

	query := `
		INSERT INTO runs (workload_id, config, status, requested_by)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	var id uuid.UUID
	err = s.db.QueryRowContext(ctx, query, workloadID, cfg, store.StatusPending, requestedBy).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert run for workload %s: %w", workloadID, err)
	}

	return id, nil
}

// TryClaim atomically moves a run from pending to starting. The WHERE clause
// on the current status is the whole claim protocol: whichever supervisor
// updates the row first wins, everyone else sees zero rows affected.
func (s *Store) TryClaim(ctx context.Context, runID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, store.StatusStarting, runID, store.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus moves a run to the given status with a predicate on the
// current status, setting any optional fields in the same statement.
func (s *Store) UpdateStatus(ctx context.Context, runID uuid.UUID, from []store.RunStatus, to store.RunStatus, fields store.StatusFields) (bool, error) {
	set := []string{"status = $1", "updated_at = NOW()"}
	args := []interface{}{string(to)}

	add := func(expr string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if fields.BackendKind != "" {
		add("backend_kind = $%d", string(fields.BackendKind))
	}
	if fields.ClearBackendHandle {
		set = append(set, "backend_handle = NULL")
	} else if fields.BackendHandle != nil {
		add("backend_handle = $%d", *fields.BackendHandle)
	}
	if fields.Host != nil {
		add("host = $%d", *fields.Host)
	}
	if fields.StartedAt != nil {
		add("started_at = $%d", *fields.StartedAt)
	}
	if fields.StoppedAt != nil {
		add("stopped_at = $%d", *fields.StoppedAt)
	}
	if fields.ExitCode != nil {
		add("exit_code = $%d", *fields.ExitCode)
	}
	if fields.Notes != nil {
		add("notes = $%d", *fields.Notes)
	}

	args = append(args, runID)
	idArg := len(args)
	args = append(args, pq.Array(statusStrings(from)))

	query := fmt.Sprintf(
		"UPDATE runs SET %s WHERE id = $%d AND status = ANY($%d)",
		joinSet(set), idArg, idArg+1,
	)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update run %s to %s: %w", runID, to, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*store.Run, error) {
	query := fmt.Sprintf("SELECT %s FROM runs WHERE id = $1", runColumns)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs filtered by status, newest first. An empty filter
// returns all runs.
func (s *Store) ListRuns(ctx context.Context, statuses ...store.RunStatus) ([]store.Run, error) {
	query := fmt.Sprintf("SELECT %s FROM runs", runColumns)
	var args []interface{}
	if len(statuses) > 0 {
		query += " WHERE status = ANY($1)"
		args = append(args, pq.Array(statusStrings(statuses)))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// CountActiveRuns returns how many runs for a workload are non-terminal.
func (s *Store) CountActiveRuns(ctx context.Context, workloadID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM runs WHERE workload_id = $1 AND status = ANY($2)
	`, workloadID, pq.Array(statusStrings(store.NonTerminalStatuses()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs for %s: %w", workloadID, err)
	}
	return count, nil
}

// TouchHeartbeat records a workload liveness timestamp.
func (s *Store) TouchHeartbeat(ctx context.Context, runID uuid.UUID, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET last_heartbeat = $1, updated_at = NOW() WHERE id = $2
	`, ts, runID)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat for run %s: %w", runID, err)
	}
	return nil
}

// RequestStop records a stop request on a non-terminal run. Status is left
// alone; the supervisor observes the mailbox and performs the transition.
func (s *Store) RequestStop(ctx context.Context, runID uuid.UUID, graceSeconds int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET stop_requested_at = NOW(), stop_grace_seconds = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, graceSeconds, runID, pq.Array(statusStrings(store.NonTerminalStatuses())))
	if err != nil {
		return false, fmt.Errorf("failed to request stop for run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteRun removes a terminal run; events cascade.
func (s *Store) DeleteRun(ctx context.Context, runID uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id = $1 AND status = ANY($2)
	`, runID, pq.Array([]string{
		string(store.StatusStopped), string(store.StatusError), string(store.StatusDead),
	}))
	if err != nil {
		return false, fmt.Errorf("failed to delete run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	var (
		run         store.Run
		cfg         []byte
		backendKind sql.NullString
	)

	err := row.Scan(
		&run.ID, &run.WorkloadID, &cfg, &run.Status, &backendKind, &run.BackendHandle,
		&run.Host, &run.StartedAt, &run.StoppedAt, &run.LastHeartbeat, &run.ExitCode,
		&run.Notes, &run.RequestedBy, &run.StopRequestedAt, &run.StopGraceSeconds,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if backendKind.Valid {
		run.BackendKind = store.BackendKind(backendKind.String)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &run.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config for run %s: %w", run.ID, err)
		}
	}
	if run.Config == nil {
		run.Config = map[string]string{}
	}

	return &run, nil
}

func statusStrings(statuses []store.RunStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func joinSet(parts []string) string {
	s := parts[0]
	for _, p := range parts[1:] {
		s += ", " + p
	}
	return s
}
