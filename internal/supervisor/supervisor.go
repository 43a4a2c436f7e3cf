// Package supervisor implements the run supervisor: a single-host control
// loop that claims pending runs, launches them on an execution backend,
// polls them for completion, watches heartbeats and answers stop requests.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"runplane/internal/backend"
	"runplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Config holds supervisor tuning. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	// Host identifies this supervisor instance in claimed run rows.
	Host string

	// TickInterval is the cadence of the supervision loop (default 2s).
	TickInterval time.Duration

	// HeartbeatStale is how old a heartbeat may be before the run is
	// considered stale (default 30s).
	HeartbeatStale time.Duration

	// StartupGrace is how long after launch a run may go without any
	// heartbeat before staleness applies (default 30s).
	StartupGrace time.Duration

	// DefaultStopGrace applies when a stop request carries no grace
	// period (default 20s).
	DefaultStopGrace time.Duration

	// ForceStopWait bounds the wait for backend confirmation after a
	// forced kill (default 10s).
	ForceStopWait time.Duration

	// ShutdownTimeout bounds the cooperative stop of tracked runs when
	// the supervisor itself exits (default 5s).
	ShutdownTimeout time.Duration

	// LogDir is where per-run log sinks are created.
	LogDir string

	// DefaultBackend is used when a run's config does not name one.
	DefaultBackend string
}

// trackedRun is the supervisor-private bookkeeping for one active run.
type trackedRun struct {
	runID      uuid.UUID
	workloadID string
	backend    backend.Backend
	handle     backend.Handle
	launchedAt time.Time

	// stopInFlight marks that a stop goroutine owns this run's
	// finalization; the poll path leaves it alone.
	stopInFlight bool
}

// Supervisor owns the run state machine. It is constructed explicitly and
// injected into whatever exposes the external API; there are no package
// level registries.
type Supervisor struct {
	store    store.RunStore
	backends map[string]backend.Backend
	logger   *slog.Logger
	cfg      Config

	tracer        trace.Tracer
	claimedRuns   metric.Int64Counter
	finishedRuns  metric.Int64Counter
	activeRuns    metric.Int64UpDownCounter
	abortedTicks  metric.Int64Counter

	mu      sync.Mutex
	tracked map[uuid.UUID]*trackedRun

	done chan struct{}
}

// New creates a supervisor over the given store and backends.
func New(st store.RunStore, backends []backend.Backend, logger *slog.Logger, cfg Config) (*Supervisor, error) {
	if cfg.Host == "" {
		host, _ := os.Hostname()
		cfg.Host = host
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.HeartbeatStale <= 0 {
		cfg.HeartbeatStale = 30 * time.Second
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 30 * time.Second
	}
	if cfg.DefaultStopGrace <= 0 {
		cfg.DefaultStopGrace = 20 * time.Second
	}
	if cfg.ForceStopWait <= 0 {
		cfg.ForceStopWait = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}

	byKind := make(map[string]backend.Backend, len(backends))
	for _, b := range backends {
		byKind[b.Kind()] = b
	}
	if cfg.DefaultBackend == "" && len(backends) > 0 {
		cfg.DefaultBackend = backends[0].Kind()
	}

	meter := otel.Meter("runplane/supervisor")
	claimed, err := meter.Int64Counter("runplane.runs.claimed")
	if err != nil {
		return nil, err
	}
	finished, err := meter.Int64Counter("runplane.runs.finished")
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("runplane.runs.active")
	if err != nil {
		return nil, err
	}
	aborted, err := meter.Int64Counter("runplane.ticks.aborted")
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		store:        st,
		backends:     byKind,
		logger:       logger,
		cfg:          cfg,
		tracer:       otel.Tracer("runplane/supervisor"),
		claimedRuns:  claimed,
		finishedRuns: finished,
		activeRuns:   active,
		abortedTicks: aborted,
		tracked:      make(map[uuid.UUID]*trackedRun),
		done:         make(chan struct{}),
	}, nil
}

// Run drives the supervision loop until ctx is cancelled. On startup it
// reattaches runs left behind by a previous supervisor instance; on shutdown
// it requests cooperative stop of everything it tracks.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	if err := os.MkdirAll(s.cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}

	s.logger.Info("supervisor starting", "host", s.cfg.Host, "tick", s.cfg.TickInterval)

	if err := s.reattach(ctx); err != nil {
		s.logger.Warn("reattach pass failed, continuing", "error", err)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.abortedTicks.Add(ctx, 1)
				s.logger.Warn("tick aborted", "error", err)
			}
		}
	}
}

// Done is closed once Run has returned, whether after its shutdown pass or
// because it failed early.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// tick runs one supervision iteration: claim pending runs, service stop
// requests, poll tracked runs. A store failure aborts the whole tick.
func (s *Supervisor) tick(ctx context.Context) error {
	pending, err := s.store.ListRuns(ctx, store.StatusPending)
	if err != nil {
		return &StoreUnavailableError{Op: "list pending runs", Err: err}
	}
	for i := range pending {
		s.claimAndLaunch(ctx, &pending[i])
	}

	active, err := s.store.ListRuns(ctx, store.ActiveStatuses()...)
	if err != nil {
		return &StoreUnavailableError{Op: "list active runs", Err: err}
	}
	byID := make(map[uuid.UUID]*store.Run, len(active))
	for i := range active {
		byID[active[i].ID] = &active[i]
	}

	s.serviceStopRequests(ctx, byID)
	s.pollTracked(ctx, byID)
	return nil
}

// claimAndLaunch claims one pending run and launches it. Both steps are
// isolated so one bad run cannot take down the loop.
func (s *Supervisor) claimAndLaunch(ctx context.Context, run *store.Run) {
	defer s.recoverRunPanic(run.ID, "claim")

	claimed, err := s.store.TryClaim(ctx, run.ID)
	if err != nil {
		s.logger.Warn("claim failed", "run_id", run.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	s.claimedRuns.Add(ctx, 1)
	if err := s.store.AppendEvent(ctx, run.ID, store.LevelInfo, "run claimed by supervisor"); err != nil {
		s.logger.Warn("failed to append claim event", "run_id", run.ID, "error", err)
	}
	s.launch(ctx, run)
}

// launch starts the backend for a claimed run and records handle, host and
// start time. A launch failure finalizes the run as error; it never stays
// in starting.
func (s *Supervisor) launch(ctx context.Context, run *store.Run) {
	ctx, span := s.tracer.Start(ctx, "launch_run", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
		attribute.String("workload.id", run.WorkloadID),
	))
	defer span.End()

	b := s.backendFor(run)
	if b == nil {
		s.failLaunch(ctx, run.ID, fmt.Errorf("unknown backend %q", run.Config["backend"]))
		return
	}

	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("run_%s.log", run.ID))
	handle, err := b.Start(ctx, backend.StartSpec{
		RunID:      run.ID,
		WorkloadID: run.WorkloadID,
		Config:     run.Config,
		LogPath:    logPath,
	})
	if err != nil {
		span.RecordError(err)
		s.failLaunch(ctx, run.ID, err)
		return
	}

	now := time.Now().UTC()
	handleID := handle.ID()
	ok, err := s.store.UpdateStatus(ctx, run.ID,
		[]store.RunStatus{store.StatusStarting}, store.StatusRunning,
		store.StatusFields{
			BackendKind:   store.BackendKind(b.Kind()),
			BackendHandle: &handleID,
			Host:          &s.cfg.Host,
			StartedAt:     &now,
		})
	if err != nil || !ok {
		s.logger.Error("failed to record launch, stopping workload", "run_id", run.ID, "error", err)
		handle.RequestStop()
		return
	}

	if err := s.store.AppendEvent(ctx, run.ID, store.LevelInfo,
		fmt.Sprintf("workload started on %s backend (handle %s)", b.Kind(), handleID)); err != nil {
		s.logger.Warn("failed to append launch event", "run_id", run.ID, "error", err)
	}

	s.track(&trackedRun{
		runID:      run.ID,
		workloadID: run.WorkloadID,
		backend:    b,
		handle:     handle,
		launchedAt: now,
	})
	s.activeRuns.Add(ctx, 1)
	s.logger.Info("workload launched", "run_id", run.ID, "workload_id", run.WorkloadID, "backend", b.Kind(), "handle", handleID)
}

func (s *Supervisor) failLaunch(ctx context.Context, runID uuid.UUID, launchErr error) {
	exitCode := 1
	now := time.Now().UTC()
	if err := s.store.AppendEvent(ctx, runID, store.LevelError,
		fmt.Sprintf("failed to launch workload: %v", launchErr)); err != nil {
		s.logger.Warn("failed to append launch failure event", "run_id", runID, "error", err)
	}
	_, err := s.store.UpdateStatus(ctx, runID,
		[]store.RunStatus{store.StatusStarting}, store.StatusError,
		store.StatusFields{ExitCode: &exitCode, StoppedAt: &now, ClearBackendHandle: true})
	if err != nil {
		s.logger.Error("failed to finalize launch failure", "run_id", runID, "error", err)
	}
	s.finishedRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(store.StatusError))))
	s.logger.Error("launch failed", "run_id", runID, "error", launchErr)
}

// serviceStopRequests picks up the stop-request mailbox for tracked runs and
// starts a stop goroutine per run. The supervisor stays the sole writer of
// run status: external actors only set the mailbox.
func (s *Supervisor) serviceStopRequests(ctx context.Context, active map[uuid.UUID]*store.Run) {
	for id, run := range active {
		if run.StopRequestedAt == nil {
			continue
		}

		grace := s.cfg.DefaultStopGrace
		if run.StopGraceSeconds != nil && *run.StopGraceSeconds > 0 {
			grace = time.Duration(*run.StopGraceSeconds) * time.Second
		}

		s.mu.Lock()
		tr, ok := s.tracked[id]
		if !ok || tr.stopInFlight {
			s.mu.Unlock()
			continue
		}
		tr.stopInFlight = true
		s.mu.Unlock()

		// The grace wait must survive supervisor shutdown; a cancelled
		// loop context must not turn into an early forced kill.
		go s.executeStop(context.WithoutCancel(ctx), tr, grace)
	}
}

// StopRun requests cooperative termination of a run, escalating to a forced
// kill when the grace period is exceeded. Stopping an already terminal run
// is a no-op success. The call returns once the stop is underway; the final
// status lands within grace + ForceStopWait.
func (s *Supervisor) StopRun(ctx context.Context, runID uuid.UUID, grace time.Duration) error {
	if grace <= 0 {
		grace = s.cfg.DefaultStopGrace
	}

	s.mu.Lock()
	tr, tracked := s.tracked[runID]
	if tracked && !tr.stopInFlight {
		tr.stopInFlight = true
	} else if tracked {
		// A stop is already in flight; idempotent.
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if !tracked {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return ErrRunNotFound
		}
		if run.Status.IsTerminal() {
			// Not running: success without mutating the run.
			return nil
		}
		if run.Status == store.StatusPending {
			// Never launched; mailbox it so the claim path sees it and
			// the next tick stops it right after launch.
			_, err := s.store.RequestStop(ctx, runID, int(grace/time.Second))
			return err
		}
		return fmt.Errorf("run %s is active but not tracked by this supervisor", runID)
	}

	// The stop outlives the caller's request context.
	go s.executeStop(context.WithoutCancel(ctx), tr, grace)
	return nil
}

// executeStop owns the stopping protocol for one run: transition to
// stopping, cooperative signal, grace wait, forced kill, finalize.
func (s *Supervisor) executeStop(ctx context.Context, tr *trackedRun, grace time.Duration) {
	defer s.recoverRunPanic(tr.runID, "stop")

	ctx, span := s.tracer.Start(ctx, "stop_run", trace.WithAttributes(
		attribute.String("run.id", tr.runID.String()),
	))
	defer span.End()

	note := fmt.Sprintf("stop requested (grace period: %ds)", int(grace/time.Second))
	ok, err := s.store.UpdateStatus(ctx, tr.runID,
		[]store.RunStatus{store.StatusStarting, store.StatusRunning}, store.StatusStopping,
		store.StatusFields{Notes: &note})
	if err != nil {
		s.logger.Warn("failed to mark run stopping", "run_id", tr.runID, "error", err)
	}
	if !ok && err == nil {
		// Either the run completed in the meantime (no-op, poll path won)
		// or it was already stopping (reattached); look at the row.
		run, gerr := s.store.GetRun(ctx, tr.runID)
		if gerr != nil || run.Status != store.StatusStopping {
			s.clearStopInFlight(tr.runID)
			return
		}
	}

	if err := s.store.AppendEvent(ctx, tr.runID, store.LevelInfo, note); err != nil {
		s.logger.Warn("failed to append stop event", "run_id", tr.runID, "error", err)
	}

	if err := tr.handle.RequestStop(); err != nil {
		s.logger.Warn("cooperative stop signal failed", "run_id", tr.runID, "error", err)
	}

	if status, exited := tr.handle.WaitExit(ctx, grace); exited {
		s.finalize(ctx, tr, store.StatusStopped, status.Code,
			store.LevelInfo, fmt.Sprintf("workload stopped gracefully with exit code %d", status.Code))
		return
	}

	// Grace exceeded; escalate.
	stopErr := &StopTimeoutError{Grace: grace}
	s.logger.Warn("escalating to forced stop", "run_id", tr.runID, "error", stopErr)
	if err := s.store.AppendEvent(ctx, tr.runID, store.LevelWarn,
		"grace period exceeded, force killing workload"); err != nil {
		s.logger.Warn("failed to append escalation event", "run_id", tr.runID, "error", err)
	}

	if err := tr.handle.ForceStop(); err != nil {
		s.logger.Warn("forced stop signal failed", "run_id", tr.runID, "error", err)
	}

	if _, exited := tr.handle.WaitExit(ctx, s.cfg.ForceStopWait); !exited {
		s.logger.Warn("backend did not confirm termination after forced stop", "run_id", tr.runID)
	}
	s.finalize(ctx, tr, store.StatusDead, -1,
		store.LevelWarn, "workload force killed after grace period")
}

// pollTracked is the per-tick reconciliation: exit detection first, then
// heartbeat staleness confirmed by the backend liveness probe.
func (s *Supervisor) pollTracked(ctx context.Context, active map[uuid.UUID]*store.Run) {
	for _, tr := range s.snapshot() {
		s.pollOne(ctx, tr, active[tr.runID])
	}
}

func (s *Supervisor) pollOne(ctx context.Context, tr *trackedRun, row *store.Run) {
	defer s.recoverRunPanic(tr.runID, "poll")

	s.mu.Lock()
	stopping := tr.stopInFlight
	s.mu.Unlock()
	if stopping {
		return
	}

	if status, exited := tr.handle.PollExit(); exited {
		if status.Code == 0 {
			s.finalize(ctx, tr, store.StatusStopped, 0,
				store.LevelInfo, "workload completed successfully")
		} else {
			s.finalize(ctx, tr, store.StatusError, status.Code,
				store.LevelError, fmt.Sprintf("workload failed with exit code %d", status.Code))
		}
		return
	}

	if row == nil {
		// The store no longer reports the run as active; nothing to
		// reconcile until it shows up again.
		return
	}

	if !s.heartbeatStale(tr, row) {
		return
	}

	alive, err := tr.handle.IsAlive(ctx)
	if err != nil {
		// Transient probe failure: retry next tick, never a status change.
		s.logger.Warn("liveness probe failed", "run_id", tr.runID, "error", err)
		return
	}
	if alive {
		s.logger.Warn("heartbeat stale but backend still alive", "run_id", tr.runID,
			"last_heartbeat", row.LastHeartbeat)
		return
	}

	s.finalize(ctx, tr, store.StatusDead, -1,
		store.LevelError, "workload died without reporting: heartbeat stale and backend gone")
}

func (s *Supervisor) heartbeatStale(tr *trackedRun, row *store.Run) bool {
	now := time.Now().UTC()
	if row.LastHeartbeat == nil {
		return now.Sub(tr.launchedAt) > s.cfg.StartupGrace
	}
	return now.Sub(*row.LastHeartbeat) > s.cfg.HeartbeatStale
}

// finalize records a terminal status, clears the backend handle and
// untracks the run. Races between poll and stop resolve here: the first
// writer wins, later callers see a failed predicate and do nothing.
func (s *Supervisor) finalize(ctx context.Context, tr *trackedRun, to store.RunStatus, exitCode int, level store.EventLevel, message string) {
	now := time.Now().UTC()
	ok, err := s.store.UpdateStatus(ctx, tr.runID,
		store.ActiveStatuses(), to,
		store.StatusFields{ExitCode: &exitCode, StoppedAt: &now, ClearBackendHandle: true})
	if err != nil {
		s.logger.Error("failed to finalize run", "run_id", tr.runID, "status", to, "error", err)
		return
	}

	if ok {
		if err := s.store.AppendEvent(ctx, tr.runID, level, message); err != nil {
			s.logger.Warn("failed to append final event", "run_id", tr.runID, "error", err)
		}
		s.finishedRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
		// The losing caller of a poll/stop race must not decrement again.
		s.activeRuns.Add(ctx, -1)
		s.logger.Info("run finalized", "run_id", tr.runID, "status", to, "exit_code", exitCode)
	}

	s.untrack(tr.runID)
}

// reattach scans for non-terminal runs left by a previous supervisor
// instance and resumes supervising them, or finalizes them as dead when the
// backend handle cannot be reconstructed.
func (s *Supervisor) reattach(ctx context.Context) error {
	runs, err := s.store.ListRuns(ctx, store.ActiveStatuses()...)
	if err != nil {
		return &StoreUnavailableError{Op: "reattach scan", Err: err}
	}

	for i := range runs {
		run := &runs[i]

		if run.BackendHandle == nil || *run.BackendHandle == "" {
			s.markUnreattachable(ctx, run, "run has no backend handle to reattach")
			continue
		}

		b, ok := s.backends[string(run.BackendKind)]
		if !ok {
			s.markUnreattachable(ctx, run, fmt.Sprintf("backend %q not available", run.BackendKind))
			continue
		}

		handle, err := b.Attach(*run.BackendHandle)
		if err != nil {
			s.markUnreattachable(ctx, run, fmt.Sprintf("could not reattach: %v", err))
			continue
		}

		s.track(&trackedRun{
			runID:      run.ID,
			workloadID: run.WorkloadID,
			backend:    b,
			handle:     handle,
			launchedAt: time.Now().UTC(),
		})
		s.activeRuns.Add(ctx, 1)
		s.logger.Info("reattached run", "run_id", run.ID, "backend", b.Kind(), "handle", *run.BackendHandle)
	}
	return nil
}

func (s *Supervisor) markUnreattachable(ctx context.Context, run *store.Run, reason string) {
	exitCode := -1
	now := time.Now().UTC()
	if err := s.store.AppendEvent(ctx, run.ID, store.LevelError,
		"marking run dead after supervisor restart: "+reason); err != nil {
		s.logger.Warn("failed to append reattach event", "run_id", run.ID, "error", err)
	}
	_, err := s.store.UpdateStatus(ctx, run.ID,
		store.ActiveStatuses(), store.StatusDead,
		store.StatusFields{ExitCode: &exitCode, StoppedAt: &now, ClearBackendHandle: true})
	if err != nil {
		s.logger.Error("failed to mark run dead", "run_id", run.ID, "error", err)
	}
	s.logger.Warn("run could not be reattached", "run_id", run.ID, "reason", reason)
}

// shutdown requests cooperative stop of everything tracked, bounded by the
// shutdown timeout. Reattachment on the next start is the real safety net.
func (s *Supervisor) shutdown() {
	tracked := s.snapshot()
	if len(tracked) == 0 {
		return
	}

	s.logger.Info("requesting stop of tracked runs before exit", "count", len(tracked))
	for _, tr := range tracked {
		if err := tr.handle.RequestStop(); err != nil {
			s.logger.Warn("shutdown stop signal failed", "run_id", tr.runID, "error", err)
		}
	}

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for _, tr := range tracked {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.logger.Warn("shutdown timeout reached, leaving runs for reattachment")
			return
		}
		tr.handle.WaitExit(context.Background(), remaining)
	}
}

func (s *Supervisor) backendFor(run *store.Run) backend.Backend {
	kind := run.Config["backend"]
	if kind == "" {
		kind = s.cfg.DefaultBackend
	}
	return s.backends[kind]
}

func (s *Supervisor) track(tr *trackedRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[tr.runID] = tr
}

func (s *Supervisor) untrack(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tracked, runID)
}

func (s *Supervisor) snapshot() []*trackedRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*trackedRun, 0, len(s.tracked))
	for _, tr := range s.tracked {
		out = append(out, tr)
	}
	return out
}

func (s *Supervisor) clearStopInFlight(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.tracked[runID]; ok {
		tr.stopInFlight = false
	}
}

// recoverRunPanic keeps one run's failure from taking down the loop.
func (s *Supervisor) recoverRunPanic(runID uuid.UUID, op string) {
	if r := recover(); r != nil {
		s.logger.Error("panic while handling run", "run_id", runID, "op", op, "panic", r)
	}
}
