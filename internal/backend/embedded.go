package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"runplane/internal/heartbeat"
	"runplane/internal/workload"

	"github.com/google/uuid"
)

// EmbeddedOptions configures the embedded backend.
type EmbeddedOptions struct {
	HeartbeatInterval time.Duration
}

// Embedded runs workloads as cancellable tasks inside the supervisor
// process. Cooperative stop cancels the task's context; forced stop can only
// abandon the task, since in-process code cannot be preempted safely. That
// asymmetry with the subprocess backend is deliberate.
type Embedded struct {
	registry *workload.Registry
	store    heartbeat.Toucher
	logger   *slog.Logger
	opts     EmbeddedOptions

	mu    sync.Mutex
	tasks map[string]*taskHandle
}

// NewEmbedded creates an embedded backend executing workloads from the given
// registry. The store is used for the per-task heartbeat reporter.
func NewEmbedded(registry *workload.Registry, store heartbeat.Toucher, logger *slog.Logger, opts EmbeddedOptions) *Embedded {
	return &Embedded{
		registry: registry,
		store:    store,
		logger:   logger,
		opts:     opts,
		tasks:    make(map[string]*taskHandle),
	}
}

// Kind implements Backend.
func (b *Embedded) Kind() string { return "embedded" }

// Start implements Backend.Start. The task runs detached from the start
// context; only RequestStop (or ForceStop) ends it early.
func (b *Embedded) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	fn, err := b.registry.Lookup(spec.WorkloadID)
	if err != nil {
		return nil, &LaunchError{Backend: b.Kind(), Err: err}
	}

	sink, err := newLogSink(spec.LogPath)
	if err != nil {
		return nil, &LaunchError{Backend: b.Kind(), Err: err}
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{
		token:  uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.tasks[h.token] = h
	b.mu.Unlock()

	rc := &workload.RunContext{
		RunID:      spec.RunID,
		WorkloadID: spec.WorkloadID,
		Config:     spec.Config,
		Logf:       sink.logf,
		Heartbeat: func() {
			if err := b.store.TouchHeartbeat(taskCtx, spec.RunID, time.Now().UTC()); err != nil {
				b.logger.Warn("embedded heartbeat failed", "run_id", spec.RunID, "error", err)
			}
		},
	}

	reporter := heartbeat.New(b.store, spec.RunID, b.opts.HeartbeatInterval, b.logger)
	go reporter.Run(taskCtx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				sink.logf("workload panicked: %v", r)
				h.finish(ExitStatus{Code: 1})
			}
			cancel()
			sink.Close()
			b.mu.Lock()
			delete(b.tasks, h.token)
			b.mu.Unlock()
		}()

		err := fn(taskCtx, rc)
		switch {
		case err == nil:
			sink.logf("workload completed")
			h.finish(ExitStatus{Code: 0})
		case errors.Is(err, context.Canceled):
			sink.logf("workload cancelled")
			h.finish(ExitStatus{Code: 0})
		default:
			sink.logf("workload failed: %v", err)
			h.finish(ExitStatus{Code: 1})
		}
	}()

	return h, nil
}

// Attach resolves a handle for a task still running in this process. Handles
// do not survive a supervisor restart; such runs must be finalized as dead.
func (b *Embedded) Attach(handle string) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.tasks[handle]; ok {
		return h, nil
	}
	return nil, ErrAttachUnsupported
}

// taskHandle tracks one embedded task.
type taskHandle struct {
	token  string
	cancel context.CancelFunc

	mu        sync.Mutex
	abandoned bool
	exited    bool
	status    ExitStatus
	done      chan struct{}
}

func (h *taskHandle) ID() string { return h.token }

func (h *taskHandle) finish(status ExitStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.status = status
	close(h.done)
}

func (h *taskHandle) IsAlive(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited && !h.abandoned, nil
}

func (h *taskHandle) PollExit() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return h.status, true
	}
	if h.abandoned {
		return ExitStatus{Code: -1}, true
	}
	return ExitStatus{}, false
}

// RequestStop cancels the task's context. The task observes it at its own
// checkpoints.
func (h *taskHandle) RequestStop() error {
	h.cancel()
	return nil
}

// ForceStop abandons the task. The goroutine may keep running until its next
// cancellation checkpoint; from the supervisor's perspective the run is over.
func (h *taskHandle) ForceStop() error {
	h.cancel()
	h.mu.Lock()
	h.abandoned = true
	h.mu.Unlock()
	return nil
}

func (h *taskHandle) WaitExit(ctx context.Context, timeout time.Duration) (ExitStatus, bool) {
	h.mu.Lock()
	if h.exited {
		status := h.status
		h.mu.Unlock()
		return status, true
	}
	if h.abandoned {
		h.mu.Unlock()
		return ExitStatus{Code: -1}, true
	}
	h.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
		h.mu.Lock()
		status := h.status
		h.mu.Unlock()
		return status, true
	case <-deadline.C:
		return ExitStatus{}, false
	case <-ctx.Done():
		return ExitStatus{}, false
	}
}

// logSink is a line-oriented, timestamped writer over the per-run log file.
type logSink struct {
	mu sync.Mutex
	f  *os.File
}

func newLogSink(path string) (*logSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}
	return &logSink{f: f}, nil
}

func (s *logSink) logf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().UTC().Format(time.RFC3339)
	fmt.Fprintf(s.f, "[%s] %s\n", ts, fmt.Sprintf(format, args...))
}

func (s *logSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
