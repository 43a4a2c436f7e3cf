// Package heartbeat implements the workload-side liveness reporter: a ticker
// pushing "I am alive" timestamps into the run store, on a cadence
// independent of the supervisor's polling.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DefaultInterval is how often workloads report liveness.
const DefaultInterval = 10 * time.Second

// Toucher is the single store operation the reporter needs.
type Toucher interface {
	TouchHeartbeat(ctx context.Context, runID uuid.UUID, ts time.Time) error
}

// Reporter periodically records heartbeats for one run.
type Reporter struct {
	store    Toucher
	runID    uuid.UUID
	interval time.Duration
	logger   *slog.Logger
}

// New creates a reporter. A non-positive interval falls back to
// DefaultInterval.
func New(store Toucher, runID uuid.UUID, interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reporter{store: store, runID: runID, interval: interval, logger: logger}
}

// Run pushes one heartbeat immediately, then one per interval until ctx is
// cancelled. Store failures are logged and retried on the next beat; a
// missed heartbeat must never kill the workload.
func (r *Reporter) Run(ctx context.Context) {
	r.touch(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.touch(ctx)
		}
	}
}

// TouchNow records a single heartbeat outside the periodic cadence.
func (r *Reporter) TouchNow(ctx context.Context) {
	r.touch(ctx)
}

func (r *Reporter) touch(ctx context.Context) {
	if err := r.store.TouchHeartbeat(ctx, r.runID, time.Now().UTC()); err != nil {
		r.logger.Warn("failed to push heartbeat", "run_id", r.runID, "error", err)
	}
}
