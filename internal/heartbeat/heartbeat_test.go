package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type countingToucher struct {
	mu      sync.Mutex
	touches int
	lastTS  time.Time
	err     error
}

func (c *countingToucher) TouchHeartbeat(ctx context.Context, runID uuid.UUID, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touches++
	c.lastTS = ts
	return c.err
}

func (c *countingToucher) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.touches
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReporter_PushesImmediatelyAndPeriodically(t *testing.T) {
	toucher := &countingToucher{}
	r := New(toucher, uuid.New(), 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for toucher.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if got := toucher.count(); got < 3 {
		t.Errorf("got %d heartbeats, want at least 3", got)
	}
}

func TestReporter_StoreFailureDoesNotStopIt(t *testing.T) {
	toucher := &countingToucher{err: errors.New("connection refused")}
	r := New(toucher, uuid.New(), 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for toucher.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	// Failures are logged and retried, never fatal
	if got := toucher.count(); got < 2 {
		t.Errorf("got %d attempts, want at least 2 despite store errors", got)
	}
}

func TestReporter_TouchNow(t *testing.T) {
	toucher := &countingToucher{}
	r := New(toucher, uuid.New(), time.Hour, testLogger())

	r.TouchNow(context.Background())

	if toucher.count() != 1 {
		t.Errorf("got %d touches, want 1", toucher.count())
	}
	if toucher.lastTS.IsZero() {
		t.Error("expected a timestamp on the heartbeat")
	}
}

func TestNew_NonPositiveIntervalFallsBack(t *testing.T) {
	r := New(&countingToucher{}, uuid.New(), 0, testLogger())
	if r.interval != DefaultInterval {
		t.Errorf("interval = %v, want %v", r.interval, DefaultInterval)
	}
}
