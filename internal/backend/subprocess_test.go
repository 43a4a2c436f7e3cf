//go:build !windows

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func subprocessSpec(t *testing.T, command string) StartSpec {
	t.Helper()
	return StartSpec{
		RunID:      uuid.New(),
		WorkloadID: "w1",
		Config:     map[string]string{"command": command},
		LogPath:    filepath.Join(t.TempDir(), "run.log"),
	}
}

// writeScript drops an executable shell script and returns its path. The
// config "command" value is split on whitespace, so script bodies with
// spaces go through a file.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workload.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestSubprocess_RunToCompletion(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})
	spec := subprocessSpec(t, "/bin/sh -c true")

	h, err := b.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status, exited := h.WaitExit(context.Background(), 5*time.Second)
	if !exited {
		t.Fatal("process never exited")
	}
	if status.Code != 0 {
		t.Errorf("exit code = %d, want 0", status.Code)
	}
}

func TestSubprocess_NonZeroExitCode(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})
	script := writeScript(t, "exit 3")

	h, err := b.Start(context.Background(), subprocessSpec(t, script))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status, exited := h.WaitExit(context.Background(), 5*time.Second)
	if !exited || status.Code != 3 {
		t.Errorf("got (%v, %v), want exit code 3", status, exited)
	}
}

func TestSubprocess_OutputGoesToLogSink(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})
	spec := subprocessSpec(t, "/bin/echo trading")

	h, err := b.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.WaitExit(context.Background(), 5*time.Second)

	data, err := os.ReadFile(spec.LogPath)
	if err != nil {
		t.Fatalf("failed to read log sink: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "trading") {
		t.Errorf("expected command output in log, got:\n%s", out)
	}
	// The run ID is appended to the argv, echo prints it back
	if !strings.Contains(out, spec.RunID.String()) {
		t.Errorf("expected appended run ID in output, got:\n%s", out)
	}
}

func TestSubprocess_EnvCarriesRunIdentity(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{Env: []string{"DATABASE_URL=postgres://test/db"}})
	script := writeScript(t, `echo "run=$RUNPLANE_RUN_ID workload=$RUNPLANE_WORKLOAD_ID db=$DATABASE_URL"`)
	spec := subprocessSpec(t, script)

	h, err := b.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.WaitExit(context.Background(), 5*time.Second)

	data, _ := os.ReadFile(spec.LogPath)
	out := string(data)
	if !strings.Contains(out, "run="+spec.RunID.String()) {
		t.Errorf("expected run ID in environment, got:\n%s", out)
	}
	if !strings.Contains(out, "workload=w1") {
		t.Errorf("expected workload ID in environment, got:\n%s", out)
	}
	if !strings.Contains(out, "db=postgres://test/db") {
		t.Errorf("expected backend env in environment, got:\n%s", out)
	}
}

func TestSubprocess_RequestStopTerminatesProcessGroup(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})

	h, err := b.Start(context.Background(), subprocessSpec(t, writeScript(t, "sleep 60")))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer h.ForceStop()

	alive, err := h.IsAlive(context.Background())
	if err != nil || !alive {
		t.Fatalf("expected process alive, got (%v, %v)", alive, err)
	}

	if err := h.RequestStop(); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}

	if _, exited := h.WaitExit(context.Background(), 5*time.Second); !exited {
		t.Fatal("process survived SIGTERM")
	}
	if alive, _ := h.IsAlive(context.Background()); alive {
		t.Error("terminated process still reports alive")
	}
}

func TestSubprocess_ForceStopKills(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})
	// A shell trapping SIGTERM ignores the cooperative signal
	script := writeScript(t, "trap '' TERM\nsleep 60")

	h, err := b.Start(context.Background(), subprocessSpec(t, script))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := h.ForceStop(); err != nil {
		t.Fatalf("ForceStop failed: %v", err)
	}
	if _, exited := h.WaitExit(context.Background(), 5*time.Second); !exited {
		t.Fatal("process survived SIGKILL")
	}
}

func TestSubprocess_NoCommandConfigured(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})

	_, err := b.Start(context.Background(), StartSpec{
		RunID:      uuid.New(),
		WorkloadID: "w1",
		Config:     map[string]string{},
		LogPath:    filepath.Join(t.TempDir(), "run.log"),
	})
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Errorf("expected LaunchError, got %v", err)
	}
}

func TestSubprocess_AttachProbesLiveProcess(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})

	// Own process as the probe target: guaranteed alive
	pid := os.Getpid()
	handle := fmt.Sprintf("%d:%d", pid, processStartTime(pid))
	h, err := b.Attach(handle)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	alive, err := h.IsAlive(context.Background())
	if err != nil {
		t.Fatalf("IsAlive failed: %v", err)
	}
	if !alive {
		t.Error("expected own process to be alive")
	}

	// Reattached handles can never report an exit code
	if _, exited := h.PollExit(); exited {
		t.Error("probe-only handle must not report exit")
	}
}

func TestSubprocess_AttachStartTimeFence(t *testing.T) {
	b := NewSubprocess(SubprocessOptions{})

	// Same PID, wrong start time: a reused PID must read as dead
	h, err := b.Attach(fmt.Sprintf("%d:%d", os.Getpid(), 12345))
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}

	alive, err := h.IsAlive(context.Background())
	if err != nil {
		t.Fatalf("IsAlive failed: %v", err)
	}
	if alive {
		t.Error("expected start time mismatch to read as not alive")
	}
}

func TestParseProcHandle(t *testing.T) {
	pid, startTime, err := parseProcHandle("4242:1700000000000")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if pid != 4242 || startTime != 1700000000000 {
		t.Errorf("got (%d, %d), want (4242, 1700000000000)", pid, startTime)
	}

	// Legacy handle without a fence
	pid, startTime, err = parseProcHandle("99")
	if err != nil || pid != 99 || startTime != 0 {
		t.Errorf("got (%d, %d, %v), want (99, 0, nil)", pid, startTime, err)
	}

	if _, _, err := parseProcHandle("not-a-pid"); err == nil {
		t.Error("expected error for malformed handle")
	}
}
