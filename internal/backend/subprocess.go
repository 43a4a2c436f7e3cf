package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SubprocessOptions configures the subprocess backend.
type SubprocessOptions struct {
	// Command is the argv template launched for every run. The run ID is
	// appended as "--run-id <id>". A "command" key in the run config
	// overrides the template.
	Command []string

	// WorkDir is the working directory for launched processes.
	WorkDir string

	// Env is extra environment passed to every child, e.g. DATABASE_URL so
	// the workload shim can push heartbeats.
	Env []string
}

// Subprocess launches workloads as independent OS processes in their own
// process group, so stop signals reach any children they spawn.
type Subprocess struct {
	opts SubprocessOptions
}

// NewSubprocess creates a subprocess backend.
func NewSubprocess(opts SubprocessOptions) *Subprocess {
	return &Subprocess{opts: opts}
}

// Kind implements Backend.
func (b *Subprocess) Kind() string { return "subprocess" }

// Start implements Backend.Start using os/exec. Stdout and stderr are
// redirected to the per-run log file.
func (b *Subprocess) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	argv := b.opts.Command
	if override, ok := spec.Config["command"]; ok && override != "" {
		argv = strings.Fields(override)
	}
	if len(argv) == 0 {
		return nil, &LaunchError{Backend: b.Kind(), Err: fmt.Errorf("no command configured for workload %s", spec.WorkloadID)}
	}
	argv = append(append([]string{}, argv...), "--run-id", spec.RunID.String())

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &LaunchError{Backend: b.Kind(), Err: fmt.Errorf("open log sink: %w", err)}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = b.opts.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), b.opts.Env...)
	for k, v := range spec.Config {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
	}
	cmd.Env = append(cmd.Env,
		"RUNPLANE_RUN_ID="+spec.RunID.String(),
		"RUNPLANE_WORKLOAD_ID="+spec.WorkloadID,
	)
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &LaunchError{Backend: b.Kind(), Err: err}
	}

	h := &procHandle{
		pid:       cmd.Process.Pid,
		startTime: processStartTime(cmd.Process.Pid),
		owned:     true,
		done:      make(chan struct{}),
	}

	go func() {
		defer logFile.Close()
		err := cmd.Wait()
		code := 0
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if err != nil && code == 0 {
			code = -1
		}
		h.status = ExitStatus{Code: code}
		close(h.done)
	}()

	return h, nil
}

// Attach reconstructs a probe-only handle from a persisted "pid:starttime"
// pair. Exit codes of processes we did not spawn are unknowable; the
// heartbeat/liveness path finalizes such runs instead of PollExit.
func (b *Subprocess) Attach(handle string) (Handle, error) {
	pid, startTime, err := parseProcHandle(handle)
	if err != nil {
		return nil, err
	}
	return &procHandle{pid: pid, startTime: startTime}, nil
}

// procHandle tracks one launched (or reattached) OS process. The start time
// recorded next to the PID fences against PID reuse across long outages.
type procHandle struct {
	pid       int
	startTime int64

	// owned is true when this supervisor spawned the process and can reap
	// its exit status. Reattached handles are probe-and-signal only.
	owned  bool
	done   chan struct{}
	status ExitStatus
}

func (h *procHandle) ID() string {
	return fmt.Sprintf("%d:%d", h.pid, h.startTime)
}

func (h *procHandle) IsAlive(ctx context.Context) (bool, error) {
	if h.owned {
		select {
		case <-h.done:
			return false, nil
		default:
			return true, nil
		}
	}
	return pidAlive(h.pid, h.startTime)
}

func (h *procHandle) PollExit() (ExitStatus, bool) {
	if !h.owned {
		return ExitStatus{}, false
	}
	select {
	case <-h.done:
		return h.status, true
	default:
		return ExitStatus{}, false
	}
}

func (h *procHandle) RequestStop() error {
	return terminateGroup(h.pid)
}

func (h *procHandle) ForceStop() error {
	return killGroup(h.pid)
}

func (h *procHandle) WaitExit(ctx context.Context, timeout time.Duration) (ExitStatus, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if h.owned {
		select {
		case <-h.done:
			return h.status, true
		case <-deadline.C:
			return ExitStatus{}, false
		case <-ctx.Done():
			return ExitStatus{}, false
		}
	}

	// Reattached process: poll for disappearance. The real exit code is
	// gone with the previous supervisor, report abnormal.
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			alive, err := pidAlive(h.pid, h.startTime)
			if err == nil && !alive {
				return ExitStatus{Code: -1}, true
			}
		case <-deadline.C:
			return ExitStatus{}, false
		case <-ctx.Done():
			return ExitStatus{}, false
		}
	}
}

func parseProcHandle(handle string) (pid int, startTime int64, err error) {
	parts := strings.SplitN(handle, ":", 2)
	pid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid subprocess handle %q: %w", handle, err)
	}
	if len(parts) == 2 {
		startTime, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid subprocess handle %q: %w", handle, err)
		}
	}
	return pid, startTime, nil
}

// processStartTime returns the process creation time in milliseconds since
// epoch, or 0 when it cannot be read (the fence is then skipped).
func processStartTime(pid int) int64 {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	created, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return created
}

// pidAlive probes whether the process exists and, when a start time fence is
// available, whether it is still the same process rather than a reused PID.
func pidAlive(pid int, startTime int64) (bool, error) {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return false, &LivenessError{Backend: "subprocess", Err: err}
	}
	if !exists {
		return false, nil
	}
	if startTime == 0 {
		return true, nil
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// Raced with process exit between the two probes.
		return false, nil
	}
	created, err := p.CreateTime()
	if err != nil {
		return false, nil
	}
	// Allow a little skew; clock sources differ between platforms.
	if diff := created - startTime; diff > 1000 || diff < -1000 {
		return false, nil
	}
	return true, nil
}
