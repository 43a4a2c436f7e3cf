package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// Container runs workloads as Docker containers. The workload image comes
// from the run config ("image" key); the daemon keeps the container running
// independently of the supervisor, so handles survive supervisor restarts.
type Container struct {
	client *client.Client
	logger *slog.Logger
}

// NewContainer creates a container backend. The Docker client is initialized
// from the standard environment variables (DOCKER_HOST, etc.).
func NewContainer(logger *slog.Logger) (*Container, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Container{client: cli, logger: logger}, nil
}

// Kind implements Backend.
func (b *Container) Kind() string { return "container" }

// Start implements Backend.Start. Run config is merged into the container
// environment; container output is streamed into the per-run log sink.
func (b *Container) Start(ctx context.Context, spec StartSpec) (Handle, error) {
	img, ok := spec.Config["image"]
	if !ok || img == "" {
		return nil, &LaunchError{Backend: b.Kind(), Err: fmt.Errorf("no image configured for workload %s", spec.WorkloadID)}
	}

	// Pull only when the image is missing locally.
	if _, err := b.client.ImageInspect(ctx, img); err != nil {
		reader, err := b.client.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return nil, &LaunchError{Backend: b.Kind(), Err: fmt.Errorf("pull image %s: %w", img, err)}
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	env := []string{
		"RUNPLANE_RUN_ID=" + spec.RunID.String(),
		"RUNPLANE_WORKLOAD_ID=" + spec.WorkloadID,
	}
	for k, v := range spec.Config {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image: img,
		Env:   env,
	}, nil, nil, nil, "")
	if err != nil {
		return nil, &LaunchError{Backend: b.Kind(), Err: err}
	}

	if err := b.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, &LaunchError{Backend: b.Kind(), Err: err}
	}

	h := b.newHandle(created.ID)
	go b.copyLogs(created.ID, spec.LogPath)
	return h, nil
}

// Attach reconstructs a fully functional handle from a container ID; the
// daemon still knows the container's state and exit code.
func (b *Container) Attach(handle string) (Handle, error) {
	if _, err := b.client.ContainerInspect(context.Background(), handle); err != nil {
		return nil, fmt.Errorf("container %s not found: %w", handle, err)
	}
	return b.newHandle(handle), nil
}

func (b *Container) newHandle(containerID string) *containerHandle {
	h := &containerHandle{
		client:      b.client,
		containerID: containerID,
		done:        make(chan struct{}),
	}
	go h.wait()
	return h
}

func (b *Container) copyLogs(containerID, logPath string) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		b.logger.Warn("failed to open log sink for container", "container_id", containerID, "error", err)
		return
	}
	defer f.Close()

	rc, err := b.client.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		b.logger.Warn("failed to stream container logs", "container_id", containerID, "error", err)
		return
	}
	defer rc.Close()

	io.Copy(f, rc)
}

type containerHandle struct {
	client      *client.Client
	containerID string

	done   chan struct{}
	status ExitStatus
}

func (h *containerHandle) wait() {
	statusCh, errCh := h.client.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
	select {
	case <-errCh:
		h.status = ExitStatus{Code: -1}
	case status := <-statusCh:
		h.status = ExitStatus{Code: int(status.StatusCode)}
	}
	close(h.done)
}

func (h *containerHandle) ID() string { return h.containerID }

func (h *containerHandle) IsAlive(ctx context.Context) (bool, error) {
	info, err := h.client.ContainerInspect(ctx, h.containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, &LivenessError{Backend: "container", Err: err}
	}
	return info.State != nil && info.State.Running, nil
}

func (h *containerHandle) PollExit() (ExitStatus, bool) {
	select {
	case <-h.done:
		return h.status, true
	default:
		return ExitStatus{}, false
	}
}

func (h *containerHandle) RequestStop() error {
	return h.client.ContainerKill(context.Background(), h.containerID, "SIGTERM")
}

func (h *containerHandle) ForceStop() error {
	return h.client.ContainerKill(context.Background(), h.containerID, "SIGKILL")
}

func (h *containerHandle) WaitExit(ctx context.Context, timeout time.Duration) (ExitStatus, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
		return h.status, true
	case <-deadline.C:
		return ExitStatus{}, false
	case <-ctx.Done():
		return ExitStatus{}, false
	}
}
