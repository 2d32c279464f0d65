// Package docker implements the runtime.Runtime interface using the Docker
// API. Jobs run directly on the host Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"flashpods/internal/runtime"
)

const managedByLabel = "flashpods"

// Runtime implements runtime.Runtime using Docker.
type Runtime struct {
	client *client.Client
	cfg    RuntimeConfig
}

// New creates a Docker runtime from the daemon settings in the environment.
func New(cfg RuntimeConfig) (*Runtime, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Runtime{client: dockerClient, cfg: cfg}, nil
}

// Create creates and starts a job container. Workers get the staging mount
// read-only and run their command under /bin/sh; agents get it read-write
// and run the fixed entrypoint with the task exported in the environment.
func (r *Runtime) Create(ctx context.Context, cfg *runtime.ContainerConfig) (string, error) {
	artifactsPath := filepath.Join(r.cfg.ArtifactsDir, cfg.JobID)
	if err := os.MkdirAll(artifactsPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts dir: %w", err)
	}

	// Pull with a detached context so an HTTP timeout doesn't abandon a
	// half-finished pull.
	pullCtx := context.WithoutCancel(ctx)
	if err := r.pullImageIfNeeded(pullCtx, cfg.Image); err != nil {
		return "", fmt.Errorf("failed to pull image %s: %w", cfg.Image, err)
	}

	containerConfig := &container.Config{
		Image: cfg.Image,
		Labels: map[string]string{
			"managed-by":         managedByLabel,
			"flashpods.job.id":   cfg.JobID,
			"flashpods.job.type": string(cfg.Workload),
		},
	}

	mounts := []mount.Mount{
		{
			Type:   mount.TypeBind,
			Source: artifactsPath,
			Target: "/artifacts",
		},
	}
	if cfg.UploadID != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   filepath.Join(r.cfg.UploadDir, cfg.UploadID),
			Target:   "/work",
			ReadOnly: cfg.Workload == runtime.WorkloadWorker,
		})
	}

	switch cfg.Workload {
	case runtime.WorkloadAgent:
		containerConfig.Entrypoint = []string{"/entrypoint.sh"}
		containerConfig.Env = []string{
			fmt.Sprintf("FLASHPODS_TASK=%s", cfg.Task),
			fmt.Sprintf("FLASHPODS_CONTEXT=%s", cfg.Context),
			fmt.Sprintf("FLASHPODS_GIT_BRANCH=%s", cfg.GitBranch),
			fmt.Sprintf("FLASHPODS_JOB_ID=%s", cfg.JobID),
		}
	default:
		if cfg.Command != "" {
			containerConfig.Cmd = []string{"/bin/sh", "-c", cfg.Command}
		}
	}

	hostConfig := &container.HostConfig{
		Mounts: mounts,
		Resources: container.Resources{
			NanoCPUs: int64(cfg.CPUs) * 1e9,
			Memory:   int64(cfg.MemoryGB) * 1024 * 1024 * 1024,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.JobID)
	if err != nil {
		return "", err
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Don't leave the created container behind.
		_ = r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", err
	}

	slog.Info("Created container", "containerId", resp.ID, "jobId", cfg.JobID)
	return resp.ID, nil
}

// Stop requests a graceful stop; the daemon escalates to SIGKILL after the
// grace window.
func (r *Runtime) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	slog.Info("Stopping container", "containerId", containerID, "graceSeconds", graceSeconds)
	return r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds})
}

// Kill terminates a container immediately. A missing container is treated
// as already gone.
func (r *Runtime) Kill(ctx context.Context, containerID string) error {
	err := r.client.ContainerKill(ctx, containerID, "SIGKILL")
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

// Inspect returns container details, or (nil, nil) if it no longer exists.
func (r *Runtime) Inspect(ctx context.Context, containerID string) (*runtime.ContainerInfo, error) {
	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	info := &runtime.ContainerInfo{
		ID:     inspect.ID,
		Name:   inspect.Name,
		State:  mapState(inspect.State.Status),
		Labels: inspect.Config.Labels,
	}
	if info.State == runtime.StateExited {
		exitCode := inspect.State.ExitCode
		info.ExitCode = &exitCode
	}
	return info, nil
}

// List returns all containers carrying this service's managed-by label.
func (r *Runtime) List(ctx context.Context) ([]runtime.ContainerInfo, error) {
	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "managed-by="+managedByLabel),
		),
	})
	if err != nil {
		return nil, err
	}

	out := make([]runtime.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		out = append(out, runtime.ContainerInfo{
			ID:     c.ID,
			Name:   name,
			State:  mapState(c.State),
			Labels: c.Labels,
		})
	}
	return out, nil
}

// Ping verifies the Docker daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *Runtime) Close() error {
	return r.client.Close()
}

// Remove deletes a stopped container. Used after its exit code has been
// recorded.
func (r *Runtime) Remove(ctx context.Context, containerID string) error {
	err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (r *Runtime) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := r.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func mapState(status string) runtime.ContainerState {
	switch status {
	case "created":
		return runtime.StateCreated
	case "running", "restarting":
		return runtime.StateRunning
	case "exited", "dead", "removing":
		return runtime.StateExited
	case "paused":
		return runtime.StatePaused
	default:
		return runtime.StateUnknown
	}
}

// Verify Runtime implements runtime.Runtime
var _ runtime.Runtime = (*Runtime)(nil)
