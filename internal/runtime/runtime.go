// Package runtime defines the container runtime contract consumed by the
// job lifecycle controller.
package runtime

import "context"

// Workload selects the container profile for a job.
type Workload string

const (
	// WorkloadWorker runs an arbitrary shell command with a read-only
	// staging mount.
	WorkloadWorker Workload = "worker"
	// WorkloadAgent runs the fixed agent entrypoint with a read-write
	// staging mount.
	WorkloadAgent Workload = "agent"
)

// ContainerState is the coarse lifecycle state reported by the runtime.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateExited  ContainerState = "exited"
	StatePaused  ContainerState = "paused"
	StateUnknown ContainerState = "unknown"
)

// ContainerConfig carries everything the runtime needs to start a job
// container. The workload determines filesystem isolation (read-only
// staging mount for workers, read-write for agents), the command shape,
// and the agent environment.
type ContainerConfig struct {
	JobID    string
	Workload Workload
	UploadID string // staging directory to mount at /work; empty for none
	Image    string
	Command  string // worker shell command
	CPUs     int
	MemoryGB int

	// Agent parameters, exported into the container environment.
	Task      string
	Context   string
	GitBranch string
}

// ContainerInfo describes a container as reported by inspect/list.
type ContainerInfo struct {
	ID       string
	Name     string
	State    ContainerState
	ExitCode *int
	Labels   map[string]string
}

// Runtime is the contract for the local container runtime. All calls are
// synchronous, one external invocation per operation; implementations hold
// no state between calls. Each call may block on the daemon, so callers run
// them on goroutines that are allowed to block.
type Runtime interface {
	// Create creates and starts a container for the given config,
	// returning the runtime container ID.
	Create(ctx context.Context, cfg *ContainerConfig) (string, error)

	// Stop requests a graceful stop, escalating to SIGKILL after the
	// grace window. Two-phase shutdown is required, not optional.
	Stop(ctx context.Context, containerID string, graceSeconds int) error

	// Kill terminates a container immediately. A missing container is
	// not an error - it is already gone.
	Kill(ctx context.Context, containerID string) error

	// Remove deletes a stopped container after its exit code has been
	// recorded. A missing container is not an error.
	Remove(ctx context.Context, containerID string) error

	// Inspect returns container details, or nil if it does not exist.
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)

	// List returns all containers managed by this service.
	List(ctx context.Context) ([]ContainerInfo, error)

	// Ping verifies the runtime daemon is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the runtime client.
	Close() error
}
