// Package job implements the job admission and lifecycle controller.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type distinguishes worker jobs (arbitrary shell command) from agent jobs
// (fixed entrypoint parameterized by task/context/branch).
type Type string

const (
	TypeWorker Type = "worker"
	TypeAgent  Type = "agent"
)

// ParseType parses the wire/storage representation of a job type.
// Unknown values are an error, never defaulted.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "worker":
		return TypeWorker, nil
	case "agent":
		return TypeAgent, nil
	default:
		return "", fmt.Errorf("invalid job type: %q", s)
	}
}

// Status is the job lifecycle state.
//
// Pending -> Starting -> Running -> {Completed | Failed | TimedOut | Cancelled}
// -> Cleaning -> Cleaned. Pending/Starting may transition directly to Failed
// when container creation fails.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
	StatusCleaning  Status = "cleaning"
	StatusCleaned   Status = "cleaned"
)

// ParseStatus parses the storage representation of a job status.
// An unrecognized value is a data-integrity error, not a fallback.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "pending":
		return StatusPending, nil
	case "starting":
		return StatusStarting, nil
	case "running":
		return StatusRunning, nil
	case "completed":
		return StatusCompleted, nil
	case "failed":
		return StatusFailed, nil
	case "timed_out":
		return StatusTimedOut, nil
	case "cancelled":
		return StatusCancelled, nil
	case "cleaning":
		return StatusCleaning, nil
	case "cleaned":
		return StatusCleaned, nil
	default:
		return "", fmt.Errorf("invalid job status: %q", s)
	}
}

// IsTerminal reports whether the status is one of the four outcome states.
// Cleaning/Cleaned are post-terminal bookkeeping states, not outcomes.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// RejectsKill reports whether a kill request must be refused for this
// status. Covers the terminal outcomes plus cleanup states: a job mid-cleanup
// has nothing left to kill.
func (s Status) RejectsKill() bool {
	return s.IsTerminal() || s == StatusCleaning || s == StatusCleaned
}

// Job is the durable job record. Exactly one payload set is populated per
// type: Command for workers; Task/Context/GitBranch for agents.
type Job struct {
	ID      string
	UserID  string
	Type    Type
	Status  Status
	Command string

	Task      string
	Context   string
	GitBranch string

	FilesID        string
	Image          string
	CPUs           int
	MemoryGB       int
	TimeoutMinutes int

	ContainerID string
	ExitCode    *int
	Error       string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Deadline returns the instant the job times out, or zero if it has not
// started.
func (j *Job) Deadline() time.Time {
	if j.StartedAt == nil {
		return time.Time{}
	}
	return j.StartedAt.Add(time.Duration(j.TimeoutMinutes) * time.Minute)
}

// NewID generates a collision-resistant job identifier.
func NewID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ResourceLimits is the per-type resource ceiling applied at creation.
type ResourceLimits struct {
	MaxCPUs           int
	MaxMemoryGB       int
	MaxTimeoutMinutes int
}

// LimitsFor returns the fixed ceiling for a job type.
func LimitsFor(t Type) ResourceLimits {
	if t == TypeAgent {
		return ResourceLimits{MaxCPUs: 4, MaxMemoryGB: 8, MaxTimeoutMinutes: 120}
	}
	return ResourceLimits{MaxCPUs: 8, MaxMemoryGB: 16, MaxTimeoutMinutes: 120}
}

// Clamp maps the requested values into [1, ceiling]. Out-of-range values are
// clamped, never rejected.
func (l ResourceLimits) Clamp(cpus, memoryGB, timeoutMinutes int) (int, int, int) {
	return clamp(cpus, 1, l.MaxCPUs),
		clamp(memoryGB, 1, l.MaxMemoryGB),
		clamp(timeoutMinutes, 1, l.MaxTimeoutMinutes)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ResourceUsage aggregates resources committed to non-terminal jobs
// (Starting + Running). Derived on demand, never cached across requests.
type ResourceUsage struct {
	UsedCPUs     int `json:"used_cpus"`
	UsedMemoryGB int `json:"used_memory_gb"`
	RunningJobs  int `json:"running_jobs"`
}

// CreateRequest is the POST /jobs body.
type CreateRequest struct {
	ClientJobID    string `json:"client_job_id,omitempty"`
	Type           string `json:"type"`
	Command        string `json:"command,omitempty"`
	Task           string `json:"task,omitempty"`
	Context        string `json:"context,omitempty"`
	GitBranch      string `json:"git_branch,omitempty"`
	FilesID        string `json:"files_id,omitempty"`
	Image          string `json:"image,omitempty"`
	CPUs           int    `json:"cpus,omitempty"`
	MemoryGB       int    `json:"memory_gb,omitempty"`
	TimeoutMinutes int    `json:"timeout_minutes,omitempty"`
}

// CreateResponse is the POST /jobs success body. Created is false when an
// idempotent retry resolved to an existing job.
type CreateResponse struct {
	JobID   string `json:"job_id"`
	Status  Status `json:"status"`
	Created bool   `json:"created"`
	Message string `json:"message,omitempty"`
}

// Response is the job projection returned by GET endpoints.
type Response struct {
	ID             string     `json:"id"`
	Type           Type       `json:"type"`
	Status         Status     `json:"status"`
	Command        string     `json:"command,omitempty"`
	Task           string     `json:"task,omitempty"`
	Image          string     `json:"image"`
	CPUs           int        `json:"cpus"`
	MemoryGB       int        `json:"memory_gb"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ElapsedSeconds *int64     `json:"elapsed_seconds,omitempty"`
	DurationSecs   *int64     `json:"duration_seconds,omitempty"`
}

// ListResponse is the GET /jobs body.
type ListResponse struct {
	Jobs  []Response `json:"jobs"`
	Total int        `json:"total"`
}

// Artifact is a file a job left in its artifacts directory.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactsResponse is the GET /jobs/{id}/artifacts body.
type ArtifactsResponse struct {
	Artifacts      []Artifact `json:"artifacts"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
}

// NewResponse projects a Job, deriving elapsed_seconds while running and
// duration_seconds once finished.
func NewResponse(j *Job) Response {
	r := Response{
		ID:             j.ID,
		Type:           j.Type,
		Status:         j.Status,
		Command:        j.Command,
		Task:           j.Task,
		Image:          j.Image,
		CPUs:           j.CPUs,
		MemoryGB:       j.MemoryGB,
		TimeoutMinutes: j.TimeoutMinutes,
		ExitCode:       j.ExitCode,
		Error:          j.Error,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
	if j.StartedAt != nil {
		elapsed := int64(time.Since(*j.StartedAt).Seconds())
		r.ElapsedSeconds = &elapsed
		if j.CompletedAt != nil {
			duration := int64(j.CompletedAt.Sub(*j.StartedAt).Seconds())
			r.DurationSecs = &duration
		}
	}
	return r
}
