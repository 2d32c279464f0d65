package job

import (
	"context"
	"errors"

	"flashpods/internal/upload"
)

// ErrClientIDConflict is returned by Store.Create when another active job
// already holds the requested client_job_id. The unique index on active
// idempotency mappings surfaces concurrent duplicate submissions as this
// error so the service can resolve them idempotently.
var ErrClientIDConflict = errors.New("client_job_id already mapped to an active job")

// Store is the persistence contract for job records. Reads return (nil, nil)
// for missing rows.
type Store interface {
	// Create persists a new job, recording the client_job_id mapping when
	// one is supplied.
	Create(ctx context.Context, j *Job, clientJobID string) error

	// GetByID returns a job by its server-assigned id.
	GetByID(ctx context.Context, id string) (*Job, error)

	// GetByClientID resolves an active idempotency mapping. Mappings
	// released by cleanup do not resolve.
	GetByClientID(ctx context.Context, clientJobID string) (*Job, error)

	// UpdateStatus transitions a job, stamping started_at on the move to
	// Running and completed_at on the move to any terminal status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	SetContainerID(ctx context.Context, id, containerID string) error
	SetExitCode(ctx context.Context, id string, exitCode int) error
	SetError(ctx context.Context, id, message string) error

	// List returns jobs newest first, optionally filtered by status.
	List(ctx context.Context, status *Status, limit int) ([]Job, error)

	// GetActive returns all Starting and Running jobs.
	GetActive(ctx context.Context) ([]Job, error)

	// GetReclaimable returns jobs in a terminal outcome state awaiting
	// cleanup.
	GetReclaimable(ctx context.Context) ([]Job, error)

	// GetResourceUsage sums resources committed to Starting and Running
	// jobs.
	GetResourceUsage(ctx context.Context) (ResourceUsage, error)

	// ReleaseClientID deactivates a job's idempotency mapping so the
	// client id can be reused after cleanup.
	ReleaseClientID(ctx context.Context, jobID string) error

	// AddArtifact records a file a job left behind; re-recording a name
	// updates it.
	AddArtifact(ctx context.Context, jobID string, a Artifact) error

	// ListArtifacts returns a job's recorded artifacts.
	ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error)
}

// Uploads is the slice of the upload controller job creation depends on.
type Uploads interface {
	Get(ctx context.Context, id string) (*upload.Upload, error)
	Consume(ctx context.Context, id, jobID string) error
}
