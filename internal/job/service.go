package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flashpods/internal/apperrors"
	"flashpods/internal/config"
	"flashpods/internal/observability"
	"flashpods/internal/runtime"
	"flashpods/internal/upload"
)

// Request defaults applied when the caller omits a field.
const (
	DefaultImage          = "ubuntu:22.04"
	DefaultCPUs           = 2
	DefaultMemoryGB       = 4
	DefaultTimeoutMinutes = 30

	// stopGraceSeconds is how long a killed container gets to exit before
	// the hard kill fallback.
	stopGraceSeconds = 10

	// sigkillExitCode is recorded for cancelled jobs, matching the shell
	// convention for SIGKILL.
	sigkillExitCode = 137
)

// Service implements job admission and lifecycle control. It is stateless;
// all job state lives in the store and the container runtime.
type Service struct {
	store   Store
	uploads Uploads
	rt      runtime.Runtime
	cluster config.ClusterConfig
	metrics *observability.Metrics
}

// NewService creates a job service.
func NewService(store Store, uploads Uploads, rt runtime.Runtime, cluster config.ClusterConfig, metrics *observability.Metrics) *Service {
	return &Service{store: store, uploads: uploads, rt: rt, cluster: cluster, metrics: metrics}
}

// Create admits and starts a new job. The flow is: validate, resolve
// idempotency, check the referenced upload, clamp resources, run admission
// against cluster capacity, persist, then start the container. A container
// start failure leaves the job Failed with the error recorded.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	jobType, err := ParseType(req.Type)
	if err != nil {
		return nil, apperrors.Validation("invalid_job_type", "type", err.Error())
	}

	switch jobType {
	case TypeWorker:
		if req.Command == "" {
			return nil, apperrors.Validation("missing_command", "command", "Worker jobs require a 'command' field")
		}
	case TypeAgent:
		if req.Task == "" {
			return nil, apperrors.Validation("missing_task", "task", "Agent jobs require a 'task' field")
		}
	}

	if req.ClientJobID != "" {
		existing, err := s.store.GetByClientID(ctx, req.ClientJobID)
		if err != nil {
			slog.Warn("Idempotency lookup failed", "clientJobId", req.ClientJobID, "error", err)
		} else if existing != nil && existing.Status != StatusCleaned {
			return &CreateResponse{
				JobID:   existing.ID,
				Status:  existing.Status,
				Created: false,
				Message: "Existing job returned (idempotent)",
			}, nil
		}
	}

	if req.FilesID != "" {
		u, err := s.uploads.Get(ctx, req.FilesID)
		if err != nil {
			return nil, apperrors.Internal("uploads.get", err)
		}
		if u == nil {
			return nil, apperrors.NotFound("upload", req.FilesID)
		}
		if u.State != upload.StateFinalized {
			return nil, apperrors.Conflict("upload_not_finalized", "upload",
				fmt.Sprintf("Upload %s is in %s state, must be finalized", req.FilesID, u.State))
		}
	}

	applyDefaults(&req)
	limits := LimitsFor(jobType)
	cpus, memoryGB, timeoutMinutes := limits.Clamp(req.CPUs, req.MemoryGB, req.TimeoutMinutes)

	// Admission is advisory: a usage-query failure is logged and the job
	// admitted rather than turned away on a store hiccup.
	if usage, err := s.store.GetResourceUsage(ctx); err != nil {
		slog.Error("Failed to get resource usage", "error", err)
	} else {
		if usage.UsedCPUs+cpus > s.cluster.MaxCPUs {
			if s.metrics != nil {
				s.metrics.RecordAdmissionRejected(ctx, string(jobType))
			}
			return nil, apperrors.Exhausted(fmt.Sprintf("Insufficient CPU: %d used, %d requested, %d max",
				usage.UsedCPUs, cpus, s.cluster.MaxCPUs))
		}
		if usage.UsedMemoryGB+memoryGB > s.cluster.MaxMemoryGB {
			if s.metrics != nil {
				s.metrics.RecordAdmissionRejected(ctx, string(jobType))
			}
			return nil, apperrors.Exhausted(fmt.Sprintf("Insufficient memory: %dGB used, %dGB requested, %dGB max",
				usage.UsedMemoryGB, memoryGB, s.cluster.MaxMemoryGB))
		}
	}

	j := &Job{
		ID:             NewID(),
		UserID:         "default",
		Type:           jobType,
		Status:         StatusPending,
		Command:        req.Command,
		Task:           req.Task,
		Context:        req.Context,
		GitBranch:      req.GitBranch,
		FilesID:        req.FilesID,
		Image:          req.Image,
		CPUs:           cpus,
		MemoryGB:       memoryGB,
		TimeoutMinutes: timeoutMinutes,
		CreatedAt:      time.Now().UTC(),
	}

	if err := s.store.Create(ctx, j, req.ClientJobID); err != nil {
		if errors.Is(err, ErrClientIDConflict) {
			// A concurrent request won the mapping; resolve to its job.
			existing, lookupErr := s.store.GetByClientID(ctx, req.ClientJobID)
			if lookupErr == nil && existing != nil {
				return &CreateResponse{
					JobID:   existing.ID,
					Status:  existing.Status,
					Created: false,
					Message: "Existing job returned (idempotent)",
				}, nil
			}
		}
		return nil, apperrors.Internal("store.create", err)
	}

	slog.Info("Job created", "jobId", j.ID, "type", j.Type, "cpus", cpus, "memoryGb", memoryGB)

	if err := s.store.UpdateStatus(ctx, j.ID, StatusStarting); err != nil {
		slog.Warn("Failed to update status to starting", "jobId", j.ID, "error", err)
	}

	containerID, err := s.rt.Create(ctx, &runtime.ContainerConfig{
		JobID:     j.ID,
		Workload:  runtime.Workload(jobType),
		UploadID:  j.FilesID,
		Image:     j.Image,
		Command:   j.Command,
		CPUs:      j.CPUs,
		MemoryGB:  j.MemoryGB,
		Task:      j.Task,
		Context:   j.Context,
		GitBranch: j.GitBranch,
	})
	if err != nil {
		slog.Error("Failed to start container", "jobId", j.ID, "error", err)
		if updateErr := s.store.UpdateStatus(ctx, j.ID, StatusFailed); updateErr != nil {
			slog.Error("Failed to update job status", "jobId", j.ID, "error", updateErr)
		}
		if setErr := s.store.SetError(ctx, j.ID, err.Error()); setErr != nil {
			slog.Error("Failed to set job error", "jobId", j.ID, "error", setErr)
		}
		return nil, apperrors.WithCode("container_start_failed", "runtime.create", err)
	}

	if err := s.store.SetContainerID(ctx, j.ID, containerID); err != nil {
		slog.Error("Failed to set container ID", "jobId", j.ID, "error", err)
	}
	if err := s.store.UpdateStatus(ctx, j.ID, StatusRunning); err != nil {
		slog.Error("Failed to update job status", "jobId", j.ID, "error", err)
	}
	if j.FilesID != "" {
		if err := s.uploads.Consume(ctx, j.FilesID, j.ID); err != nil {
			slog.Error("Failed to consume upload", "uploadId", j.FilesID, "jobId", j.ID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordJobCreated(ctx, string(jobType))
	}
	slog.Info("Job running", "jobId", j.ID, "containerId", containerID)

	return &CreateResponse{JobID: j.ID, Status: StatusRunning, Created: true}, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	j, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("store.getByID", err)
	}
	if j == nil {
		return nil, apperrors.NotFound("job", id)
	}
	return j, nil
}

// KillResponse is the DELETE /jobs/{id} body.
type KillResponse struct {
	JobID   string `json:"job_id"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

// Kill cancels a job. Terminal jobs and jobs already in cleanup are refused.
// The container gets a graceful stop, then a hard kill; either way the job
// is recorded Cancelled with the SIGKILL exit code.
func (s *Service) Kill(ctx context.Context, id string) (*KillResponse, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if j.Status.RejectsKill() {
		return nil, apperrors.Conflict("job_already_terminal", "job",
			fmt.Sprintf("Job %s is already in terminal state: %s", id, j.Status))
	}

	if j.ContainerID != "" {
		if err := s.rt.Stop(ctx, j.ContainerID, stopGraceSeconds); err != nil {
			slog.Warn("Failed to stop container", "containerId", j.ContainerID, "error", err)
			if killErr := s.rt.Kill(ctx, j.ContainerID); killErr != nil {
				slog.Warn("Failed to kill container", "containerId", j.ContainerID, "error", killErr)
			}
		}
	}

	if err := s.store.UpdateStatus(ctx, id, StatusCancelled); err != nil {
		slog.Error("Failed to update job status", "jobId", id, "error", err)
	}
	if err := s.store.SetExitCode(ctx, id, sigkillExitCode); err != nil {
		slog.Error("Failed to set exit code", "jobId", id, "error", err)
	}

	if s.metrics != nil {
		elapsed := 0.0
		if j.StartedAt != nil {
			elapsed = time.Since(*j.StartedAt).Seconds()
		}
		s.metrics.RecordJobCompleted(ctx, string(j.Type), string(StatusCancelled), elapsed)
	}
	slog.Info("Job cancelled", "jobId", id)

	return &KillResponse{JobID: id, Status: StatusCancelled, Message: "Job termination initiated"}, nil
}

// List returns jobs newest first. Limit defaults to 20 and caps at 100; an
// unknown status filter is a validation error.
func (s *Service) List(ctx context.Context, statusFilter string, limit int) (*ListResponse, error) {
	var status *Status
	if statusFilter != "" {
		parsed, err := ParseStatus(statusFilter)
		if err != nil {
			return nil, apperrors.Validation("invalid_status", "status", err.Error())
		}
		status = &parsed
	}

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	jobs, err := s.store.List(ctx, status, limit)
	if err != nil {
		return nil, apperrors.Internal("store.list", err)
	}

	responses := make([]Response, 0, len(jobs))
	for i := range jobs {
		responses = append(responses, NewResponse(&jobs[i]))
	}
	return &ListResponse{Jobs: responses, Total: len(responses)}, nil
}

// Active returns all Starting and Running jobs, for the reconciler sweep.
func (s *Service) Active(ctx context.Context) ([]Job, error) {
	return s.store.GetActive(ctx)
}

// Reclaimable returns terminal jobs awaiting cleanup, for the reconciler
// sweep.
func (s *Service) Reclaimable(ctx context.Context) ([]Job, error) {
	return s.store.GetReclaimable(ctx)
}

// Complete records a terminal outcome observed from the container runtime.
// A zero exit code completes the job; anything else fails it.
func (s *Service) Complete(ctx context.Context, j *Job, exitCode int) error {
	status := StatusCompleted
	if exitCode != 0 {
		status = StatusFailed
	}

	if err := s.store.SetExitCode(ctx, j.ID, exitCode); err != nil {
		return apperrors.Internal("store.setExitCode", err)
	}
	if err := s.store.UpdateStatus(ctx, j.ID, status); err != nil {
		return apperrors.Internal("store.updateStatus", err)
	}

	if s.metrics != nil {
		elapsed := 0.0
		if j.StartedAt != nil {
			elapsed = time.Since(*j.StartedAt).Seconds()
		}
		s.metrics.RecordJobCompleted(ctx, string(j.Type), string(status), elapsed)
	}
	slog.Info("Job finished", "jobId", j.ID, "status", status, "exitCode", exitCode)
	return nil
}

// Timeout stops a job past its deadline and records it TimedOut.
func (s *Service) Timeout(ctx context.Context, j *Job) error {
	if j.ContainerID != "" {
		if err := s.rt.Stop(ctx, j.ContainerID, stopGraceSeconds); err != nil {
			slog.Warn("Failed to stop timed-out container", "containerId", j.ContainerID, "error", err)
			if killErr := s.rt.Kill(ctx, j.ContainerID); killErr != nil {
				slog.Warn("Failed to kill timed-out container", "containerId", j.ContainerID, "error", killErr)
			}
		}
	}

	if err := s.store.SetExitCode(ctx, j.ID, sigkillExitCode); err != nil {
		slog.Error("Failed to set exit code", "jobId", j.ID, "error", err)
	}
	if err := s.store.UpdateStatus(ctx, j.ID, StatusTimedOut); err != nil {
		return apperrors.Internal("store.updateStatus", err)
	}

	if s.metrics != nil {
		elapsed := 0.0
		if j.StartedAt != nil {
			elapsed = time.Since(*j.StartedAt).Seconds()
		}
		s.metrics.RecordJobCompleted(ctx, string(j.Type), string(StatusTimedOut), elapsed)
	}
	slog.Warn("Job timed out", "jobId", j.ID, "timeoutMinutes", j.TimeoutMinutes)
	return nil
}

// Clean reclaims a terminal job's container and releases its idempotency
// mapping. Jobs in a terminal outcome state are eligible, as is a job
// already in Cleaning: a removal failure leaves the job there, and the
// next sweep resumes from the removal step.
func (s *Service) Clean(ctx context.Context, j *Job) error {
	switch {
	case j.Status.IsTerminal():
		if err := s.store.UpdateStatus(ctx, j.ID, StatusCleaning); err != nil {
			return apperrors.Internal("store.updateStatus", err)
		}
	case j.Status == StatusCleaning:
		// Resuming a previously failed cleanup.
	default:
		return apperrors.Conflict("job_not_terminal", "job",
			fmt.Sprintf("Job %s is not terminal: %s", j.ID, j.Status))
	}

	if j.ContainerID != "" {
		if err := s.rt.Remove(ctx, j.ContainerID); err != nil {
			slog.Warn("Failed to remove container", "containerId", j.ContainerID, "error", err)
			return apperrors.Internal("runtime.remove", err)
		}
	}

	if err := s.store.UpdateStatus(ctx, j.ID, StatusCleaned); err != nil {
		return apperrors.Internal("store.updateStatus", err)
	}
	if err := s.store.ReleaseClientID(ctx, j.ID); err != nil {
		slog.Warn("Failed to release client id", "jobId", j.ID, "error", err)
	}

	slog.Info("Job cleaned", "jobId", j.ID)
	return nil
}

// Artifacts returns the recorded artifacts for a job.
func (s *Service) Artifacts(ctx context.Context, id string) (*ArtifactsResponse, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	artifacts, err := s.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("store.listArtifacts", err)
	}

	resp := &ArtifactsResponse{Artifacts: artifacts}
	for _, a := range artifacts {
		resp.TotalSizeBytes += a.SizeBytes
	}
	if resp.Artifacts == nil {
		resp.Artifacts = []Artifact{}
	}
	return resp, nil
}

// RecordArtifact stores an artifact observed in a job's artifacts directory.
func (s *Service) RecordArtifact(ctx context.Context, jobID string, a Artifact) error {
	if err := s.store.AddArtifact(ctx, jobID, a); err != nil {
		return apperrors.Internal("store.addArtifact", err)
	}
	return nil
}

// Usage returns resources currently committed to active jobs.
func (s *Service) Usage(ctx context.Context) (ResourceUsage, error) {
	return s.store.GetResourceUsage(ctx)
}

func applyDefaults(req *CreateRequest) {
	if req.Image == "" {
		req.Image = DefaultImage
	}
	if req.CPUs == 0 {
		req.CPUs = DefaultCPUs
	}
	if req.MemoryGB == 0 {
		req.MemoryGB = DefaultMemoryGB
	}
	if req.TimeoutMinutes == 0 {
		req.TimeoutMinutes = DefaultTimeoutMinutes
	}
}
