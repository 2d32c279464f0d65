// Package reconciler drives the periodic sweep that converges recorded job
// and upload state with what the container runtime and staging disk report.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"flashpods/internal/job"
	"flashpods/internal/observability"
	"flashpods/internal/runtime"
	"flashpods/internal/upload"
	"flashpods/pkg/backoff"
)

// missingExitCode is recorded when a container's real exit code cannot be
// observed: the container vanished, or the runtime reported an exit without
// a code.
const missingExitCode = -1

// startingGrace bounds how long a Starting job may sit without a container.
// Past it the create call is presumed lost (crash between the Starting write
// and container creation) and the job is failed so its admission reservation
// is released.
const startingGrace = time.Minute

// Jobs is the slice of the job controller the sweep drives.
type Jobs interface {
	Active(ctx context.Context) ([]job.Job, error)
	Reclaimable(ctx context.Context) ([]job.Job, error)
	Complete(ctx context.Context, j *job.Job, exitCode int) error
	Timeout(ctx context.Context, j *job.Job) error
	Clean(ctx context.Context, j *job.Job) error
	RecordArtifact(ctx context.Context, jobID string, a job.Artifact) error
}

// Uploads is the slice of the upload controller the sweep drives.
type Uploads interface {
	ObserveStaging(ctx context.Context, userID string) error
	Expired(ctx context.Context) ([]upload.Upload, error)
	MarkExpired(ctx context.Context, id string) error
	DiskUsage(ctx context.Context) (int64, error)
}

var (
	_ Jobs    = (*job.Service)(nil)
	_ Uploads = (*upload.Service)(nil)
)

// Reconciler periodically sweeps active jobs against the runtime, enforces
// deadlines, expires stale uploads, and reclaims terminal jobs. All state it
// acts on is re-read each sweep; nothing is cached between ticks.
type Reconciler struct {
	jobs    Jobs
	uploads Uploads
	rt      runtime.Runtime
	cfg     Config
	metrics *observability.Metrics
	logger  *slog.Logger
	retry   backoff.Config

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New creates a reconciler. Call Start to begin sweeping.
func New(jobs Jobs, uploads Uploads, rt runtime.Runtime, cfg Config, metrics *observability.Metrics) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		jobs:     jobs,
		uploads:  uploads,
		rt:       rt,
		cfg:      cfg,
		metrics:  metrics,
		logger:   slog.With("component", "reconciler"),
		retry:    backoff.Config{Initial: cfg.Interval, Max: time.Minute},
		shutdown: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info("Reconciler started", "interval", r.cfg.Interval)
}

// Close stops the sweep loop, waiting up to the context deadline for an
// in-flight sweep to finish.
func (r *Reconciler) Close(ctx context.Context) error {
	if r.closed.Swap(true) {
		return nil // already closed
	}
	close(r.shutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Reconciler stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("Reconciler shutdown timed out")
		return ctx.Err()
	}
}

// run ticks the sweep, backing off while sweeps fail outright.
func (r *Reconciler) run() {
	defer r.wg.Done()

	failures := 0
	timer := time.NewTimer(r.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-r.shutdown:
			return
		case <-timer.C:
		}

		if err := r.Sweep(context.Background()); err != nil {
			failures++
			delay := r.retry.Duration(failures)
			r.logger.Warn("Sweep failed", "error", err, "consecutiveFailures", failures, "retryIn", delay)
			timer.Reset(delay)
			continue
		}
		failures = 0
		timer.Reset(r.cfg.Interval)
	}
}

// Sweep runs one reconciliation pass. Per-item failures are logged and the
// pass continues; only failures that prevent a whole stage from running are
// returned.
func (r *Reconciler) Sweep(ctx context.Context) error {
	var errs []error
	if err := r.sweepUploads(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.sweepActive(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := r.sweepTerminal(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// sweepUploads registers staging directories that appeared on disk, expires
// overdue uploads, and refreshes the disk usage gauge.
func (r *Reconciler) sweepUploads(ctx context.Context) error {
	if err := r.uploads.ObserveStaging(ctx, "default"); err != nil {
		return err
	}

	expired, err := r.uploads.Expired(ctx)
	if err != nil {
		return err
	}
	for _, u := range expired {
		if err := r.uploads.MarkExpired(ctx, u.ID); err != nil {
			r.logger.Warn("Failed to expire upload", "uploadId", u.ID, "error", err)
			continue
		}
		r.logger.Info("Upload expired", "uploadId", u.ID, "state", u.State)
	}

	usage, err := r.uploads.DiskUsage(ctx)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordUploadDiskUsage(ctx, usage)
	}
	return nil
}

// sweepActive converges every Starting/Running job with its container. A
// vanished container fails the job with an unknown exit code; a past
// deadline times it out.
func (r *Reconciler) sweepActive(ctx context.Context) error {
	active, err := r.jobs.Active(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range active {
		j := &active[i]
		if j.ContainerID == "" {
			// Container creation has not finished. Within the grace window
			// that is normal; beyond it the create call is presumed lost.
			if j.Status == job.StatusStarting && now.Sub(j.CreatedAt) > startingGrace {
				r.logger.Warn("Job never acquired a container", "jobId", j.ID, "createdAt", j.CreatedAt)
				if err := r.jobs.Complete(ctx, j, missingExitCode); err != nil {
					r.logger.Error("Failed to fail containerless job", "jobId", j.ID, "error", err)
				}
			}
			continue
		}

		info, err := r.rt.Inspect(ctx, j.ContainerID)
		if err != nil {
			r.logger.Warn("Failed to inspect container", "jobId", j.ID, "containerId", j.ContainerID, "error", err)
			continue
		}

		switch {
		case info == nil:
			r.logger.Warn("Container vanished", "jobId", j.ID, "containerId", j.ContainerID)
			if err := r.jobs.Complete(ctx, j, missingExitCode); err != nil {
				r.logger.Error("Failed to record vanished container", "jobId", j.ID, "error", err)
			}
		case info.State == runtime.StateExited:
			code := missingExitCode
			if info.ExitCode != nil {
				code = *info.ExitCode
			}
			if err := r.jobs.Complete(ctx, j, code); err != nil {
				r.logger.Error("Failed to complete job", "jobId", j.ID, "error", err)
			}
		default:
			deadline := j.Deadline()
			if !deadline.IsZero() && now.After(deadline) {
				if err := r.jobs.Timeout(ctx, j); err != nil {
					r.logger.Error("Failed to time out job", "jobId", j.ID, "error", err)
				}
			}
		}
	}
	return nil
}

// sweepTerminal records artifacts for and then cleans terminal jobs whose
// completion is older than the clean delay. The delay keeps finished
// containers around briefly for log inspection.
func (r *Reconciler) sweepTerminal(ctx context.Context) error {
	reclaimable, err := r.jobs.Reclaimable(ctx)
	if err != nil {
		return err
	}

	for i := range reclaimable {
		j := &reclaimable[i]
		if j.CompletedAt == nil || time.Since(*j.CompletedAt) < r.cfg.CleanDelay {
			continue
		}

		if err := r.recordArtifacts(ctx, j); err != nil {
			r.logger.Warn("Failed to record artifacts", "jobId", j.ID, "error", err)
		}
		if err := r.jobs.Clean(ctx, j); err != nil {
			r.logger.Warn("Failed to clean job", "jobId", j.ID, "error", err)
		}
	}
	return nil
}

// recordArtifacts persists every file found in the job's artifacts
// directory. A missing directory means the job produced nothing.
func (r *Reconciler) recordArtifacts(ctx context.Context, j *job.Job) error {
	dir := filepath.Join(r.cfg.ArtifactsDir, j.ID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			r.logger.Warn("Failed to stat artifact", "jobId", j.ID, "name", entry.Name(), "error", err)
			continue
		}
		a := job.Artifact{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		}
		if err := r.jobs.RecordArtifact(ctx, j.ID, a); err != nil {
			r.logger.Warn("Failed to record artifact", "jobId", j.ID, "name", a.Name, "error", err)
		}
	}
	return nil
}
