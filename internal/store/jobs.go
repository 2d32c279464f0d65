package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"flashpods/internal/job"
)

const jobColumns = `id, user_id, job_type, status, command, task, context, git_branch,
	files_id, image, cpus, memory_gb, timeout_minutes, container_id,
	exit_code, error, created_at, started_at, completed_at`

type jobRow struct {
	ID             string  `db:"id"`
	UserID         string  `db:"user_id"`
	JobType        string  `db:"job_type"`
	Status         string  `db:"status"`
	Command        *string `db:"command"`
	Task           *string `db:"task"`
	Context        *string `db:"context"`
	GitBranch      *string `db:"git_branch"`
	FilesID        *string `db:"files_id"`
	Image          string  `db:"image"`
	CPUs           int     `db:"cpus"`
	MemoryGB       int     `db:"memory_gb"`
	TimeoutMinutes int     `db:"timeout_minutes"`
	ContainerID    *string `db:"container_id"`
	ExitCode       *int    `db:"exit_code"`
	Error          *string `db:"error"`
	CreatedAt      string  `db:"created_at"`
	StartedAt      *string `db:"started_at"`
	CompletedAt    *string `db:"completed_at"`
}

func (r jobRow) toJob() (*job.Job, error) {
	jobType, err := job.ParseType(r.JobType)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.ID, err)
	}
	status, err := job.ParseStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.ID, err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.ID, err)
	}
	startedAt, err := parseTimePtr(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.ID, err)
	}
	completedAt, err := parseTimePtr(r.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", r.ID, err)
	}

	return &job.Job{
		ID:             r.ID,
		UserID:         r.UserID,
		Type:           jobType,
		Status:         status,
		Command:        deref(r.Command),
		Task:           deref(r.Task),
		Context:        deref(r.Context),
		GitBranch:      deref(r.GitBranch),
		FilesID:        deref(r.FilesID),
		Image:          r.Image,
		CPUs:           r.CPUs,
		MemoryGB:       r.MemoryGB,
		TimeoutMinutes: r.TimeoutMinutes,
		ContainerID:    deref(r.ContainerID),
		ExitCode:       r.ExitCode,
		Error:          deref(r.Error),
		CreatedAt:      createdAt,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create persists a job and, when clientJobID is set, its idempotency
// mapping in one transaction. A duplicate active mapping surfaces as
// job.ErrClientIDConflict.
func (s *Store) Create(ctx context.Context, j *job.Job, clientJobID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, job_type, status, command, task, context, git_branch,
		                   files_id, image, cpus, memory_gb, timeout_minutes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, string(j.Type), string(j.Status),
		nullable(j.Command), nullable(j.Task), nullable(j.Context), nullable(j.GitBranch),
		nullable(j.FilesID), j.Image, j.CPUs, j.MemoryGB, j.TimeoutMinutes,
		formatTime(j.CreatedAt))
	if err != nil {
		return err
	}

	if clientJobID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (client_job_id, job_id, active) VALUES (?, ?, 1)`,
			clientJobID, j.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return job.ErrClientIDConflict
			}
			return err
		}
	}

	return tx.Commit()
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure. The modernc driver does not export typed errors, so this matches
// on the SQLITE_CONSTRAINT_UNIQUE message text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetByID returns a job, or (nil, nil) if absent.
func (s *Store) GetByID(ctx context.Context, id string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return row.toJob()
}

// GetByClientID resolves an active idempotency mapping to its job, or
// (nil, nil) when no active mapping exists.
func (s *Store) GetByClientID(ctx context.Context, clientJobID string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT j.id, j.user_id, j.job_type, j.status, j.command, j.task, j.context, j.git_branch,
		        j.files_id, j.image, j.cpus, j.memory_gb, j.timeout_minutes, j.container_id,
		        j.exit_code, j.error, j.created_at, j.started_at, j.completed_at
		 FROM jobs j
		 JOIN idempotency_keys ik ON j.id = ik.job_id
		 WHERE ik.client_job_id = ? AND ik.active = 1`,
		clientJobID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return row.toJob()
}

// UpdateStatus transitions a job, stamping started_at on the move to
// running and completed_at on any terminal status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	now := formatTime(time.Now())

	var err error
	switch {
	case status == job.StatusRunning:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
			string(status), now, id)
	case status.IsTerminal():
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ?`,
			string(status), now, id)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ? WHERE id = ?`,
			string(status), id)
	}
	return err
}

// SetContainerID records the container backing a job.
func (s *Store) SetContainerID(ctx context.Context, id, containerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET container_id = ? WHERE id = ?`, containerID, id)
	return err
}

// SetExitCode records a job's container exit code.
func (s *Store) SetExitCode(ctx context.Context, id string, exitCode int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET exit_code = ? WHERE id = ?`, exitCode, id)
	return err
}

// SetError records a job's failure message.
func (s *Store) SetError(ctx context.Context, id, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET error = ? WHERE id = ?`, message, id)
	return err
}

// List returns jobs newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status *job.Status, limit int) ([]job.Job, error) {
	var rows []jobRow
	var err error
	if status != nil {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
			string(*status), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, err
	}
	return rowsToJobs(rows)
}

// GetActive returns all starting and running jobs.
func (s *Store) GetActive(ctx context.Context) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ('starting', 'running')`)
	if err != nil {
		return nil, err
	}
	return rowsToJobs(rows)
}

// GetReclaimable returns jobs awaiting cleanup, oldest first so
// long-finished jobs are reclaimed before fresh ones. Cleaning is included
// so an interrupted cleanup is retried on the next sweep.
func (s *Store) GetReclaimable(ctx context.Context) ([]job.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('completed', 'failed', 'timed_out', 'cancelled', 'cleaning')
		 ORDER BY completed_at ASC`)
	if err != nil {
		return nil, err
	}
	return rowsToJobs(rows)
}

// GetResourceUsage sums resources committed to starting and running jobs.
func (s *Store) GetResourceUsage(ctx context.Context) (job.ResourceUsage, error) {
	var row struct {
		CPUs   *int `db:"cpus"`
		Memory *int `db:"memory"`
		Count  int  `db:"count"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT SUM(cpus) AS cpus, SUM(memory_gb) AS memory, COUNT(*) AS count
		 FROM jobs WHERE status IN ('starting', 'running')`)
	if err != nil {
		return job.ResourceUsage{}, err
	}

	usage := job.ResourceUsage{RunningJobs: row.Count}
	if row.CPUs != nil {
		usage.UsedCPUs = *row.CPUs
	}
	if row.Memory != nil {
		usage.UsedMemoryGB = *row.Memory
	}
	return usage, nil
}

// ReleaseClientID deactivates a job's idempotency mapping so the client id
// can be reused after cleanup.
func (s *Store) ReleaseClientID(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE idempotency_keys SET active = 0 WHERE job_id = ?`, jobID)
	return err
}

func rowsToJobs(rows []jobRow) ([]job.Job, error) {
	out := make([]job.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}
