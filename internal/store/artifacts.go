package store

import (
	"context"
	"fmt"

	"flashpods/internal/job"
)

type artifactRow struct {
	JobID     string `db:"job_id"`
	Name      string `db:"name"`
	Path      string `db:"path"`
	SizeBytes int64  `db:"size_bytes"`
	CreatedAt string `db:"created_at"`
}

// AddArtifact records a file produced by a job. Re-recording the same name
// for a job updates it in place.
func (s *Store) AddArtifact(ctx context.Context, jobID string, a job.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (job_id, name, path, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, name) DO UPDATE SET path = excluded.path, size_bytes = excluded.size_bytes`,
		jobID, a.Name, a.Path, a.SizeBytes, formatTime(a.CreatedAt))
	return err
}

// ListArtifacts returns a job's recorded artifacts.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]job.Artifact, error) {
	var rows []artifactRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT job_id, name, path, size_bytes, created_at FROM artifacts WHERE job_id = ? ORDER BY name`,
		jobID)
	if err != nil {
		return nil, err
	}

	out := make([]job.Artifact, 0, len(rows))
	for _, r := range rows {
		createdAt, err := parseTime(r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("artifact %s/%s: %w", r.JobID, r.Name, err)
		}
		out = append(out, job.Artifact{
			Name:      r.Name,
			Path:      r.Path,
			SizeBytes: r.SizeBytes,
			CreatedAt: createdAt,
		})
	}
	return out, nil
}
