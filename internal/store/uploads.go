package store

import (
	"context"
	"fmt"
	"time"

	"flashpods/internal/upload"
)

const uploadColumns = `id, user_id, state, size_bytes, file_count, created_at,
	finalized_at, consumed_at, expires_at, job_id`

type uploadRow struct {
	ID          string  `db:"id"`
	UserID      string  `db:"user_id"`
	State       string  `db:"state"`
	SizeBytes   *int64  `db:"size_bytes"`
	FileCount   *int64  `db:"file_count"`
	CreatedAt   string  `db:"created_at"`
	FinalizedAt *string `db:"finalized_at"`
	ConsumedAt  *string `db:"consumed_at"`
	ExpiresAt   *string `db:"expires_at"`
	JobID       *string `db:"job_id"`
}

func (r uploadRow) toUpload() (*upload.Upload, error) {
	state, err := upload.ParseState(r.State)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", r.ID, err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", r.ID, err)
	}
	finalizedAt, err := parseTimePtr(r.FinalizedAt)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", r.ID, err)
	}
	consumedAt, err := parseTimePtr(r.ConsumedAt)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", r.ID, err)
	}
	expiresAt, err := parseTimePtr(r.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", r.ID, err)
	}

	return &upload.Upload{
		ID:          r.ID,
		UserID:      r.UserID,
		State:       state,
		SizeBytes:   r.SizeBytes,
		FileCount:   r.FileCount,
		CreatedAt:   createdAt,
		FinalizedAt: finalizedAt,
		ConsumedAt:  consumedAt,
		ExpiresAt:   expiresAt,
		JobID:       deref(r.JobID),
	}, nil
}

// GetUpload returns an upload, or (nil, nil) if absent.
func (s *Store) GetUpload(ctx context.Context, id string) (*upload.Upload, error) {
	var row uploadRow
	err := s.db.GetContext(ctx, &row, `SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return row.toUpload()
}

// CreateUpload inserts a new upload in the uploading state.
func (s *Store) CreateUpload(ctx context.Context, id, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (id, user_id, state, created_at, expires_at) VALUES (?, ?, 'uploading', ?, ?)`,
		id, userID, formatTime(time.Now()), formatTime(expiresAt))
	return err
}

// FinalizeUpload records the measured size and count and moves the upload to
// finalized with a refreshed expiry.
func (s *Store) FinalizeUpload(ctx context.Context, id string, sizeBytes, fileCount int64, finalizedAt, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE uploads
		 SET state = 'finalized', size_bytes = ?, file_count = ?, finalized_at = ?, expires_at = ?
		 WHERE id = ?`,
		sizeBytes, fileCount, formatTime(finalizedAt), formatTime(expiresAt), id)
	return err
}

// ConsumeUpload marks an upload consumed and links the owning job.
func (s *Store) ConsumeUpload(ctx context.Context, id, jobID string, consumedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET state = 'consumed', consumed_at = ?, job_id = ? WHERE id = ?`,
		formatTime(consumedAt), jobID, id)
	return err
}

// ExpireUpload marks an upload expired. With activeOnly, only uploading and
// finalized uploads are touched; the return reports whether a row changed.
func (s *Store) ExpireUpload(ctx context.Context, id string, activeOnly bool) (bool, error) {
	query := `UPDATE uploads SET state = 'expired' WHERE id = ?`
	if activeOnly {
		query += ` AND state IN ('uploading', 'finalized')`
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ExpiredUploads returns uploading and finalized uploads whose expiry has
// passed.
func (s *Store) ExpiredUploads(ctx context.Context, now time.Time) ([]upload.Upload, error) {
	var rows []uploadRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+uploadColumns+` FROM uploads
		 WHERE expires_at < ? AND state IN ('uploading', 'finalized')`,
		formatTime(now))
	if err != nil {
		return nil, err
	}

	out := make([]upload.Upload, 0, len(rows))
	for _, r := range rows {
		u, err := r.toUpload()
		if err != nil {
			return nil, err
		}
		out = append(out, *u)
	}
	return out, nil
}

// UploadDiskUsage sums size_bytes over uploading and finalized uploads.
func (s *Store) UploadDiskUsage(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM uploads WHERE state IN ('uploading', 'finalized')`)
	if err != nil {
		return 0, err
	}
	return total, nil
}
