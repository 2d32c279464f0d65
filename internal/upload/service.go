package upload

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"flashpods/internal/apperrors"
	"flashpods/internal/config"
	"flashpods/internal/observability"
)

// Store is the persistence contract the controller depends on. Reads return
// (nil, nil) for missing rows; state-machine decisions live in the service.
type Store interface {
	GetUpload(ctx context.Context, id string) (*Upload, error)
	CreateUpload(ctx context.Context, id, userID string, expiresAt time.Time) error
	FinalizeUpload(ctx context.Context, id string, sizeBytes, fileCount int64, finalizedAt, expiresAt time.Time) error
	ConsumeUpload(ctx context.Context, id, jobID string, consumedAt time.Time) error
	ExpireUpload(ctx context.Context, id string, activeOnly bool) (bool, error)
	ExpiredUploads(ctx context.Context, now time.Time) ([]Upload, error)
	UploadDiskUsage(ctx context.Context) (int64, error)
}

// Service owns the uploading -> finalized -> consumed/expired state machine
// and disk-quota accounting for staged input files. It holds no upload state
// in memory; every decision re-reads the store.
type Service struct {
	store   Store
	cfg     config.UploadConfig
	metrics *observability.Metrics
}

// NewService creates the upload lifecycle controller.
func NewService(store Store, cfg config.UploadConfig, metrics *observability.Metrics) *Service {
	return &Service{store: store, cfg: cfg, metrics: metrics}
}

// Get returns an upload, or (nil, nil) if it does not exist.
func (s *Service) Get(ctx context.Context, id string) (*Upload, error) {
	return s.store.GetUpload(ctx, id)
}

// Register records a newly observed staging area as Uploading with the
// uploading TTL. Safe to call repeatedly for the same id: an existing row,
// whatever its state, is returned unchanged.
func (s *Service) Register(ctx context.Context, id, userID string) (*Upload, error) {
	existing, err := s.store.GetUpload(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("store.getUpload", err)
	}
	if existing != nil {
		return existing, nil
	}

	expiresAt := time.Now().UTC().Add(s.cfg.UploadingTTL)
	if err := s.store.CreateUpload(ctx, id, userID, expiresAt); err != nil {
		return nil, apperrors.Internal("store.createUpload", err)
	}

	slog.Info("Upload registered", "uploadId", id, "expiresAt", expiresAt)

	u, err := s.store.GetUpload(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("store.getUpload", err)
	}
	return u, nil
}

// Finalize performs the one-shot Uploading -> Finalized transition. It
// computes size and file count from the staging directory, enforces the
// per-upload ceiling and the global disk quota (usage over Uploading +
// Finalized uploads), and refreshes the expiry with the longer finalized TTL.
func (s *Service) Finalize(ctx context.Context, id string) (*Upload, error) {
	u, err := s.store.GetUpload(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("store.getUpload", err)
	}
	if u == nil {
		return nil, apperrors.NotFound("upload", id)
	}

	switch u.State {
	case StateUploading:
		// The only state finalize proceeds from.
	case StateFinalized:
		return nil, apperrors.Conflict("already_finalized", "upload", "upload already finalized")
	case StateConsumed:
		return nil, apperrors.Conflict("already_consumed", "upload", "upload already consumed")
	case StateExpired:
		return nil, apperrors.Conflict("upload_expired", "upload", "upload expired")
	}

	sizeBytes, fileCount, err := s.measure(id)
	if err != nil {
		return nil, apperrors.WithCode("upload_unreadable", "upload.measure", err)
	}
	if sizeBytes > s.cfg.MaxUploadBytes {
		return nil, apperrors.Exhausted("upload exceeds per-upload size limit")
	}

	usage, err := s.store.UploadDiskUsage(ctx)
	if err != nil {
		return nil, apperrors.Internal("store.uploadDiskUsage", err)
	}
	if usage+sizeBytes > s.cfg.MaxTotalDiskBytes {
		return nil, apperrors.Exhausted("upload disk quota exceeded")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(s.cfg.FinalizedTTL)
	if err := s.store.FinalizeUpload(ctx, id, sizeBytes, fileCount, now, expiresAt); err != nil {
		return nil, apperrors.Internal("store.finalizeUpload", err)
	}

	slog.Info("Upload finalized", "uploadId", id, "sizeBytes", sizeBytes, "fileCount", fileCount)
	if s.metrics != nil {
		s.metrics.RecordUploadFinalized(ctx, sizeBytes)
	}

	finalized, err := s.store.GetUpload(ctx, id)
	if err != nil {
		return nil, apperrors.Internal("store.getUpload", err)
	}
	return finalized, nil
}

// Consume marks an upload Consumed and links the owning job. Called when the
// job reaches Running; no precondition is enforced at this layer.
func (s *Service) Consume(ctx context.Context, id, jobID string) error {
	if err := s.store.ConsumeUpload(ctx, id, jobID, time.Now().UTC()); err != nil {
		return apperrors.Internal("store.consumeUpload", err)
	}
	slog.Info("Upload consumed", "uploadId", id, "jobId", jobID)
	return nil
}

// Delete soft-deletes an upload by marking it Expired. Only Uploading and
// Finalized uploads are affected; the return reports whether a row changed
// so callers can distinguish "deleted" from "already gone".
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	changed, err := s.store.ExpireUpload(ctx, id, true)
	if err != nil {
		return false, apperrors.Internal("store.expireUpload", err)
	}
	if changed {
		slog.Info("Upload deleted", "uploadId", id)
	}
	return changed, nil
}

// Expired returns all Uploading/Finalized uploads whose expiry has passed,
// for sweep-style reclamation.
func (s *Service) Expired(ctx context.Context) ([]Upload, error) {
	return s.store.ExpiredUploads(ctx, time.Now().UTC())
}

// MarkExpired transitions a swept upload to Expired.
func (s *Service) MarkExpired(ctx context.Context, id string) error {
	if _, err := s.store.ExpireUpload(ctx, id, false); err != nil {
		return apperrors.Internal("store.expireUpload", err)
	}
	if s.metrics != nil {
		s.metrics.RecordUploadExpired(ctx)
	}
	return nil
}

// DiskUsage returns total bytes held by Uploading and Finalized uploads.
func (s *Service) DiskUsage(ctx context.Context) (int64, error) {
	return s.store.UploadDiskUsage(ctx)
}

// ObserveStaging registers any staging directories present on disk that the
// store does not know about yet. Invoked by the reconciler sweep.
func (s *Service) ObserveStaging(ctx context.Context, userID string) error {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := s.Register(ctx, entry.Name(), userID); err != nil {
			slog.Warn("Failed to register staging dir", "uploadId", entry.Name(), "error", err)
		}
	}
	return nil
}

// measure walks the staging directory, summing file sizes and counting
// regular files.
func (s *Service) measure(id string) (sizeBytes, fileCount int64, err error) {
	root := filepath.Join(s.cfg.Dir, id)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		sizeBytes += info.Size()
		fileCount++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return sizeBytes, fileCount, nil
}
