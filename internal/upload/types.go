// Package upload implements the upload staging lifecycle controller.
package upload

import (
	"fmt"
	"time"
)

// State is the upload lifecycle state.
//
// Uploading -> Finalized -> Consumed; Uploading|Finalized -> Expired.
// Consumed and Expired are final.
type State string

const (
	StateUploading State = "uploading"
	StateFinalized State = "finalized"
	StateConsumed  State = "consumed"
	StateExpired   State = "expired"
)

// ParseState parses the storage representation of an upload state.
// An unrecognized value is a data-integrity error, not a fallback.
func ParseState(s string) (State, error) {
	switch s {
	case "uploading":
		return StateUploading, nil
	case "finalized":
		return StateFinalized, nil
	case "consumed":
		return StateConsumed, nil
	case "expired":
		return StateExpired, nil
	default:
		return "", fmt.Errorf("invalid upload state: %q", s)
	}
}

// Upload is the durable record of a staged set of input files. SizeBytes
// and FileCount are populated from Finalized onward and immutable once set.
type Upload struct {
	ID          string
	UserID      string
	State       State
	SizeBytes   *int64
	FileCount   *int64
	CreatedAt   time.Time
	FinalizedAt *time.Time
	ConsumedAt  *time.Time
	ExpiresAt   *time.Time
	JobID       string
}

// Response is the upload projection returned by the API.
type Response struct {
	UploadID    string     `json:"upload_id"`
	State       State      `json:"state"`
	SizeBytes   *int64     `json:"size_bytes,omitempty"`
	FileCount   *int64     `json:"file_count,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// NewResponse projects an Upload.
func NewResponse(u *Upload) Response {
	return Response{
		UploadID:    u.ID,
		State:       u.State,
		SizeBytes:   u.SizeBytes,
		FileCount:   u.FileCount,
		CreatedAt:   u.CreatedAt,
		FinalizedAt: u.FinalizedAt,
		ExpiresAt:   u.ExpiresAt,
	}
}
