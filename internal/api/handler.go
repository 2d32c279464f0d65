// Package api provides the HTTP handlers and routing for the flashpods
// control plane.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"flashpods/internal/apperrors"
	"flashpods/internal/health"
	"flashpods/internal/job"
	"flashpods/internal/upload"
)

// maxRequestBodySize limits request bodies to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Handler contains the HTTP handlers for the flashpods API
type Handler struct {
	jobs    *job.Service
	uploads *upload.Service
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(jobs *job.Service, uploads *upload.Service, healthChecker *health.Checker) *Handler {
	return &Handler{
		jobs:    jobs,
		uploads: uploads,
		health:  healthChecker,
	}
}

// CreateJob handles POST /jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_body", "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.jobs.Create(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !resp.Created {
		status = http.StatusOK
	}
	h.writeJSON(w, status, resp)
}

// ListJobs handles GET /jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
			return
		}
		limit = parsed
	}

	resp, err := h.jobs.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_job_id", "Job ID is required")
		return
	}

	j, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, job.NewResponse(j))
}

// DeleteJob handles DELETE /jobs/{jobId} - cancellation
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_job_id", "Job ID is required")
		return
	}

	resp, err := h.jobs.Kill(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// outputResponse is the GET /jobs/{jobId}/output body. Log capture is not
// implemented yet; the shape is fixed so clients can already code against it.
type outputResponse struct {
	Output     string `json:"output"`
	Lines      int    `json:"lines"`
	Truncated  bool   `json:"truncated"`
	TotalBytes int64  `json:"total_bytes"`
}

// GetJobOutput handles GET /jobs/{jobId}/output
func (h *Handler) GetJobOutput(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if _, err := h.jobs.Get(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, outputResponse{})
}

// GetJobArtifacts handles GET /jobs/{jobId}/artifacts
func (h *Handler) GetJobArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	resp, err := h.jobs.Artifacts(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// FinalizeUpload handles POST /uploads/{uploadId}/finalize
func (h *Handler) FinalizeUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	if uploadID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_upload_id", "Upload ID is required")
		return
	}

	u, err := h.uploads.Finalize(r.Context(), uploadID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, upload.NewResponse(u))
}

// GetUpload handles GET /uploads/{uploadId}
func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	u, err := h.uploads.Get(r.Context(), uploadID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if u == nil {
		h.handleError(w, r, apperrors.NotFound("upload", uploadID))
		return
	}

	h.writeJSON(w, http.StatusOK, upload.NewResponse(u))
}

// DeleteUpload handles DELETE /uploads/{uploadId} - soft delete
func (h *Handler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")

	deleted, err := h.uploads.Delete(r.Context(), uploadID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !deleted {
		h.handleError(w, r, apperrors.NotFound("upload", uploadID))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"upload_id": uploadID,
		"state":     string(upload.StateExpired),
	})
}

// Health handles GET /health - liveness probe, no state dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the database or container runtime is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response with a stable machine-readable code
func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// handleError maps service-layer errors to HTTP responses.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, apperrors.Code(err), err.Error())
}
