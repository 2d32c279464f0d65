package api

import (
	"net/http"

	"flashpods/internal/health"
	"flashpods/internal/job"
	"flashpods/internal/observability"
	"flashpods/internal/upload"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	UploadService *upload.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIToken      string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.UploadService, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health probes - no auth required
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job and upload endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIToken)
	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	mux.Handle("POST /jobs", protect(handler.CreateJob))
	mux.Handle("GET /jobs", protect(handler.ListJobs))
	mux.Handle("GET /jobs/{jobId}", protect(handler.GetJob))
	mux.Handle("DELETE /jobs/{jobId}", protect(handler.DeleteJob))
	mux.Handle("GET /jobs/{jobId}/output", protect(handler.GetJobOutput))
	mux.Handle("GET /jobs/{jobId}/artifacts", protect(handler.GetJobArtifacts))

	mux.Handle("POST /uploads/{uploadId}/finalize", protect(handler.FinalizeUpload))
	mux.Handle("GET /uploads/{uploadId}", protect(handler.GetUpload))
	mux.Handle("DELETE /uploads/{uploadId}", protect(handler.DeleteUpload))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RequestIDMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
