package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs, upload disk)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration       metric.Float64Histogram
	JobsTotal         metric.Int64Counter
	JobErrorsTotal    metric.Int64Counter
	JobsActive        metric.Int64UpDownCounter
	AdmissionRejected metric.Int64Counter

	// Upload metrics (Traffic, Saturation)
	UploadsFinalized metric.Int64Counter
	UploadsExpired   metric.Int64Counter
	UploadBytes      metric.Int64Counter
	UploadDiskUsage  metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("flashpods")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently active jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.AdmissionRejected, err = meter.Int64Counter(
		"admission_rejected_total",
		metric.WithDescription("Total jobs rejected by cluster capacity admission"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Upload metrics
	m.UploadsFinalized, err = meter.Int64Counter(
		"uploads_finalized_total",
		metric.WithDescription("Total uploads finalized"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UploadsExpired, err = meter.Int64Counter(
		"uploads_expired_total",
		metric.WithDescription("Total uploads expired or deleted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UploadBytes, err = meter.Int64Counter(
		"upload_bytes_total",
		metric.WithDescription("Total bytes accepted across finalized uploads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.UploadDiskUsage, err = meter.Int64Gauge(
		"upload_disk_usage_bytes",
		metric.WithDescription("Bytes held by active uploads (saturation)"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job being created.
func (m *Metrics) RecordJobCreated(ctx context.Context, jobType string) {
	attrs := metric.WithAttributes(jobTypeAttr(jobType))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, jobType, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(jobTypeAttr(jobType), outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(jobTypeAttr(jobType)))

	if outcome != "completed" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordAdmissionRejected records a job turned away at capacity admission.
func (m *Metrics) RecordAdmissionRejected(ctx context.Context, jobType string) {
	m.AdmissionRejected.Add(ctx, 1, metric.WithAttributes(jobTypeAttr(jobType)))
}

// RecordUploadFinalized records an upload being finalized.
func (m *Metrics) RecordUploadFinalized(ctx context.Context, sizeBytes int64) {
	m.UploadsFinalized.Add(ctx, 1)
	m.UploadBytes.Add(ctx, sizeBytes)
}

// RecordUploadExpired records an upload expiring or being deleted.
func (m *Metrics) RecordUploadExpired(ctx context.Context) {
	m.UploadsExpired.Add(ctx, 1)
}

// RecordUploadDiskUsage records the current bytes held by active uploads.
func (m *Metrics) RecordUploadDiskUsage(ctx context.Context, bytes int64) {
	m.UploadDiskUsage.Record(ctx, bytes)
}
