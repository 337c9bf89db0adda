// Package telemetry provides OpenTelemetry instrumentation for the registry server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PublishMetricsMeterName is the name used for the publish flow metrics meter
const PublishMetricsMeterName = "github.com/stacklok/toolhive-pub-registry/publish"

// Finalize outcomes recorded on thv_pub_finalize_total
const (
	OutcomeSuccess      = "success"
	OutcomeDuplicate    = "duplicate"
	OutcomeNotFound     = "upload_not_found"
	OutcomeMismatch     = "package_mismatch"
	OutcomeUnauthorized = "unauthorized"
	OutcomeError        = "error"
)

// PublishMetrics holds the OpenTelemetry instruments for the upload and finalize flow
type PublishMetrics struct {
	uploadsStaged    metric.Int64Counter
	uploadsExpired   metric.Int64Counter
	archiveSize      metric.Int64Histogram
	finalizeTotal    metric.Int64Counter
	finalizeDuration metric.Float64Histogram
}

// NewPublishMetrics creates a new PublishMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewPublishMetrics(provider metric.MeterProvider) (*PublishMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(PublishMetricsMeterName)

	uploadsStaged, err := meter.Int64Counter(
		"thv_pub_uploads_staged_total",
		metric.WithDescription("Number of package archives accepted into staging"),
		metric.WithUnit("{upload}"),
	)
	if err != nil {
		return nil, err
	}

	uploadsExpired, err := meter.Int64Counter(
		"thv_pub_uploads_expired_total",
		metric.WithDescription("Number of staged uploads removed before they were finalized"),
		metric.WithUnit("{upload}"),
	)
	if err != nil {
		return nil, err
	}

	archiveSize, err := meter.Int64Histogram(
		"thv_pub_archive_size_bytes",
		metric.WithDescription("Size of uploaded package archives"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1<<10, 16<<10, 64<<10, 256<<10, 1<<20, 4<<20, 16<<20, 64<<20),
	)
	if err != nil {
		return nil, err
	}

	finalizeTotal, err := meter.Int64Counter(
		"thv_pub_finalize_total",
		metric.WithDescription("Number of finalize requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	finalizeDuration, err := meter.Float64Histogram(
		"thv_pub_finalize_duration_seconds",
		metric.WithDescription("Duration of finalize operations in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	return &PublishMetrics{
		uploadsStaged:    uploadsStaged,
		uploadsExpired:   uploadsExpired,
		archiveSize:      archiveSize,
		finalizeTotal:    finalizeTotal,
		finalizeDuration: finalizeDuration,
	}, nil
}

// RecordUploadStaged records an archive accepted into staging
func (m *PublishMetrics) RecordUploadStaged(ctx context.Context, packageName string, size int64) {
	if m == nil || m.uploadsStaged == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("package", packageName))
	m.uploadsStaged.Add(ctx, 1, attrs)
	m.archiveSize.Record(ctx, size, attrs)
}

// RecordUploadExpired records a staged upload that timed out
func (m *PublishMetrics) RecordUploadExpired(ctx context.Context) {
	if m == nil || m.uploadsExpired == nil {
		return
	}

	m.uploadsExpired.Add(ctx, 1)
}

// RecordFinalize records the outcome and duration of a finalize operation
func (m *PublishMetrics) RecordFinalize(ctx context.Context, packageName, outcome string, duration time.Duration) {
	if m == nil || m.finalizeTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("package", packageName),
		attribute.String("outcome", outcome),
	)
	m.finalizeTotal.Add(ctx, 1, attrs)
	m.finalizeDuration.Record(ctx, duration.Seconds(), attrs)
}
