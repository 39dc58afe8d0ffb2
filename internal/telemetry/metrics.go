package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/berqenas/dbsync/sync"

// SyncMetrics holds the OpenTelemetry instruments for sync pass metrics
type SyncMetrics struct {
	passDuration   metric.Float64Histogram
	recordsSynced  metric.Int64Counter
	conflictsTotal metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	passDuration, err := meter.Float64Histogram(
		"dbsync_pass_duration_seconds",
		metric.WithDescription("Duration of sync passes in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	recordsSynced, err := meter.Int64Counter(
		"dbsync_records_synced_total",
		metric.WithDescription("Number of records applied across both sides"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsTotal, err := meter.Int64Counter(
		"dbsync_conflicts_total",
		metric.WithDescription("Number of conflicts detected during sync passes"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		passDuration:   passDuration,
		recordsSynced:  recordsSynced,
		conflictsTotal: conflictsTotal,
	}, nil
}

// RecordPassDuration records the duration of a sync pass for a table
func (m *SyncMetrics) RecordPassDuration(ctx context.Context, table string, duration time.Duration, success bool) {
	if m == nil || m.passDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("table", table),
		attribute.Bool("success", success),
	}

	m.passDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRecordsSynced adds the number of records applied during a pass
func (m *SyncMetrics) RecordRecordsSynced(ctx context.Context, table string, count int64) {
	if m == nil || m.recordsSynced == nil {
		return
	}

	m.recordsSynced.Add(ctx, count, metric.WithAttributes(
		attribute.String("table", table),
	))
}

// RecordConflicts adds the number of conflicts seen during a pass, split by
// whether they were parked for manual resolution
func (m *SyncMetrics) RecordConflicts(ctx context.Context, table string, count int64, parked bool) {
	if m == nil || m.conflictsTotal == nil {
		return
	}

	m.conflictsTotal.Add(ctx, count, metric.WithAttributes(
		attribute.String("table", table),
		attribute.Bool("parked", parked),
	))
}
