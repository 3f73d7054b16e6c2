// Package observability provides a metrics extension that records
// driver lifecycle counts through OpenTelemetry. Register it with
// asynqlite.WithExtension to track submission rates, completions,
// failures, contention retries, stray replies, and worker crashes.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/asynqlite/hook"
	"github.com/xraph/asynqlite/proto"
)

// meterName is the instrumentation scope name for the extension.
const meterName = "github.com/xraph/asynqlite/observability"

// Compile-time interface checks.
var (
	_ hook.Extension     = (*MetricsExtension)(nil)
	_ hook.JobSubmitted  = (*MetricsExtension)(nil)
	_ hook.JobCompleted  = (*MetricsExtension)(nil)
	_ hook.JobFailed     = (*MetricsExtension)(nil)
	_ hook.JobRetrying   = (*MetricsExtension)(nil)
	_ hook.StrayReply    = (*MetricsExtension)(nil)
	_ hook.WorkerCrashed = (*MetricsExtension)(nil)
)

// MetricsExtension records driver-wide lifecycle metrics. If no
// MeterProvider is configured globally, the instruments are noops and
// the extension costs nothing.
type MetricsExtension struct {
	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	strays    metric.Int64Counter
	crashes   metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. Use this variant to inject a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}
	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.submitted, _ = meter.Int64Counter("asynqlite.job.submitted",
		metric.WithDescription("Jobs accepted by the dispatcher"),
		metric.WithUnit("{job}"))
	m.completed, _ = meter.Int64Counter("asynqlite.job.completed",
		metric.WithDescription("Jobs that finished successfully"),
		metric.WithUnit("{job}"))
	m.failed, _ = meter.Int64Counter("asynqlite.job.failed",
		metric.WithDescription("Jobs that failed terminally"),
		metric.WithUnit("{job}"))
	m.retried, _ = meter.Int64Counter("asynqlite.job.retried",
		metric.WithDescription("Contention retries"),
		metric.WithUnit("{retry}"))
	m.strays, _ = meter.Int64Counter("asynqlite.worker.stray_replies",
		metric.WithDescription("Replies discarded for id mismatch"),
		metric.WithUnit("{reply}"))
	m.crashes, _ = meter.Int64Counter("asynqlite.worker.crashes",
		metric.WithDescription("Worker runtimes that died unrecoverably"),
		metric.WithUnit("{crash}"))
	m.duration, _ = meter.Float64Histogram("asynqlite.job.wall_time",
		metric.WithDescription("Time from hand-off to a worker until the reply, in seconds"),
		metric.WithUnit("s"))
	return m
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobSubmitted implements hook.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *proto.Message) error {
	m.submitted.Add(ctx, 1, methodAttr(j))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *proto.Message, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, methodAttr(j))
	m.duration.Record(ctx, elapsed.Seconds(), methodAttr(j))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *proto.Message, _ error) error {
	m.failed.Add(ctx, 1, methodAttr(j))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *proto.Message, _ int, _ time.Duration) error {
	m.retried.Add(ctx, 1, methodAttr(j))
	return nil
}

// OnStrayReply implements hook.StrayReply.
func (m *MetricsExtension) OnStrayReply(ctx context.Context, handleID int, _ int64) error {
	m.strays.Add(ctx, 1, metric.WithAttributes(attribute.Int("handle_id", handleID)))
	return nil
}

// OnWorkerCrashed implements hook.WorkerCrashed.
func (m *MetricsExtension) OnWorkerCrashed(ctx context.Context, handleID int, _ error) error {
	m.crashes.Add(ctx, 1, metric.WithAttributes(attribute.Int("handle_id", handleID)))
	return nil
}

func methodAttr(j *proto.Message) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("method", string(j.Method)))
}
