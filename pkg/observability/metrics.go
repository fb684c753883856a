package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics carries the instruments used by the record tracker and batch
// manager. A nil *EngineMetrics is valid and records nothing, so callers
// never need to guard instrumentation sites.
type EngineMetrics struct {
	recordsCreated   metric.Int64Counter
	submissions      metric.Int64Counter
	submitDuration   metric.Float64Histogram
	confirmations    metric.Int64Counter
	failures         metric.Int64Counter
	batchSize        metric.Int64Histogram
	verifications    metric.Int64Counter
}

// NewEngineMetrics registers the engine instruments on the provider's meter.
func NewEngineMetrics(p *Provider) (*EngineMetrics, error) {
	meter := p.Meter()
	m := &EngineMetrics{}
	var err error

	if m.recordsCreated, err = meter.Int64Counter("anchor.records.created",
		metric.WithDescription("Records registered for anchoring"),
		metric.WithUnit("{record}"),
	); err != nil {
		return nil, err
	}

	if m.submissions, err = meter.Int64Counter("anchor.submissions.total",
		metric.WithDescription("Submission attempts to the chain adapter"),
		metric.WithUnit("{submission}"),
	); err != nil {
		return nil, err
	}

	if m.submitDuration, err = meter.Float64Histogram("anchor.submission.duration",
		metric.WithDescription("Adapter submission duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	); err != nil {
		return nil, err
	}

	if m.confirmations, err = meter.Int64Counter("anchor.confirmations.total",
		metric.WithDescription("Records and batches confirmed on chain"),
		metric.WithUnit("{confirmation}"),
	); err != nil {
		return nil, err
	}

	if m.failures, err = meter.Int64Counter("anchor.failures.total",
		metric.WithDescription("Failed submission attempts by kind"),
		metric.WithUnit("{failure}"),
	); err != nil {
		return nil, err
	}

	if m.batchSize, err = meter.Int64Histogram("anchor.batch.size",
		metric.WithDescription("Member count of created batches"),
		metric.WithUnit("{record}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
	); err != nil {
		return nil, err
	}

	if m.verifications, err = meter.Int64Counter("anchor.verifications.total",
		metric.WithDescription("Verification runs by outcome"),
		metric.WithUnit("{verification}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *EngineMetrics) RecordCreated(ctx context.Context, recordType string) {
	if m == nil || m.recordsCreated == nil {
		return
	}
	m.recordsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("record.type", recordType),
	))
}

func (m *EngineMetrics) Submission(ctx context.Context, subject string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.Bool("error", err != nil),
	)
	if m.submissions != nil {
		m.submissions.Add(ctx, 1, attrs)
	}
	if m.submitDuration != nil {
		m.submitDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *EngineMetrics) Confirmed(ctx context.Context, subject string) {
	if m == nil || m.confirmations == nil {
		return
	}
	m.confirmations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
	))
}

func (m *EngineMetrics) Failed(ctx context.Context, subject, kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("failure.kind", kind),
	))
}

func (m *EngineMetrics) BatchCreated(ctx context.Context, size int) {
	if m == nil || m.batchSize == nil {
		return
	}
	m.batchSize.Record(ctx, int64(size))
}

func (m *EngineMetrics) Verified(ctx context.Context, outcome string) {
	if m == nil || m.verifications == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verification.outcome", outcome),
	))
}
