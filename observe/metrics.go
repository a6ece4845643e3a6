package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records cache and computation metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordCompute records one run of a wrapped computation.
	RecordCompute(ctx context.Context, meta ResourceMeta, duration time.Duration, err error)

	// RecordLookup records the freshness state observed by a call (miss, fresh, stale).
	RecordLookup(ctx context.Context, meta ResourceMeta, state string)

	// RecordRefreshFailure records a swallowed background refresh failure.
	RecordRefreshFailure(ctx context.Context, meta ResourceMeta, inGrace bool)

	// RecordBackplaneError records a failed backplane operation (read, put).
	RecordBackplaneError(ctx context.Context, meta ResourceMeta, op string)
}

type metricsImpl struct {
	computeTotal    metric.Int64Counter
	computeErrors   metric.Int64Counter
	computeDuration metric.Float64Histogram
	lookups         metric.Int64Counter
	refreshFailures metric.Int64Counter
	backplaneErrors metric.Int64Counter
}

// NewMetrics creates the instruments on the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	return newMetrics(meter)
}

func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	computeTotal, err := meter.Int64Counter(
		"swrr.compute.total",
		metric.WithDescription("Total number of computation runs"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	computeErrors, err := meter.Int64Counter(
		"swrr.compute.errors",
		metric.WithDescription("Total number of failed computation runs"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	computeDuration, err := meter.Float64Histogram(
		"swrr.compute.duration_ms",
		metric.WithDescription("Computation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	lookups, err := meter.Int64Counter(
		"swrr.lookups",
		metric.WithDescription("Calls by observed cache state"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	refreshFailures, err := meter.Int64Counter(
		"swrr.refresh.failures",
		metric.WithDescription("Background refresh failures swallowed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	backplaneErrors, err := meter.Int64Counter(
		"swrr.backplane.errors",
		metric.WithDescription("Failed backplane operations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		computeTotal:    computeTotal,
		computeErrors:   computeErrors,
		computeDuration: computeDuration,
		lookups:         lookups,
		refreshFailures: refreshFailures,
		backplaneErrors: backplaneErrors,
	}, nil
}

func (m *metricsImpl) RecordCompute(ctx context.Context, meta ResourceMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("resource.name", meta.Name))

	m.computeTotal.Add(ctx, 1, opt)
	if err != nil {
		m.computeErrors.Add(ctx, 1, opt)
	}
	m.computeDuration.Record(ctx, float64(duration.Milliseconds()), opt)
}

func (m *metricsImpl) RecordLookup(ctx context.Context, meta ResourceMeta, state string) {
	m.lookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.name", meta.Name),
		attribute.String("state", state),
	))
}

func (m *metricsImpl) RecordRefreshFailure(ctx context.Context, meta ResourceMeta, inGrace bool) {
	m.refreshFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.name", meta.Name),
		attribute.Bool("grace", inGrace),
	))
}

func (m *metricsImpl) RecordBackplaneError(ctx context.Context, meta ResourceMeta, op string) {
	m.backplaneErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource.name", meta.Name),
		attribute.String("op", op),
	))
}

// NewNoopMetrics returns a Metrics that records nothing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

type noopMetrics struct{}

func (m *noopMetrics) RecordCompute(ctx context.Context, meta ResourceMeta, duration time.Duration, err error) {
}
func (m *noopMetrics) RecordLookup(ctx context.Context, meta ResourceMeta, state string) {}
func (m *noopMetrics) RecordRefreshFailure(ctx context.Context, meta ResourceMeta, inGrace bool) {
}
func (m *noopMetrics) RecordBackplaneError(ctx context.Context, meta ResourceMeta, op string) {}
