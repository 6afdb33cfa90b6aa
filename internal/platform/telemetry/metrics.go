package telemetry

import (
	"context"

	"github.com/animus-labs/runqueue/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueSnapshot is a point-in-time count of runs by lease state.
type QueueSnapshot struct {
	Queued        int64
	Claimed       int64
	Running       int64
	ExpiredLeases int64
}

// Metrics records claim outcomes, transitions and queue depth.
type Metrics struct {
	claims        metric.Int64Counter
	emptyClaims   metric.Int64Counter
	transitions   metric.Int64Counter
	queueDepth    metric.Int64Gauge
	expiredLeases metric.Int64Gauge
}

func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	var (
		m   Metrics
		err error
	)
	if m.claims, err = meter.Int64Counter("runqueue.claims",
		metric.WithDescription("Runs handed to workers"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.emptyClaims, err = meter.Int64Counter("runqueue.claims.empty",
		metric.WithDescription("Claim calls that found no eligible run"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("runqueue.transitions",
		metric.WithDescription("Run status transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if m.queueDepth, err = meter.Int64Gauge("runqueue.runs",
		metric.WithDescription("Runs by status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	if m.expiredLeases, err = meter.Int64Gauge("runqueue.leases.expired",
		metric.WithDescription("Claimed runs whose lease has lapsed and await reclamation"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) Claimed(ctx context.Context, mode domain.ScheduleMode, reclaimed bool) {
	m.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("schedule_mode", string(mode)),
		attribute.Bool("reclaimed", reclaimed),
	))
}

func (m *Metrics) ClaimEmpty(ctx context.Context) {
	m.emptyClaims.Add(ctx, 1)
}

func (m *Metrics) Transition(ctx context.Context, from, to domain.RunStatus) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *Metrics) ObserveQueue(ctx context.Context, snap QueueSnapshot) {
	m.queueDepth.Record(ctx, snap.Queued, metric.WithAttributes(attribute.String("status", string(domain.RunStatusQueued))))
	m.queueDepth.Record(ctx, snap.Claimed, metric.WithAttributes(attribute.String("status", string(domain.RunStatusClaimed))))
	m.queueDepth.Record(ctx, snap.Running, metric.WithAttributes(attribute.String("status", string(domain.RunStatusRunning))))
	m.expiredLeases.Record(ctx, snap.ExpiredLeases)
}
