package dispatchpool

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MetricsSink accepts the engine's structured events. Implementations
// must tolerate concurrent calls from any worker, the queue, the
// processor, or the autoscaler (spec §5, "the metrics sink must
// tolerate concurrent sends"); callers never wait on it.
type MetricsSink interface {
	Enqueued()
	EnqueueRejected(reason RejectReason)
	WorkStarted()
	WorkCompleted(d time.Duration)
	WorkFailed(reason string)
	WorkTimedOut()
	PoolResized(from, to int)
	CircuitBreakerOpened()
	CircuitBreakerClosed()
}

// otelMetricsSink is the default MetricsSink, backed by OpenTelemetry
// counters and a histogram. Grounded on mchenetz-SPLAI's
// internal/observability/metrics.go and szibis-metrics-governor's
// queued-exporter metrics, both of which wrap otel instruments behind
// a small sink interface instead of exposing the meter directly.
type otelMetricsSink struct {
	enqueued       metric.Int64Counter
	rejected       metric.Int64Counter
	started        metric.Int64Counter
	completed      metric.Int64Counter
	completedHist  metric.Float64Histogram
	failed         metric.Int64Counter
	timedOut       metric.Int64Counter
	poolResized    metric.Int64Counter
	breakerOpened  metric.Int64Counter
	breakerClosed  metric.Int64Counter
}

// NewOTelMetricsSink builds a MetricsSink on top of the given
// metric.Meter. Pass noop.NewMeterProvider().Meter("") (or any other
// no-op meter) in tests that don't care about metrics.
func NewOTelMetricsSink(meter metric.Meter) (MetricsSink, error) {
	var err error
	s := &otelMetricsSink{}

	if s.enqueued, err = meter.Int64Counter("dispatch.enqueued"); err != nil {
		return nil, err
	}
	if s.rejected, err = meter.Int64Counter("dispatch.enqueue_rejected"); err != nil {
		return nil, err
	}
	if s.started, err = meter.Int64Counter("dispatch.work_started"); err != nil {
		return nil, err
	}
	if s.completed, err = meter.Int64Counter("dispatch.work_completed"); err != nil {
		return nil, err
	}
	if s.completedHist, err = meter.Float64Histogram("dispatch.work_duration_seconds"); err != nil {
		return nil, err
	}
	if s.failed, err = meter.Int64Counter("dispatch.work_failed"); err != nil {
		return nil, err
	}
	if s.timedOut, err = meter.Int64Counter("dispatch.work_timed_out"); err != nil {
		return nil, err
	}
	if s.poolResized, err = meter.Int64Counter("dispatch.pool_resized"); err != nil {
		return nil, err
	}
	if s.breakerOpened, err = meter.Int64Counter("dispatch.circuit_breaker_opened"); err != nil {
		return nil, err
	}
	if s.breakerClosed, err = meter.Int64Counter("dispatch.circuit_breaker_closed"); err != nil {
		return nil, err
	}
	return s, nil
}

// NewNoopMetricsSink returns a MetricsSink wired to an OpenTelemetry
// no-op meter provider, for callers (and tests) that don't need real
// metrics but still want to exercise the sink's shape.
func NewNoopMetricsSink() MetricsSink {
	meter := noop.NewMeterProvider().Meter("dispatchpool")
	sink, err := NewOTelMetricsSink(meter)
	if err != nil {
		// The no-op meter never fails instrument creation.
		panic(err)
	}
	return sink
}

func (s *otelMetricsSink) Enqueued() {
	s.enqueued.Add(context.Background(), 1)
}

func (s *otelMetricsSink) EnqueueRejected(reason RejectReason) {
	s.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", string(reason))))
}

func (s *otelMetricsSink) WorkStarted() {
	s.started.Add(context.Background(), 1)
}

func (s *otelMetricsSink) WorkCompleted(d time.Duration) {
	s.completed.Add(context.Background(), 1)
	s.completedHist.Record(context.Background(), d.Seconds())
}

func (s *otelMetricsSink) WorkFailed(reason string) {
	s.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *otelMetricsSink) WorkTimedOut() {
	s.timedOut.Add(context.Background(), 1)
}

func (s *otelMetricsSink) PoolResized(from, to int) {
	s.poolResized.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("from", from),
		attribute.Int("to", to),
	))
}

func (s *otelMetricsSink) CircuitBreakerOpened() {
	s.breakerOpened.Add(context.Background(), 1)
}

func (s *otelMetricsSink) CircuitBreakerClosed() {
	s.breakerClosed.Add(context.Background(), 1)
}
