package quorum

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

// Metrics holds the quorum instruments. A nil *Metrics records nothing.
type Metrics struct {
	latency    metric.Int64Histogram
	unexpected metric.Int64Counter
	conflicts  metric.Int64Counter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("quorumdb/internal/quorum")
	m := &Metrics{}
	var err error

	m.latency, err = meter.Int64Histogram(
		"quorumdb.quorum.request.duration_ms",
		metric.WithDescription("Time from dispatch to final response"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "quorumdb.quorum.request.duration_ms", err)

	m.unexpected, err = meter.Int64Counter(
		"quorumdb.quorum.responses.unexpected",
		metric.WithDescription("Responses dropped because the executor was not expected"),
	)
	logMetricInitError(logger, "quorumdb.quorum.responses.unexpected", err)

	m.conflicts, err = meter.Int64Counter(
		"quorumdb.quorum.conflicts",
		metric.WithDescription("Requests whose responses disagreed"),
	)
	logMetricInitError(logger, "quorumdb.quorum.conflicts", err)

	return m
}

func (m *Metrics) recordOutcome(task, outcome string, d time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Record(context.Background(), d.Milliseconds(), metric.WithAttributes(
		attribute.String("quorumdb.task", task),
		attribute.String("quorumdb.outcome", outcome),
	))
}

func (m *Metrics) recordUnexpected(task string) {
	if m == nil || m.unexpected == nil {
		return
	}
	m.unexpected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("quorumdb.task", task)))
}

func (m *Metrics) recordConflict(task, kind string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("quorumdb.task", task),
		attribute.String("quorumdb.conflict", kind),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
