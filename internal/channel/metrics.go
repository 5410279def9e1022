package channel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

// Metrics counts deliveries. A nil *Metrics records nothing.
type Metrics struct {
	deliveries metric.Int64Counter
	retries    metric.Int64Counter
	evictions  metric.Int64Counter
}

// NewMetrics registers the channel instruments on the global meter provider.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("quorumdb/internal/channel")
	m := &Metrics{}
	var err error

	m.deliveries, err = meter.Int64Counter(
		"quorumdb.channel.deliveries",
		metric.WithDescription("Envelopes delivered to peers by outcome"),
	)
	logMetricInitError(logger, "quorumdb.channel.deliveries", err)

	m.retries, err = meter.Int64Counter(
		"quorumdb.channel.retries",
		metric.WithDescription("Delivery attempts retried after a failure"),
	)
	logMetricInitError(logger, "quorumdb.channel.retries", err)

	m.evictions, err = meter.Int64Counter(
		"quorumdb.channel.evictions",
		metric.WithDescription("Peers evicted after consecutive delivery failures"),
	)
	logMetricInitError(logger, "quorumdb.channel.evictions", err)

	return m
}

func (m *Metrics) recordDelivery(dir Direction, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("quorumdb.direction", dir.String()),
		attribute.String("quorumdb.outcome", outcome),
	))
}

func (m *Metrics) recordRetry(dir Direction) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(context.Background(), 1, metric.WithAttributes(attribute.String("quorumdb.direction", dir.String())))
}

func (m *Metrics) recordEviction() {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
