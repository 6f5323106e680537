package httpapi

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type handlerMetrics struct {
	commands metric.Int64Counter
	gateWait metric.Float64Histogram
}

func newHandlerMetrics(logger pslog.Logger) *handlerMetrics {
	meter := otel.Meter("pkt.systems/gridgate/httpapi")
	m := &handlerMetrics{}
	var err error
	m.commands, err = meter.Int64Counter(
		"gridgate.commands",
		metric.WithDescription("Dispatched requests by kind and outcome"),
	)
	logMetricInitError(logger, "gridgate.commands", err)
	m.gateWait, err = meter.Float64Histogram(
		"gridgate.gate.wait_ms",
		metric.WithDescription("Time spent waiting for the channel gate"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "gridgate.gate.wait_ms", err)
	return m
}

func (m *handlerMetrics) recordCommand(ctx context.Context, kind, outcome string) {
	if m == nil || m.commands == nil {
		return
	}
	m.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gridgate.rpc", kind),
		attribute.String("gridgate.outcome", outcome),
	))
}

func (m *handlerMetrics) recordGateWait(ctx context.Context, kind string, waited time.Duration) {
	if m == nil || m.gateWait == nil {
		return
	}
	m.gateWait.Record(ctx, float64(waited)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("gridgate.rpc", kind)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
