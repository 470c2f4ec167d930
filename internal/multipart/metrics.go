package multipart

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	sessions metric.Int64Counter
	parts    metric.Int64Counter
	bytes    metric.Int64Counter
	teardown metric.Int64Counter
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/cloudstorage/multipart")
	m := &engineMetrics{}
	var err error

	m.sessions, err = meter.Int64Counter(
		"cloudstorage.multipart.sessions",
		metric.WithDescription("Multipart sessions by outcome (initiated, committed)"),
	)
	logMetricInitError(logger, "cloudstorage.multipart.sessions", err)

	m.parts, err = meter.Int64Counter(
		"cloudstorage.multipart.parts",
		metric.WithDescription("Multipart part uploads by result"),
	)
	logMetricInitError(logger, "cloudstorage.multipart.parts", err)

	m.bytes, err = meter.Int64Counter(
		"cloudstorage.multipart.bytes",
		metric.WithDescription("Bytes accepted as multipart parts"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "cloudstorage.multipart.bytes", err)

	m.teardown, err = meter.Int64Counter(
		"cloudstorage.multipart.teardown",
		metric.WithDescription("Sessions torn down by reason (replaced, aborted, expired)"),
	)
	logMetricInitError(logger, "cloudstorage.multipart.teardown", err)
	return m
}

func (m *engineMetrics) session(ctx context.Context, outcome string) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("cloudstorage.multipart.outcome", outcome)))
}

func (m *engineMetrics) part(ctx context.Context, result string, size int64) {
	if m == nil {
		return
	}
	if m.parts != nil {
		m.parts.Add(ctx, 1, metric.WithAttributes(attribute.String("cloudstorage.multipart.result", result)))
	}
	if m.bytes != nil && result == "ok" && size > 0 {
		m.bytes.Add(ctx, size)
	}
}

func (m *engineMetrics) tornDown(ctx context.Context, reason string, err error) {
	if m == nil || m.teardown == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.teardown.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cloudstorage.multipart.reason", reason),
		attribute.String("cloudstorage.multipart.result", result),
	))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
