package rest

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type restMetrics struct {
	requests metric.Int64Counter
	retries  metric.Int64Counter
	logins   metric.Int64Counter
}

func newRestMetrics(logger pslog.Logger) *restMetrics {
	meter := otel.Meter("pkt.systems/fabric/rest")
	m := &restMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"fabric.rest.requests",
		metric.WithDescription("HTTP requests issued to the backend"),
	)
	logMetricInitError(logger, "fabric.rest.requests", err)

	m.retries, err = meter.Int64Counter(
		"fabric.rest.retries",
		metric.WithDescription("Requests repeated after overload or re-authentication"),
	)
	logMetricInitError(logger, "fabric.rest.retries", err)

	m.logins, err = meter.Int64Counter(
		"fabric.rest.logins",
		metric.WithDescription("Session logins performed"),
	)
	logMetricInitError(logger, "fabric.rest.logins", err)

	return m
}

func (m *restMetrics) recordRequest(ctx context.Context, req Request, status int, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("fabric.rest.method", req.Method),
		attribute.String("fabric.rest.version", req.Version.String()),
		attribute.String("fabric.rest.status_class", statusClass(status)),
		attribute.String("fabric.rest.outcome", outcome),
	))
}

func (m *restMetrics) recordRetry(ctx context.Context, req Request, reason string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("fabric.rest.method", req.Method),
		attribute.String("fabric.rest.reason", reason),
	))
}

func (m *restMetrics) recordLogin(ctx context.Context, err error) {
	if m == nil || m.logins == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.logins.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("fabric.rest.outcome", outcome),
	))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
