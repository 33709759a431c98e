package managedwriter

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ozontech/appender/managedwriter"

type metrics struct {
	requests         metric.Int64Counter
	rows             metric.Int64Counter
	acks             metric.Int64Counter
	errors           metric.Int64Counter
	reconnects       metric.Int64Counter
	inflightRequests metric.Int64UpDownCounter
	inflightBytes    metric.Int64UpDownCounter

	attrs metric.MeasurementOption
}

func newMetrics(mp metric.MeterProvider, connID string) (*metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &metrics{
		attrs: metric.WithAttributes(attribute.String("connection.id", connID)),
	}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.requests, "appender.requests", "append requests sent"},
		{&m.rows, "appender.rows", "rows sent"},
		{&m.acks, "appender.acks", "acknowledged append requests"},
		{&m.errors, "appender.errors", "failed append requests"},
		{&m.reconnects, "appender.reconnects", "stream reconnects"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("creating %s: %w", c.name, err)
		}
	}

	m.inflightRequests, err = meter.Int64UpDownCounter("appender.inflight.requests",
		metric.WithDescription("unacknowledged append requests"))
	if err != nil {
		return nil, fmt.Errorf("creating appender.inflight.requests: %w", err)
	}
	m.inflightBytes, err = meter.Int64UpDownCounter("appender.inflight.bytes",
		metric.WithDescription("size of unacknowledged append requests"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, fmt.Errorf("creating appender.inflight.bytes: %w", err)
	}
	return m, nil
}

func (m *metrics) enqueued(pw *PendingWrite) {
	ctx := context.Background()
	m.requests.Add(ctx, 1, m.attrs)
	m.rows.Add(ctx, int64(pw.rows()), m.attrs)
	m.inflightRequests.Add(ctx, 1, m.attrs)
	m.inflightBytes.Add(ctx, pw.size, m.attrs)
}

func (m *metrics) resolved(pw *PendingWrite) {
	ctx := context.Background()
	m.inflightRequests.Add(ctx, -1, m.attrs)
	m.inflightBytes.Add(ctx, -pw.size, m.attrs)
	if pw.err != nil {
		m.errors.Add(ctx, 1, m.attrs)
	} else {
		m.acks.Add(ctx, 1, m.attrs)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}
