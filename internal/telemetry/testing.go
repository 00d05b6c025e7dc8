package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry records spans and metrics in memory.
type TestTelemetry struct {
	SpanRecorder   *tracetest.SpanRecorder
	Reader         *metric.ManualReader
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
}

// NewTestTelemetry creates in-memory providers. They are not installed as
// globals; pass them to the code under test.
func NewTestTelemetry() *TestTelemetry {
	rec := tracetest.NewSpanRecorder()
	reader := metric.NewManualReader()
	return &TestTelemetry{
		SpanRecorder:   rec,
		Reader:         reader,
		TracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(rec)),
		MeterProvider:  metric.NewMeterProvider(metric.WithReader(reader)),
	}
}

// SpanNames returns the names of ended spans.
func (t *TestTelemetry) SpanNames() []string {
	spans := t.SpanRecorder.Ended()
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name()
	}
	return names
}

// MetricNames collects metrics and returns every instrument name seen.
func (t *TestTelemetry) MetricNames(ctx context.Context) ([]string, error) {
	var rm metricdata.ResourceMetrics
	if err := t.Reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names, nil
}
