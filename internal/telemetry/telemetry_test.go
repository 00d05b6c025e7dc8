package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{}, "test", nil)
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{Enabled: true, ServiceName: "loopd"}, "test", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid telemetry config")

	_, err = New(context.Background(), config.TelemetryConfig{
		Enabled: true, Endpoint: "collector.example.com:4317", ServiceName: "loopd", Insecure: true,
	}, "test", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure export")
}

func TestNilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		assert.False(t, tel.Enabled())
		assert.False(t, tel.Degraded())
		assert.NoError(t, tel.Shutdown(context.Background()))
	})
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"http://localhost:4318", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"otel.example.com:4317", false},
		{"10.0.0.5:4317", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isLocalEndpoint(tt.endpoint), tt.endpoint)
	}
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased")
}

func TestNewResource(t *testing.T) {
	res := newResource(config.TelemetryConfig{ServiceName: "loopd"}, "1.2.3")
	found := map[string]string{}
	for _, attr := range res.Attributes() {
		found[string(attr.Key)] = attr.Value.AsString()
	}
	assert.Equal(t, "loopd", found["service.name"])
	assert.Equal(t, "1.2.3", found["service.version"])
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.TracerProvider.Tracer("test").Start(ctx, "op")
	span.End()
	assert.Equal(t, []string{"op"}, tt.SpanNames())

	counter, err := tt.MeterProvider.Meter("test").Int64Counter("loopd.test.count", metric.WithUnit("{call}"))
	require.NoError(t, err)
	counter.Add(ctx, 1)

	names, err := tt.MetricNames(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "loopd.test.count")
}
