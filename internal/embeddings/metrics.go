package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/loopd/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	limited  metric.Float64Histogram
}

// NewMetrics registers embedding instruments on the global meter provider.
// Instrument creation failures are logged and the instrument is skipped.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.duration, err = meter.Float64Histogram(
		"loopd.embedding.duration_seconds",
		metric.WithDescription("Embedding call latency by model and outcome"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		logger.Warn("failed to create embedding duration histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"loopd.embedding.errors_total",
		metric.WithDescription("Embedding failures by model and reason"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create embedding error counter", zap.Error(err))
	}

	m.limited, err = meter.Float64Histogram(
		"loopd.embedding.rate_limit_wait_seconds",
		metric.WithDescription("Time spent waiting on the embedding rate limiter"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create rate limit histogram", zap.Error(err))
	}
	return m
}

func (m *Metrics) recordCall(ctx context.Context, model string, d time.Duration, reason string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if reason != "" {
		outcome = "error"
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("outcome", outcome),
		))
	}
	if reason != "" && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("reason", reason),
		))
	}
}

func (m *Metrics) recordWait(ctx context.Context, d time.Duration) {
	if m == nil || m.limited == nil {
		return
	}
	m.limited.Record(ctx, d.Seconds())
}
