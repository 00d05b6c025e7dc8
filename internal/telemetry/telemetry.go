// Package telemetry installs OpenTelemetry trace and metric providers.
//
// Packages create their tracers and meters from the otel globals at init.
// The global providers delegate to whatever New installs, so instrumentation
// is a no-op until telemetry is enabled. Export failures never fail requests;
// the instance is marked degraded instead.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds the final flush when ctx has no deadline.
const DefaultShutdownTimeout = 5 * time.Second

// Telemetry owns the installed providers.
type Telemetry struct {
	enabled        bool
	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *zap.Logger

	degraded atomic.Bool
}

// New installs OTLP providers when cfg.Enabled is set. A disabled config
// returns an inert instance. Exporter construction failures degrade the
// instance rather than failing startup.
func New(ctx context.Context, cfg config.TelemetryConfig, version string, logger *zap.Logger) (*Telemetry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{enabled: cfg.Enabled, logger: logger}
	if !cfg.Enabled {
		return t, nil
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res := newResource(cfg, version)

	if exp, err := newTraceExporter(ctx, cfg); err != nil {
		t.setDegraded("trace exporter", err)
	} else {
		t.tracerProvider = newTracerProvider(exp, res, cfg.SampleRate)
		otel.SetTracerProvider(t.tracerProvider)
	}

	if exp, err := newMetricExporter(ctx, cfg); err != nil {
		t.setDegraded("metric exporter", err)
	} else {
		t.meterProvider = newMeterProvider(exp, res, cfg)
		otel.SetMeterProvider(t.meterProvider)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry enabled",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("protocol", cfg.Protocol),
		zap.Float64("sample_rate", cfg.SampleRate),
	)
	return t, nil
}

// Enabled reports whether providers were requested and none failed.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.enabled && !t.degraded.Load()
}

// Degraded reports whether an exporter could not be created.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded.Load()
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Telemetry) setDegraded(what string, err error) {
	t.degraded.Store(true)
	t.logger.Warn("telemetry degraded", zap.String("component", what), zap.Error(err))
}
