package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Gateway is the embedding boundary used by the router and the lifecycle
// manager. It never retries: retry policy belongs to the caller.
type Gateway struct {
	provider  Provider
	model     string
	dimension int
	limiter   *rate.Limiter
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRateLimit caps calls per second with the given burst.
func WithRateLimit(perSecond float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithDimension overrides the expected vector length. By default the
// provider's Dimension is used.
func WithDimension(dim int) GatewayOption {
	return func(g *Gateway) {
		if dim > 0 {
			g.dimension = dim
		}
	}
}

// WithModelName sets the model label used in metrics.
func WithModelName(name string) GatewayOption {
	return func(g *Gateway) { g.model = name }
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// NewGateway wraps provider.
func NewGateway(provider Provider, opts ...GatewayOption) (*Gateway, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: provider is required", ErrInvalidConfig)
	}
	g := &Gateway{
		provider:  provider,
		model:     "unknown",
		dimension: provider.Dimension(),
		tracer:    otel.Tracer(instrumentationName),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be > 0", ErrInvalidConfig)
	}
	return g, nil
}

// Dimension returns the vector length every result is checked against.
func (g *Gateway) Dimension() int {
	return g.dimension
}

// Embed embeds a query text.
//
// Blank text fails with loop.ErrInvalidInput before the provider is called.
// A provider failure or a vector of the wrong length fails with
// loop.ErrEmbeddingUnavailable; a cancelled context with loop.ErrCancelled.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, "embeddings.embed_query", text, g.provider.EmbedQuery)
}

// EmbedDocument embeds text that will be stored in the vector index.
func (g *Gateway) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return g.embed(ctx, "embeddings.embed_document", text, func(ctx context.Context, t string) ([]float32, error) {
		vectors, err := g.provider.EmbedDocuments(ctx, []string{t})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("%w: expected 1 vector, got %d", ErrEmbeddingFailed, len(vectors))
		}
		return vectors[0], nil
	})
}

func (g *Gateway) embed(ctx context.Context, op, text string, call func(context.Context, string) ([]float32, error)) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, loop.Errorf(op, "", loop.ErrInvalidInput, "text is empty")
	}

	ctx, span := g.tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("embedding.model", g.model),
		attribute.Int("embedding.text_len", len(text)),
	))
	defer span.End()

	if g.limiter != nil {
		waitStart := time.Now()
		if err := g.limiter.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "rate limit wait")
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, loop.Wrap(op, "", ctxErr)
			}
			return nil, loop.Wrap(op, "", fmt.Errorf("%w: %v", loop.ErrCancelled, err))
		}
		g.metrics.recordWait(ctx, time.Since(waitStart))
	}

	start := time.Now()
	vec, err := call(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			g.metrics.recordCall(ctx, g.model, time.Since(start), "cancelled")
			if ctxErr == nil {
				ctxErr = err
			}
			return nil, loop.Wrap(op, "", ctxErr)
		}
		g.metrics.recordCall(ctx, g.model, time.Since(start), "provider")
		g.logger.Warn("embedding call failed", zap.String("model", g.model), zap.Error(err))
		return nil, loop.Wrap(op, "", fmt.Errorf("%w: %w", loop.ErrEmbeddingUnavailable, err))
	}
	if len(vec) != g.dimension {
		g.metrics.recordCall(ctx, g.model, time.Since(start), "dimension")
		span.SetStatus(codes.Error, "dimension mismatch")
		return nil, loop.Errorf(op, "", loop.ErrEmbeddingUnavailable,
			"vector has %d dimensions, expected %d", len(vec), g.dimension)
	}
	g.metrics.recordCall(ctx, g.model, time.Since(start), "")
	return vec, nil
}

// Close releases the provider.
func (g *Gateway) Close() error {
	return g.provider.Close()
}
