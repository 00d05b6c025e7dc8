// Package router classifies free text against loops and workstreams.
//
// A Route call embeds the text, searches the vector index for the nearest
// targets, applies per-kind similarity thresholds and then breaks ties in
// favour of the most specific kind. Routing never mutates state.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/vectorindex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/loopd/internal/router")

const opRoute = "router.route"

// tieEpsilon absorbs float error when comparing a similarity gap to the margin.
const tieEpsilon = 1e-9

// Embedder turns text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Searcher is the read side of vectorindex.Index.
type Searcher interface {
	Search(ctx context.Context, vector []float32, k int, filter vectorindex.Filter) ([]vectorindex.Hit, error)
}

// Match is one accepted routing target.
type Match struct {
	TargetID   string    `json:"target_id"`
	TargetType loop.Kind `json:"target_type"`
	Similarity float64   `json:"similarity"`
}

// Config holds routing parameters.
type Config struct {
	TopK       int
	Thresholds map[loop.Kind]float64
	TieMargin  float64
}

// DefaultConfig returns the default thresholds: program 0.85, project 0.80,
// loop 0.80, with a 0.05 tie margin and top 3.
func DefaultConfig() Config {
	return Config{
		TopK: 3,
		Thresholds: map[loop.Kind]float64{
			loop.KindProgram: 0.85,
			loop.KindProject: 0.80,
			loop.KindLoop:    0.80,
		},
		TieMargin: 0.05,
	}
}

// FromAppConfig converts the routing section of the application config.
// Zero values keep the defaults.
func FromAppConfig(rc config.RoutingConfig) Config {
	cfg := DefaultConfig()
	if rc.TopK > 0 {
		cfg.TopK = rc.TopK
	}
	if rc.LoopThreshold > 0 {
		cfg.Thresholds[loop.KindLoop] = rc.LoopThreshold
	}
	if rc.ProjectThreshold > 0 {
		cfg.Thresholds[loop.KindProject] = rc.ProjectThreshold
	}
	if rc.ProgramThreshold > 0 {
		cfg.Thresholds[loop.KindProgram] = rc.ProgramThreshold
	}
	if rc.TieMargin > 0 {
		cfg.TieMargin = rc.TieMargin
	}
	return cfg
}

// Validate checks thresholds and margins are within [0,1].
func (c Config) Validate() error {
	if c.TopK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", loop.ErrInvalidInput)
	}
	for k, v := range c.Thresholds {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s threshold %.3f outside [0,1]", loop.ErrInvalidInput, k, v)
		}
	}
	if c.TieMargin < 0 || c.TieMargin > 1 {
		return fmt.Errorf("%w: tie margin %.3f outside [0,1]", loop.ErrInvalidInput, c.TieMargin)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Thresholds = make(map[loop.Kind]float64, len(c.Thresholds))
	for k, v := range c.Thresholds {
		out.Thresholds[k] = v
	}
	return out
}

// RouteOption overrides configuration for a single call.
type RouteOption func(*Config)

// WithThreshold overrides the acceptance threshold of one kind.
func WithThreshold(kind loop.Kind, threshold float64) RouteOption {
	return func(c *Config) { c.Thresholds[kind] = threshold }
}

// WithTopK overrides the number of candidates fetched from the index.
func WithTopK(k int) RouteOption {
	return func(c *Config) {
		if k > 0 {
			c.TopK = k
		}
	}
}

// Router is the semantic router. It is safe for concurrent use.
type Router struct {
	embedder Embedder
	index    Searcher
	cfg      Config
	logger   *zap.Logger
}

// New creates a Router.
func New(embedder Embedder, index Searcher, cfg Config, logger *zap.Logger) (*Router, error) {
	if embedder == nil {
		return nil, errors.New("router: embedder is required")
	}
	if index == nil {
		return nil, errors.New("router: index is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{embedder: embedder, index: index, cfg: cfg.clone(), logger: logger}, nil
}

// Config returns a copy of the router's configuration.
func (r *Router) Config() Config {
	return r.cfg.clone()
}

// Route returns the accepted matches for text, winner first. A nil kind
// searches all kinds. No match above threshold yields an empty slice.
func (r *Router) Route(ctx context.Context, text string, kind *loop.Kind, opts ...RouteOption) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "Router.Route")
	defer span.End()
	start := time.Now()

	matches, err := r.route(ctx, text, kind, opts)
	outcome := outcomeOf(matches, err)
	routeTotal.WithLabelValues(kindLabel(kind), outcome).Inc()
	routeDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	if len(matches) > 0 {
		span.SetAttributes(
			attribute.String("winner.id", matches[0].TargetID),
			attribute.String("winner.type", string(matches[0].TargetType)),
		)
	}
	return matches, nil
}

func (r *Router) route(ctx context.Context, text string, kind *loop.Kind, opts []RouteOption) ([]Match, error) {
	if strings.TrimSpace(text) == "" {
		return nil, loop.Errorf(opRoute, "", loop.ErrInvalidInput, "text is empty")
	}
	if kind != nil && !kind.Valid() {
		return nil, loop.Errorf(opRoute, "", loop.ErrInvalidInput, "unknown kind %q", *kind)
	}
	if err := loop.CheckContext(ctx, opRoute, ""); err != nil {
		return nil, err
	}

	cfg := r.cfg
	if len(opts) > 0 {
		cfg = r.cfg.clone()
		for _, opt := range opts {
			opt(&cfg)
		}
		if err := cfg.Validate(); err != nil {
			return nil, loop.Wrap(opRoute, "", err)
		}
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		if !errors.Is(err, loop.ErrEmbeddingUnavailable) && !isContextErr(err) && !errors.Is(err, loop.ErrInvalidInput) {
			err = fmt.Errorf("%w: %w", loop.ErrEmbeddingUnavailable, err)
		}
		return nil, loop.Wrap(opRoute, "", err)
	}
	if dim := r.embedder.Dimension(); dim > 0 && len(vec) != dim {
		return nil, loop.Errorf(opRoute, "", loop.ErrEmbeddingUnavailable,
			"embedding has dimension %d, expected %d", len(vec), dim)
	}

	hits, err := r.index.Search(ctx, vec, cfg.TopK, vectorindex.KindFilter(kind))
	if err != nil {
		return nil, loop.Wrap(opRoute, "", classifyIndexErr(err))
	}

	accepted := r.accept(ctx, hits, kind, cfg)
	return tieBreak(accepted, cfg.TieMargin), nil
}

// accept drops hits below their kind's threshold.
func (r *Router) accept(ctx context.Context, hits []vectorindex.Hit, kind *loop.Kind, cfg Config) []Match {
	out := make([]Match, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		k := h.Payload.Kind()
		if !k.Valid() || (kind != nil && k != *kind) {
			r.logger.Log(logging.TraceLevel, "skipping hit with unexpected type",
				zap.String("target", h.ID), zap.String("type", string(k)))
			continue
		}
		if _, dup := seen[h.ID]; dup {
			continue
		}
		threshold, ok := cfg.Thresholds[k]
		if !ok {
			continue
		}
		keep := h.Score >= threshold
		r.logger.Log(logging.TraceLevel, "candidate scored",
			append(logging.ContextFields(ctx),
				zap.String("target", h.ID),
				zap.String("type", string(k)),
				zap.Float64("similarity", h.Score),
				zap.Float64("threshold", threshold),
				zap.Bool("accepted", keep),
			)...)
		if !keep {
			continue
		}
		seen[h.ID] = struct{}{}
		out = append(out, Match{TargetID: h.ID, TargetType: k, Similarity: h.Score})
	}
	return out
}

// specificityOrder lists kinds from most to least specific.
var specificityOrder = []loop.Kind{loop.KindLoop, loop.KindProject, loop.KindProgram}

// tieBreak picks the winner and orders the rest by descending similarity.
//
// The best match of the most specific kind starts as the winner. A less
// specific kind's best match replaces it only when its similarity is higher
// by more than margin.
func tieBreak(matches []Match, margin float64) []Match {
	if len(matches) == 0 {
		return []Match{}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return better(matches[i], matches[j])
	})

	best := make(map[loop.Kind]int, len(specificityOrder))
	for i, m := range matches {
		if _, ok := best[m.TargetType]; !ok {
			best[m.TargetType] = i
		}
	}

	winner := -1
	for _, k := range specificityOrder {
		i, ok := best[k]
		if !ok {
			continue
		}
		if winner < 0 || matches[i].Similarity-matches[winner].Similarity > margin+tieEpsilon {
			winner = i
		}
	}

	out := make([]Match, 0, len(matches))
	out = append(out, matches[winner])
	for i, m := range matches {
		if i != winner {
			out = append(out, m)
		}
	}
	return out
}

// better orders by similarity, then specificity, then id.
func better(a, b Match) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if sa, sb := a.TargetType.Specificity(), b.TargetType.Specificity(); sa != sb {
		return sa > sb
	}
	return a.TargetID < b.TargetID
}

func classifyIndexErr(err error) error {
	switch {
	case errors.Is(err, loop.ErrCollectionMissing),
		errors.Is(err, loop.ErrIndexUnavailable),
		isContextErr(err):
		return err
	}
	return fmt.Errorf("%w: %w", loop.ErrIndexUnavailable, err)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, loop.ErrCancelled)
}

func kindLabel(kind *loop.Kind) string {
	if kind == nil {
		return "any"
	}
	return string(*kind)
}

func outcomeOf(matches []Match, err error) string {
	switch {
	case err == nil && len(matches) == 0:
		return "no_match"
	case err == nil:
		return "matched"
	case errors.Is(err, loop.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, loop.ErrCancelled):
		return "cancelled"
	case errors.Is(err, loop.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, loop.ErrCollectionMissing):
		return "collection_missing"
	default:
		return "index_unavailable"
	}
}
