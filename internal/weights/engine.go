// Package weights computes time-decayed feedback weights.
//
// For an entity with useful count u and false-positive count f, created
// ageDays ago, with decay window W days:
//
//	base   = u - f
//	decay  = max(0, (W - ageDays) / W)
//	weight = max(0, round(base * decay, 2))
//
// The engine is the only writer of Loop.Weight and Workstream.Weight. Writes
// for one id are serialised through a shared store.KeyedMutex and land with
// an optimistic version check.
package weights

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/fyrsmithlabs/loopd/internal/weights"

var tracer = otel.Tracer(instrumentationName)

const (
	opRecompute    = "weights.recompute"
	opRecomputeAll = "weights.recompute_all"
)

// Defaults.
const (
	DefaultDecayWindowDays = 30
	DefaultWorkers         = 4
)

// Result is the outcome of one recompute.
type Result struct {
	ID         string    `json:"id"`
	Kind       loop.Kind `json:"kind"`
	Weight     float64   `json:"weight"`
	Base       int       `json:"base"`
	Previous   float64   `json:"previous"`
	ComputedAt time.Time `json:"computed_at"`
}

// Outcome is one entry of a batch recompute. Err is set when that entity
// failed; the rest of the batch still ran.
type Outcome struct {
	Result
	Err error `json:"-"`
}

// Compute applies the weight formula. Ages below zero count as zero.
func Compute(counts loop.Counts, created, now time.Time, windowDays int) float64 {
	if windowDays <= 0 {
		windowDays = DefaultDecayWindowDays
	}
	ageDays := now.Sub(created).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	w := float64(windowDays)
	decay := math.Max(0, (w-ageDays)/w)
	weight := math.Round(float64(counts.Base())*decay*100) / 100
	if weight <= 0 {
		// Also folds -0 into 0.
		return 0
	}
	return weight
}

// Engine recomputes and stores weights.
type Engine struct {
	store      store.Store
	locks      *store.KeyedMutex
	publisher  events.Publisher
	windowDays int
	workers    int
	now        func() time.Time
	logger     *zap.Logger

	recomputes metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLocks shares a keyed mutex with other writers of the same ids.
func WithLocks(km *store.KeyedMutex) Option {
	return func(e *Engine) {
		if km != nil {
			e.locks = km
		}
	}
}

// WithPublisher publishes a weight event whenever a loop's weight changes.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithDecayWindowDays sets W.
func WithDecayWindowDays(days int) Option {
	return func(e *Engine) {
		if days > 0 {
			e.windowDays = days
		}
	}
}

// WithWorkers bounds batch concurrency.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// FromAppConfig returns options for the weights config section.
func FromAppConfig(cfg config.WeightsConfig) []Option {
	return []Option{WithDecayWindowDays(cfg.DecayWindowDays), WithWorkers(cfg.Workers)}
}

// NewEngine creates an Engine over s.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		locks:      store.NewKeyedMutex(),
		publisher:  events.Nop{},
		windowDays: DefaultDecayWindowDays,
		workers:    DefaultWorkers,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	var err error
	e.recomputes, err = otel.Meter(instrumentationName).Int64Counter(
		"loopd.weights.recomputes_total",
		metric.WithDescription("Weight recomputes by target kind and outcome"),
		metric.WithUnit("{recompute}"),
	)
	if err != nil {
		e.logger.Warn("failed to create recompute counter", zap.Error(err))
	}
	return e
}

// WindowDays returns the decay window in days.
func (e *Engine) WindowDays() int { return e.windowDays }

// Recompute recalculates and stores the weight of one loop or workstream.
func (e *Engine) Recompute(ctx context.Context, id string) (Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Recompute")
	defer span.End()
	span.SetAttributes(attribute.String("target.id", id))

	res, err := e.recompute(ctx, id)
	e.record(ctx, res.Kind, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recompute failed")
		return Result{}, err
	}
	span.SetAttributes(attribute.Float64("weight", res.Weight), attribute.Int("base", res.Base))
	return res, nil
}

func (e *Engine) recompute(ctx context.Context, id string) (Result, error) {
	if strings.TrimSpace(id) == "" {
		return Result{}, loop.Errorf(opRecompute, "", loop.ErrInvalidInput, "id is required")
	}
	unlock, err := e.locks.Lock(ctx, id)
	if err != nil {
		return Result{}, loop.Wrap(opRecompute, id, err)
	}
	defer unlock()

	counts, err := e.store.CountFeedback(ctx, id)
	if err != nil {
		return Result{}, loop.Wrap(opRecompute, id, err)
	}
	now := e.now()

	res := Result{ID: id, Base: counts.Base(), ComputedAt: now}
	l, err := e.store.UpdateLoop(ctx, id, func(l *loop.Loop) error {
		res.Kind = loop.KindLoop
		res.Previous = l.Weight
		res.Weight = Compute(counts, l.Created, now, e.windowDays)
		l.Weight = res.Weight
		l.ScoreBase = res.Base
		l.WeightComputedAt = now
		return nil
	})
	switch {
	case err == nil:
		if res.Weight != res.Previous {
			e.publish(ctx, l, res)
		}
		return res, nil
	case !errors.Is(err, loop.ErrNotFound):
		return Result{}, loop.Wrap(opRecompute, id, err)
	}

	_, err = e.store.UpdateWorkstream(ctx, id, func(w *loop.Workstream) error {
		res.Kind = w.Kind
		res.Previous = w.Weight
		res.Weight = Compute(counts, w.Created, now, e.windowDays)
		w.Weight = res.Weight
		w.ScoreBase = res.Base
		w.WeightComputedAt = now
		return nil
	})
	if err != nil {
		return Result{}, loop.Wrap(opRecompute, id, err)
	}
	return res, nil
}

func (e *Engine) publish(ctx context.Context, l *loop.Loop, res Result) {
	err := e.publisher.Publish(ctx, events.Event{
		Type:   events.TypeWeight,
		LoopID: l.ID,
		At:     res.ComputedAt,
		Data: map[string]any{
			"weight":   res.Weight,
			"previous": res.Previous,
			"base":     res.Base,
		},
	})
	if err != nil {
		e.logger.Warn("weight event not published", zap.String("loop", l.ID), zap.Error(err))
	}
}

func (e *Engine) record(ctx context.Context, kind loop.Kind, err error) {
	if e.recomputes == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if kind == "" {
		kind = "unknown"
	}
	e.recomputes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("outcome", outcome),
	))
}

// RecomputeAll recomputes every entity of kind, or every loop and workstream
// when kind is nil. Entities are processed concurrently by a bounded pool;
// one failure does not stop the others. The returned error is set only when
// listing fails or ctx is cancelled.
func (e *Engine) RecomputeAll(ctx context.Context, kind *loop.Kind) ([]Outcome, error) {
	ctx, span := tracer.Start(ctx, "Engine.RecomputeAll")
	defer span.End()

	if kind != nil && !kind.Valid() {
		return nil, loop.Errorf(opRecomputeAll, "", loop.ErrInvalidInput, "unknown kind %q", *kind)
	}
	ids, err := e.targets(ctx, kind)
	if err != nil {
		return nil, loop.Wrap(opRecomputeAll, "", err)
	}
	span.SetAttributes(attribute.Int("targets", len(ids)))

	outcomes := make([]Outcome, len(ids))
	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i, id := range ids {
		if ctx.Err() != nil {
			outcomes[i] = Outcome{Result: Result{ID: id}, Err: loop.Wrap(opRecompute, id, ctx.Err())}
			continue
		}
		g.Go(func() error {
			res, err := e.Recompute(ctx, id)
			if err != nil {
				res.ID = id
				e.logger.Warn("weight recompute failed", zap.String("id", id), zap.Error(err))
			}
			outcomes[i] = Outcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return outcomes, loop.Wrap(opRecomputeAll, "", err)
	}

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	e.logger.Info("weights recomputed",
		zap.String("kind", kindLabel(kind)),
		zap.Int("total", len(outcomes)),
		zap.Int("failed", failed),
	)
	return outcomes, nil
}

func (e *Engine) targets(ctx context.Context, kind *loop.Kind) ([]string, error) {
	var ids []string
	if kind == nil || *kind == loop.KindLoop {
		loops, err := e.store.ListLoops(ctx, store.LoopFilter{})
		if err != nil {
			return nil, fmt.Errorf("listing loops: %w", err)
		}
		for _, l := range loops {
			ids = append(ids, l.ID)
		}
	}
	if kind == nil || kind.IsWorkstream() {
		ws, err := e.store.ListWorkstreams(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("listing workstreams: %w", err)
		}
		for _, w := range ws {
			ids = append(ids, w.ID)
		}
	}
	return ids, nil
}

func kindLabel(kind *loop.Kind) string {
	if kind == nil {
		return "all"
	}
	return string(*kind)
}
