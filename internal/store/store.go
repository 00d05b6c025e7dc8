// Package store persists loops, workstreams and the feedback ledger.
//
// Two implementations are provided: MemoryStore for tests and ephemeral
// daemons, and SQLiteStore for durable single-node deployments. Both share
// the optimistic concurrency loop in update: a mutation reads the current
// version, applies the caller's function to a copy and swaps it in only if
// the version is unchanged.
//
// Store errors wrap the sentinels in package loop. Callers attach operation
// context with loop.Wrap.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"go.uber.org/zap"
)

// DefaultMaxRetries bounds compare-and-swap attempts in UpdateLoop and
// UpdateWorkstream.
const DefaultMaxRetries = 3

// ErrNoChange may be returned by an update function to skip the write. The
// update then returns the current record without bumping its version.
var ErrNoChange = errors.New("store: no change")

// LoopFilter narrows ListLoops. Zero fields match everything.
type LoopFilter struct {
	Status   loop.Status
	Tier     loop.Tier
	Verified *bool
}

// Match reports whether l passes the filter.
func (f LoopFilter) Match(l *loop.Loop) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.Tier != "" && l.Tier != f.Tier {
		return false
	}
	if f.Verified != nil && l.Verified != *f.Verified {
		return false
	}
	return true
}

// Store is the entity store contract.
//
// Loop and workstream ids share one namespace so that feedback targets
// resolve unambiguously.
type Store interface {
	// CreateLoop inserts l with Version 1. An existing id fails with
	// loop.ErrDuplicateID.
	CreateLoop(ctx context.Context, l *loop.Loop) error
	GetLoop(ctx context.Context, id string) (*loop.Loop, error)
	// ListLoops returns matching loops ordered by creation time, then id.
	ListLoops(ctx context.Context, filter LoopFilter) ([]*loop.Loop, error)
	// UpdateLoop applies fn to a copy of the loop and stores the result if
	// nobody else wrote in between. After the retry budget is spent it fails
	// with loop.ErrStoreConflict.
	UpdateLoop(ctx context.Context, id string, fn func(*loop.Loop) error) (*loop.Loop, error)

	CreateWorkstream(ctx context.Context, w *loop.Workstream) error
	GetWorkstream(ctx context.Context, id string) (*loop.Workstream, error)
	// ListWorkstreams returns workstreams of kind, or all when kind is nil.
	ListWorkstreams(ctx context.Context, kind *loop.Kind) ([]*loop.Workstream, error)
	UpdateWorkstream(ctx context.Context, id string, fn func(*loop.Workstream) error) (*loop.Workstream, error)

	// AppendFeedback assigns Seq and clamps Timestamp so that timestamps never
	// decrease in append order. It does not check that the target exists.
	AppendFeedback(ctx context.Context, ev loop.FeedbackEvent) (loop.FeedbackEvent, error)
	// ListFeedback returns a target's events in append order.
	ListFeedback(ctx context.Context, targetID string) ([]loop.FeedbackEvent, error)
	CountFeedback(ctx context.Context, targetID string) (loop.Counts, error)

	Close() error
}

// Open builds the Store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using in-memory store; loops are lost on restart")
		return NewMemoryStore(WithMaxRetries(cfg.MaxRetries)), nil
	case "sqlite":
		path, err := config.ExpandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		s, err := NewSQLiteStore(ctx, SQLiteConfig{
			Path:        path,
			BusyTimeout: cfg.BusyTimeout.Duration(),
			MaxRetries:  cfg.MaxRetries,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q (use memory or sqlite)", cfg.Driver)
	}
}

// Option configures a MemoryStore.
type Option func(*options)

type options struct {
	maxRetries int
}

// WithMaxRetries sets the compare-and-swap retry budget.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// casOps adapts one record type to the shared update loop.
type casOps[T any] struct {
	retries int
	load    func(ctx context.Context, id string) (T, error)
	clone   func(T) T
	// prepare restores immutable fields on next and sets its new version.
	prepare func(cur, next T)
	version func(T) int64
	// swap writes next if the stored version still equals expected.
	swap func(ctx context.Context, expected int64, next T) (bool, error)
}

func update[T any](ctx context.Context, ops casOps[T], id string, fn func(T) error) (T, error) {
	var zero T
	attempts := ops.retries
	if attempts <= 0 {
		attempts = DefaultMaxRetries
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		cur, err := ops.load(ctx, id)
		if err != nil {
			return zero, err
		}
		next := ops.clone(cur)
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return cur, nil
			}
			return zero, err
		}
		ops.prepare(cur, next)
		ok, err := ops.swap(ctx, ops.version(cur), next)
		if err != nil {
			return zero, err
		}
		if ok {
			return next, nil
		}
	}
	return zero, fmt.Errorf("%w: %s changed during %d attempts", loop.ErrStoreConflict, id, attempts)
}

func loopOps(retries int, load func(context.Context, string) (*loop.Loop, error),
	swap func(context.Context, int64, *loop.Loop) (bool, error)) casOps[*loop.Loop] {
	return casOps[*loop.Loop]{
		retries: retries,
		load:    load,
		clone:   (*loop.Loop).Clone,
		prepare: func(cur, next *loop.Loop) {
			next.ID = cur.ID
			next.Created = cur.Created
			next.Version = cur.Version + 1
		},
		version: func(l *loop.Loop) int64 { return l.Version },
		swap:    swap,
	}
}

func workstreamOps(retries int, load func(context.Context, string) (*loop.Workstream, error),
	swap func(context.Context, int64, *loop.Workstream) (bool, error)) casOps[*loop.Workstream] {
	return casOps[*loop.Workstream]{
		retries: retries,
		load:    load,
		clone:   (*loop.Workstream).Clone,
		prepare: func(cur, next *loop.Workstream) {
			next.ID = cur.ID
			next.Kind = cur.Kind
			next.Created = cur.Created
			next.Version = cur.Version + 1
		},
		version: func(w *loop.Workstream) int64 { return w.Version },
		swap:    swap,
	}
}

// clampTimestamp returns ts, or prev when ts is earlier.
func clampTimestamp(ts, prev time.Time) time.Time {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if ts.Before(prev) {
		return prev
	}
	return ts
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", loop.ErrNotFound, kind, id)
}

func duplicate(id string) error {
	return fmt.Errorf("%w: %s", loop.ErrDuplicateID, id)
}
