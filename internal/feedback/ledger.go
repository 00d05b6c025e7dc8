// Package feedback records useful and false-positive signals against loops
// and workstreams.
//
// The ledger is append-only. Events are never deduplicated: repeating a
// useful signal legitimately strengthens a weight.
package feedback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	opRecord    = "feedback.record"
	opAggregate = "feedback.aggregate"
	opList      = "feedback.list"
)

// maxSourceLen bounds the free-form source field.
const maxSourceLen = 512

var recordedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "loopd",
		Subsystem: "feedback",
		Name:      "events_total",
		Help:      "Total number of feedback events recorded by target kind and polarity",
	},
	[]string{"kind", "polarity"},
)

// Ledger appends and aggregates feedback events.
type Ledger struct {
	store  store.Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger creates a Ledger over s.
func NewLedger(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one event for targetID. The target must be an existing loop
// or workstream. The returned event carries the stored timestamp, which is
// never earlier than the previous event's.
func (l *Ledger) Record(ctx context.Context, targetID string, polarity loop.Polarity, source string) (loop.FeedbackEvent, error) {
	if strings.TrimSpace(targetID) == "" {
		return loop.FeedbackEvent{}, loop.Errorf(opRecord, "", loop.ErrInvalidInput, "target id is required")
	}
	if !polarity.Valid() {
		return loop.FeedbackEvent{}, loop.Errorf(opRecord, targetID, loop.ErrInvalidInput, "unknown polarity %q", polarity)
	}
	if len(source) > maxSourceLen {
		return loop.FeedbackEvent{}, loop.Errorf(opRecord, targetID, loop.ErrInvalidInput, "source exceeds %d bytes", maxSourceLen)
	}
	if err := loop.CheckContext(ctx, opRecord, targetID); err != nil {
		return loop.FeedbackEvent{}, err
	}

	target, err := l.Resolve(ctx, targetID)
	if err != nil {
		return loop.FeedbackEvent{}, loop.Wrap(opRecord, targetID, err)
	}

	ev, err := l.store.AppendFeedback(ctx, loop.FeedbackEvent{
		ID:        uuid.New().String(),
		TargetID:  targetID,
		Polarity:  polarity,
		Timestamp: l.now(),
		Source:    source,
	})
	if err != nil {
		return loop.FeedbackEvent{}, loop.Wrap(opRecord, targetID, err)
	}

	recordedTotal.WithLabelValues(string(target.Kind), string(polarity)).Inc()
	l.logger.Debug("feedback recorded",
		zap.String("target", targetID),
		zap.String("kind", string(target.Kind)),
		zap.String("polarity", string(polarity)),
		zap.Int64("seq", ev.Seq),
	)
	return ev, nil
}

// Aggregate returns the useful and false-positive counts for targetID.
// An unknown target has zero counts.
func (l *Ledger) Aggregate(ctx context.Context, targetID string) (loop.Counts, error) {
	if strings.TrimSpace(targetID) == "" {
		return loop.Counts{}, loop.Errorf(opAggregate, "", loop.ErrInvalidInput, "target id is required")
	}
	c, err := l.store.CountFeedback(ctx, targetID)
	if err != nil {
		return loop.Counts{}, loop.Wrap(opAggregate, targetID, err)
	}
	return c, nil
}

// List returns targetID's events in append order.
func (l *Ledger) List(ctx context.Context, targetID string) ([]loop.FeedbackEvent, error) {
	if strings.TrimSpace(targetID) == "" {
		return nil, loop.Errorf(opList, "", loop.ErrInvalidInput, "target id is required")
	}
	evs, err := l.store.ListFeedback(ctx, targetID)
	if err != nil {
		return nil, loop.Wrap(opList, targetID, err)
	}
	return evs, nil
}

// Resolve finds the loop or workstream named by id.
func (l *Ledger) Resolve(ctx context.Context, id string) (loop.Target, error) {
	lp, err := l.store.GetLoop(ctx, id)
	if err == nil {
		return loop.Target{ID: lp.ID, Kind: loop.KindLoop, Created: lp.Created}, nil
	}
	if !errors.Is(err, loop.ErrNotFound) {
		return loop.Target{}, err
	}
	ws, err := l.store.GetWorkstream(ctx, id)
	if err != nil {
		return loop.Target{}, err
	}
	return loop.Target{ID: ws.ID, Kind: ws.Kind, Created: ws.Created}, nil
}
