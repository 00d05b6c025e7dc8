package weights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func seedLoop(t *testing.T, s store.Store, id string, useful, falsePositive int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateLoop(ctx, &loop.Loop{
		ID: id, Summary: "s", Status: loop.StatusOpen, Tier: loop.TierActive, Created: t0, Updated: t0,
	}))
	appendFeedback(t, s, id, useful, falsePositive)
}

func appendFeedback(t *testing.T, s store.Store, id string, useful, falsePositive int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < useful; i++ {
		_, err := s.AppendFeedback(ctx, loop.FeedbackEvent{ID: fmt.Sprintf("%s-u%d", id, i), TargetID: id, Polarity: loop.PolarityUseful, Timestamp: t0})
		require.NoError(t, err)
	}
	for i := 0; i < falsePositive; i++ {
		_, err := s.AppendFeedback(ctx, loop.FeedbackEvent{ID: fmt.Sprintf("%s-f%d", id, i), TargetID: id, Polarity: loop.PolarityFalsePositive, Timestamp: t0})
		require.NoError(t, err)
	}
}

func TestCompute_DecayScenario(t *testing.T) {
	counts := loop.Counts{Useful: 3}
	assert.Equal(t, 3.0, Compute(counts, t0, t0, 30))
	assert.Equal(t, 1.5, Compute(counts, t0, t0.Add(15*day), 30))
	assert.Equal(t, 0.0, Compute(counts, t0, t0.Add(30*day), 30))
	assert.Equal(t, 0.0, Compute(counts, t0, t0.Add(90*day), 30))
}

func TestCompute_NeverNegative(t *testing.T) {
	for _, c := range []loop.Counts{{FalsePositive: 5}, {Useful: 1, FalsePositive: 2}, {}} {
		for d := 0; d <= 40; d += 5 {
			w := Compute(c, t0, t0.Add(time.Duration(d)*day), 30)
			assert.GreaterOrEqual(t, w, 0.0)
			assert.False(t, w == 0 && 1/w < 0, "negative zero")
		}
	}
}

func TestCompute_StrictlyDecreasingUntilWindow(t *testing.T) {
	for _, base := range []int{1, 3, 10} {
		counts := loop.Counts{Useful: base}
		prev := Compute(counts, t0, t0, 30)
		for d := 1; d <= 30; d++ {
			w := Compute(counts, t0, t0.Add(time.Duration(d)*day), 30)
			assert.Less(t, w, prev, "base %d day %d", base, d)
			prev = w
		}
		assert.Equal(t, 0.0, prev)
	}
}

func TestCompute_Rounding(t *testing.T) {
	// 2 * 29/30 = 1.9333...
	assert.Equal(t, 1.93, Compute(loop.Counts{Useful: 2}, t0, t0.Add(day), 30))
	// Future creation times count as age zero.
	assert.Equal(t, 2.0, Compute(loop.Counts{Useful: 2}, t0.Add(day), t0, 30))
	// Zero window falls back to the default.
	assert.Equal(t, 1.5, Compute(loop.Counts{Useful: 3}, t0, t0.Add(15*day), 0))
}

func TestEngine_RecomputeWritesWeightAndBase(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedLoop(t, s, "loop-1", 3, 0)
	seedLoop(t, s, "noisy", 1, 4)

	clk := &clock{now: t0.Add(15 * day)}
	rec := &events.Recorder{}
	e := NewEngine(s, WithClock(clk.Now), WithPublisher(rec))

	res, err := e.Recompute(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, 1.5, res.Weight)
	assert.Equal(t, 3, res.Base)
	assert.Equal(t, loop.KindLoop, res.Kind)

	got, err := s.GetLoop(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.Weight)
	assert.Equal(t, 3, got.ScoreBase)
	assert.True(t, got.WeightComputedAt.Equal(clk.Now()))
	assert.True(t, got.Updated.Equal(t0), "weight writes do not count as mutations")

	res, err = e.Recompute(ctx, "noisy")
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Weight)
	assert.Equal(t, -3, res.Base)

	// Only the changed weight is published.
	weightEvents := rec.OfType(events.TypeWeight)
	require.Len(t, weightEvents, 1)
	assert.Equal(t, "loop-1", weightEvents[0].LoopID)
}

func TestEngine_RecomputeWorkstream(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateWorkstream(ctx, &loop.Workstream{ID: "proj-1", Kind: loop.KindProject, Created: t0, Updated: t0}))
	appendFeedback(t, s, "proj-1", 4, 0)

	e := NewEngine(s, WithClock(func() time.Time { return t0.Add(3 * day) }))
	res, err := e.Recompute(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, loop.KindProject, res.Kind)
	assert.Equal(t, 3.6, res.Weight)

	w, err := s.GetWorkstream(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 3.6, w.Weight)
	assert.Equal(t, 4, w.ScoreBase)
}

func TestEngine_RecomputeErrors(t *testing.T) {
	e := NewEngine(store.NewMemoryStore())

	_, err := e.Recompute(context.Background(), "")
	assert.ErrorIs(t, err, loop.ErrInvalidInput)

	_, err = e.Recompute(context.Background(), "ghost")
	assert.ErrorIs(t, err, loop.ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Recompute(ctx, "ghost")
	assert.ErrorIs(t, err, loop.ErrCancelled)
}

func TestEngine_RecomputeAll(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	for i := 0; i < 30; i++ {
		seedLoop(t, s, fmt.Sprintf("loop-%02d", i), i%5, 0)
	}
	require.NoError(t, s.CreateWorkstream(ctx, &loop.Workstream{ID: "prog-1", Kind: loop.KindProgram, Created: t0, Updated: t0}))
	appendFeedback(t, s, "prog-1", 2, 0)

	e := NewEngine(s, WithClock(func() time.Time { return t0 }), WithWorkers(3))

	outcomes, err := e.RecomputeAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 31)
	for _, o := range outcomes {
		require.NoError(t, o.Err)
	}

	got, err := s.GetLoop(ctx, "loop-04")
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.Weight)

	kind := loop.KindProgram
	outcomes, err = e.RecomputeAll(ctx, &kind)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "prog-1", outcomes[0].ID)
	assert.Equal(t, 2.0, outcomes[0].Weight)

	bad := loop.Kind("epic")
	_, err = e.RecomputeAll(ctx, &bad)
	assert.ErrorIs(t, err, loop.ErrInvalidInput)
}

// failingStore fails updates for one id.
type failingStore struct {
	store.Store
	failID string
}

func (f *failingStore) UpdateLoop(ctx context.Context, id string, fn func(*loop.Loop) error) (*loop.Loop, error) {
	if id == f.failID {
		return nil, fmt.Errorf("%w: injected", loop.ErrStoreConflict)
	}
	return f.Store.UpdateLoop(ctx, id, fn)
}

func TestEngine_RecomputeAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		seedLoop(t, mem, id, 1, 0)
	}
	e := NewEngine(&failingStore{Store: mem, failID: "b"}, WithClock(func() time.Time { return t0 }))

	outcomes, err := e.RecomputeAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)

	byID := map[string]Outcome{}
	for _, o := range outcomes {
		byID[o.ID] = o
	}
	assert.NoError(t, byID["a"].Err)
	assert.True(t, errors.Is(byID["b"].Err, loop.ErrStoreConflict))
	assert.NoError(t, byID["c"].Err)
	assert.Equal(t, 1.0, byID["c"].Weight)
}

func TestEngine_ConcurrentRecomputeSameID(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	seedLoop(t, s, "loop-1", 2, 0)
	km := store.NewKeyedMutex()
	e := NewEngine(s, WithLocks(km), WithClock(func() time.Time { return t0 }))

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Recompute(ctx, "loop-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetLoop(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Weight)
	assert.Equal(t, int64(26), got.Version)
	assert.Zero(t, km.Len())
}

func TestFromAppConfig(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), FromAppConfig(config.WeightsConfig{DecayWindowDays: 14, Workers: 2})...)
	assert.Equal(t, 14, e.WindowDays())
	assert.Equal(t, 2, e.workers)
}
