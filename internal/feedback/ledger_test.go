package feedback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateLoop(ctx, &loop.Loop{ID: "loop-1", Summary: "s", Status: loop.StatusOpen, Tier: loop.TierActive, Created: t0, Updated: t0}))
	require.NoError(t, s.CreateWorkstream(ctx, &loop.Workstream{ID: "proj-1", Kind: loop.KindProject, Created: t0, Updated: t0}))
	return s
}

func TestLedger_RecordAndAggregate(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(seeded(t), WithClock(func() time.Time { return t0 }))

	for _, p := range []loop.Polarity{loop.PolarityUseful, loop.PolarityUseful, loop.PolarityFalsePositive} {
		_, err := l.Record(ctx, "loop-1", p, "cli")
		require.NoError(t, err)
	}
	_, err := l.Record(ctx, "proj-1", loop.PolarityUseful, "")
	require.NoError(t, err)

	c, err := l.Aggregate(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, loop.Counts{Useful: 2, FalsePositive: 1}, c)
	assert.Equal(t, 1, c.Base())

	c, err = l.Aggregate(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Useful)
}

func TestLedger_DuplicatesAreKept(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(seeded(t))

	a, err := l.Record(ctx, "loop-1", loop.PolarityUseful, "same")
	require.NoError(t, err)
	b, err := l.Record(ctx, "loop-1", loop.PolarityUseful, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Greater(t, b.Seq, a.Seq)

	evs, err := l.List(ctx, "loop-1")
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestLedger_TimestampsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	times := []time.Time{t0.Add(time.Hour), t0, t0.Add(30 * time.Minute), t0.Add(2 * time.Hour)}
	i := 0
	l := NewLedger(seeded(t), WithClock(func() time.Time {
		ts := times[i]
		i++
		return ts
	}))

	var prev time.Time
	for range times {
		ev, err := l.Record(ctx, "loop-1", loop.PolarityUseful, "")
		require.NoError(t, err)
		assert.False(t, ev.Timestamp.Before(prev))
		prev = ev.Timestamp
	}
}

func TestLedger_Validation(t *testing.T) {
	ctx := context.Background()
	s := seeded(t)
	l := NewLedger(s)

	_, err := l.Record(ctx, "", loop.PolarityUseful, "")
	assert.ErrorIs(t, err, loop.ErrInvalidInput)

	_, err = l.Record(ctx, "loop-1", loop.Polarity("meh"), "")
	assert.ErrorIs(t, err, loop.ErrInvalidInput)

	_, err = l.Record(ctx, "ghost", loop.PolarityUseful, "")
	assert.ErrorIs(t, err, loop.ErrNotFound)

	_, err = l.Aggregate(ctx, " ")
	assert.ErrorIs(t, err, loop.ErrInvalidInput)

	evs, err := s.ListFeedback(ctx, "ghost")
	require.NoError(t, err)
	assert.Empty(t, evs, "rejected records must not be appended")
}

func TestLedger_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := NewLedger(seeded(t))
	_, err := l.Record(ctx, "loop-1", loop.PolarityUseful, "")
	assert.ErrorIs(t, err, loop.ErrCancelled)
}

func TestLedger_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(seeded(t))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := loop.PolarityUseful
			if i%5 == 0 {
				p = loop.PolarityFalsePositive
			}
			_, err := l.Record(ctx, "loop-1", p, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	c, err := l.Aggregate(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, loop.Counts{Useful: 40, FalsePositive: 10}, c)
}

func TestLedger_Resolve(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(seeded(t))

	target, err := l.Resolve(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, loop.KindProject, target.Kind)

	target, err = l.Resolve(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, loop.KindLoop, target.Kind)
	assert.True(t, target.Created.Equal(t0))
}
