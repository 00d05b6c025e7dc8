package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type factory struct {
	name string
	open func(t *testing.T) Store
}

func factories() []factory {
	return []factory{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(context.Background(), SQLiteConfig{
				Path: filepath.Join(t.TempDir(), "loopd.db"),
			}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			fn(t, f.open(t))
		})
	}
}

func newLoop(id string, created time.Time) *loop.Loop {
	return &loop.Loop{
		ID:      id,
		Summary: "summary of " + id,
		Status:  loop.StatusOpen,
		Tags:    []string{"billing", "eu"},
		Source:  "notes/2026-03-01.md",
		Tier:    loop.TierActive,
		Created: created,
		Updated: created,
	}
}

func TestStore_LoopRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		l := newLoop("loop-1", t0)
		l.LinkedWorkstream = "proj-1"
		require.NoError(t, s.CreateLoop(ctx, l))
		assert.Equal(t, int64(1), l.Version)

		got, err := s.GetLoop(ctx, "loop-1")
		require.NoError(t, err)
		assert.Equal(t, "summary of loop-1", got.Summary)
		assert.Equal(t, loop.StatusOpen, got.Status)
		assert.Equal(t, []string{"billing", "eu"}, got.Tags)
		assert.Equal(t, "proj-1", got.LinkedWorkstream)
		assert.Equal(t, loop.TierActive, got.Tier)
		assert.True(t, got.Created.Equal(t0))
		assert.True(t, got.WeightComputedAt.IsZero())
		assert.Equal(t, int64(1), got.Version)

		// Mutating the returned copy does not touch the store.
		got.Summary = "changed"
		again, err := s.GetLoop(ctx, "loop-1")
		require.NoError(t, err)
		assert.Equal(t, "summary of loop-1", again.Summary)
	})
}

func TestStore_DuplicateAndMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateLoop(ctx, newLoop("dup", t0)))
		assert.ErrorIs(t, s.CreateLoop(ctx, newLoop("dup", t0)), loop.ErrDuplicateID)

		// Loops and workstreams share one id space.
		err := s.CreateWorkstream(ctx, &loop.Workstream{ID: "dup", Kind: loop.KindProject, Created: t0, Updated: t0})
		assert.ErrorIs(t, err, loop.ErrDuplicateID)

		_, err = s.GetLoop(ctx, "nope")
		assert.ErrorIs(t, err, loop.ErrNotFound)
		_, err = s.GetWorkstream(ctx, "nope")
		assert.ErrorIs(t, err, loop.ErrNotFound)
		_, err = s.UpdateLoop(ctx, "nope", func(*loop.Loop) error { return nil })
		assert.ErrorIs(t, err, loop.ErrNotFound)
	})
}

func TestStore_ListLoopsFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := newLoop("a", t0.Add(2*time.Hour))
		b := newLoop("b", t0)
		b.Status = loop.StatusClosed
		c := newLoop("c", t0.Add(time.Hour))
		c.Verified = true
		d := newLoop("d", t0.Add(3*time.Hour))
		d.Status = loop.StatusClosed
		d.Tier = loop.TierArchive
		for _, l := range []*loop.Loop{a, b, c, d} {
			require.NoError(t, s.CreateLoop(ctx, l))
		}

		all, err := s.ListLoops(ctx, LoopFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "a", "d"}, loopIDs(all))

		closed, err := s.ListLoops(ctx, LoopFilter{Status: loop.StatusClosed, Tier: loop.TierActive})
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, loopIDs(closed))

		yes := true
		verified, err := s.ListLoops(ctx, LoopFilter{Verified: &yes})
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, loopIDs(verified))
	})
}

func TestStore_UpdateLoopBumpsVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateLoop(ctx, newLoop("loop-1", t0)))

		updated, err := s.UpdateLoop(ctx, "loop-1", func(l *loop.Loop) error {
			l.Weight = 3.5
			l.ScoreBase = 4
			l.WeightComputedAt = t0.Add(time.Hour)
			l.Created = t0.Add(999 * time.Hour) // ignored
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		got, err := s.GetLoop(ctx, "loop-1")
		require.NoError(t, err)
		assert.Equal(t, 3.5, got.Weight)
		assert.Equal(t, 4, got.ScoreBase)
		assert.True(t, got.Created.Equal(t0))
		assert.True(t, got.WeightComputedAt.Equal(t0.Add(time.Hour)))
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestStore_UpdateNoChangeAndError(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateLoop(ctx, newLoop("loop-1", t0)))

		got, err := s.UpdateLoop(ctx, "loop-1", func(*loop.Loop) error { return ErrNoChange })
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)

		boom := errors.New("boom")
		_, err = s.UpdateLoop(ctx, "loop-1", func(l *loop.Loop) error {
			l.Summary = "half-written"
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err = s.GetLoop(ctx, "loop-1")
		require.NoError(t, err)
		assert.Equal(t, "summary of loop-1", got.Summary)
		assert.Equal(t, int64(1), got.Version)
	})
}

func TestStore_UpdateConflictExhaustsRetries(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateLoop(ctx, newLoop("loop-1", t0)))

		// Every attempt races with a competing write.
		attempts := 0
		_, err := s.UpdateLoop(ctx, "loop-1", func(l *loop.Loop) error {
			attempts++
			_, err := s.UpdateLoop(ctx, "loop-1", func(inner *loop.Loop) error {
				inner.Weight++
				return nil
			})
			require.NoError(t, err)
			l.Summary = "loser"
			return nil
		})
		assert.ErrorIs(t, err, loop.ErrStoreConflict)
		assert.Equal(t, DefaultMaxRetries, attempts)

		got, err := s.GetLoop(ctx, "loop-1")
		require.NoError(t, err)
		assert.NotEqual(t, "loser", got.Summary)
		assert.Equal(t, float64(DefaultMaxRetries), got.Weight)
	})
}

func TestStore_ConcurrentUpdatesSerialise(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateLoop(ctx, newLoop("loop-1", t0)))

		km := NewKeyedMutex()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := km.Lock(ctx, "loop-1")
				if !assert.NoError(t, err) {
					return
				}
				defer unlock()
				_, err = s.UpdateLoop(ctx, "loop-1", func(l *loop.Loop) error {
					l.ScoreBase++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetLoop(ctx, "loop-1")
		require.NoError(t, err)
		assert.Equal(t, 20, got.ScoreBase)
		assert.Equal(t, int64(21), got.Version)
		assert.Zero(t, km.Len())
	})
}

func TestStore_Workstreams(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		prog := &loop.Workstream{ID: "prog-1", Kind: loop.KindProgram, Goal: loop.Goal{"grow revenue"}, Created: t0, Updated: t0}
		proj := &loop.Workstream{ID: "proj-1", Kind: loop.KindProject, Title: "Billing", Goal: loop.Goal{"fix invoices", "ship EU"}, Created: t0.Add(time.Minute), Updated: t0}
		require.NoError(t, s.CreateWorkstream(ctx, prog))
		require.NoError(t, s.CreateWorkstream(ctx, proj))

		got, err := s.GetWorkstream(ctx, "proj-1")
		require.NoError(t, err)
		assert.Equal(t, loop.KindProject, got.Kind)
		assert.Equal(t, "Billing", got.Title)
		assert.Equal(t, loop.Goal{"fix invoices", "ship EU"}, got.Goal)
		assert.Empty(t, got.LinkedLoops)

		kind := loop.KindProject
		projects, err := s.ListWorkstreams(ctx, &kind)
		require.NoError(t, err)
		require.Len(t, projects, 1)
		assert.Equal(t, "proj-1", projects[0].ID)

		all, err := s.ListWorkstreams(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		updated, err := s.UpdateWorkstream(ctx, "proj-1", func(w *loop.Workstream) error {
			w.LinkedLoops = append(w.LinkedLoops, "loop-1")
			w.Kind = loop.KindProgram // ignored
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		got, err = s.GetWorkstream(ctx, "proj-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"loop-1"}, got.LinkedLoops)
		assert.Equal(t, loop.KindProject, got.Kind)
	})
}

func TestStore_FeedbackLedger(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		events := []loop.FeedbackEvent{
			{ID: "f1", TargetID: "loop-1", Polarity: loop.PolarityUseful, Timestamp: t0.Add(time.Hour)},
			{ID: "f2", TargetID: "loop-2", Polarity: loop.PolarityFalsePositive, Timestamp: t0.Add(2 * time.Hour)},
			// Earlier than its predecessor: clamped.
			{ID: "f3", TargetID: "loop-1", Polarity: loop.PolarityFalsePositive, Timestamp: t0},
			{ID: "f4", TargetID: "loop-1", Polarity: loop.PolarityUseful, Timestamp: t0.Add(3 * time.Hour), Source: "review"},
		}
		var stored []loop.FeedbackEvent
		for _, ev := range events {
			got, err := s.AppendFeedback(ctx, ev)
			require.NoError(t, err)
			stored = append(stored, got)
		}
		for i := 1; i < len(stored); i++ {
			assert.Greater(t, stored[i].Seq, stored[i-1].Seq)
			assert.False(t, stored[i].Timestamp.Before(stored[i-1].Timestamp))
		}
		assert.True(t, stored[2].Timestamp.Equal(t0.Add(2*time.Hour)))

		list, err := s.ListFeedback(ctx, "loop-1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "f1", list[0].ID)
		assert.Equal(t, "f3", list[1].ID)
		assert.Equal(t, "f4", list[2].ID)
		assert.Equal(t, "review", list[2].Source)

		counts, err := s.CountFeedback(ctx, "loop-1")
		require.NoError(t, err)
		assert.Equal(t, loop.Counts{Useful: 2, FalsePositive: 1}, counts)

		empty, err := s.CountFeedback(ctx, "ghost")
		require.NoError(t, err)
		assert.Equal(t, loop.Counts{}, empty)

		none, err := s.ListFeedback(ctx, "ghost")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestStore_CancelledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.UpdateLoop(ctx, "loop-1", func(*loop.Loop) error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		err = s.CreateLoop(ctx, newLoop("x", t0))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "loopd.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, SQLiteConfig{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateLoop(ctx, newLoop("loop-1", t0)))
	_, err = s.AppendFeedback(ctx, loop.FeedbackEvent{ID: "f1", TargetID: "loop-1", Polarity: loop.PolarityUseful, Timestamp: t0})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(ctx, SQLiteConfig{Path: path}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetLoop(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, "summary of loop-1", got.Summary)

	counts, err := reopened.CountFeedback(ctx, "loop-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Useful)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "postgres"}, nil)
	assert.Error(t, err)
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Other keys are independent.
	unlockOther, err := km.Lock(context.Background(), "other")
	require.NoError(t, err)
	unlockOther()

	unlock()
	unlock() // second call is a no-op
	assert.Zero(t, km.Len())
}

func loopIDs(ls []*loop.Loop) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.ID
	}
	return out
}
