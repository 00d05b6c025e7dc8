package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/loop"
)

// MemoryStore keeps everything in maps guarded by one RWMutex. Reads return
// deep copies.
type MemoryStore struct {
	mu          sync.RWMutex
	loops       map[string]*loop.Loop
	workstreams map[string]*loop.Workstream
	feedback    []loop.FeedbackEvent
	byTarget    map[string][]int
	seq         int64
	opts        options
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := options{maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		loops:       make(map[string]*loop.Loop),
		workstreams: make(map[string]*loop.Workstream),
		byTarget:    make(map[string][]int),
		opts:        o,
	}
}

func (m *MemoryStore) exists(id string) bool {
	_, isLoop := m.loops[id]
	_, isWorkstream := m.workstreams[id]
	return isLoop || isWorkstream
}

// CreateLoop implements Store.
func (m *MemoryStore) CreateLoop(ctx context.Context, l *loop.Loop) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exists(l.ID) {
		return duplicate(l.ID)
	}
	c := l.Clone()
	c.Version = 1
	m.loops[l.ID] = c
	l.Version = 1
	return nil
}

// GetLoop implements Store.
func (m *MemoryStore) GetLoop(ctx context.Context, id string) (*loop.Loop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loops[id]
	if !ok {
		return nil, notFound("loop", id)
	}
	return l.Clone(), nil
}

// ListLoops implements Store.
func (m *MemoryStore) ListLoops(ctx context.Context, filter LoopFilter) ([]*loop.Loop, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*loop.Loop, 0, len(m.loops))
	for _, l := range m.loops {
		if filter.Match(l) {
			out = append(out, l.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return createdBefore(out[i].Created, out[i].ID, out[j].Created, out[j].ID)
	})
	return out, nil
}

// UpdateLoop implements Store.
func (m *MemoryStore) UpdateLoop(ctx context.Context, id string, fn func(*loop.Loop) error) (*loop.Loop, error) {
	ops := loopOps(m.opts.maxRetries, m.GetLoop, func(_ context.Context, expected int64, next *loop.Loop) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.loops[next.ID]
		if !ok {
			return false, notFound("loop", next.ID)
		}
		if cur.Version != expected {
			return false, nil
		}
		m.loops[next.ID] = next.Clone()
		return true, nil
	})
	return update(ctx, ops, id, fn)
}

// CreateWorkstream implements Store.
func (m *MemoryStore) CreateWorkstream(ctx context.Context, w *loop.Workstream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exists(w.ID) {
		return duplicate(w.ID)
	}
	c := w.Clone()
	c.Version = 1
	m.workstreams[w.ID] = c
	w.Version = 1
	return nil
}

// GetWorkstream implements Store.
func (m *MemoryStore) GetWorkstream(ctx context.Context, id string) (*loop.Workstream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workstreams[id]
	if !ok {
		return nil, notFound("workstream", id)
	}
	return w.Clone(), nil
}

// ListWorkstreams implements Store.
func (m *MemoryStore) ListWorkstreams(ctx context.Context, kind *loop.Kind) ([]*loop.Workstream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]*loop.Workstream, 0, len(m.workstreams))
	for _, w := range m.workstreams {
		if kind == nil || w.Kind == *kind {
			out = append(out, w.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return createdBefore(out[i].Created, out[i].ID, out[j].Created, out[j].ID)
	})
	return out, nil
}

// UpdateWorkstream implements Store.
func (m *MemoryStore) UpdateWorkstream(ctx context.Context, id string, fn func(*loop.Workstream) error) (*loop.Workstream, error) {
	ops := workstreamOps(m.opts.maxRetries, m.GetWorkstream, func(_ context.Context, expected int64, next *loop.Workstream) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		cur, ok := m.workstreams[next.ID]
		if !ok {
			return false, notFound("workstream", next.ID)
		}
		if cur.Version != expected {
			return false, nil
		}
		m.workstreams[next.ID] = next.Clone()
		return true, nil
	})
	return update(ctx, ops, id, fn)
}

// AppendFeedback implements Store.
func (m *MemoryStore) AppendFeedback(ctx context.Context, ev loop.FeedbackEvent) (loop.FeedbackEvent, error) {
	if err := ctx.Err(); err != nil {
		return loop.FeedbackEvent{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev time.Time
	if n := len(m.feedback); n > 0 {
		prev = m.feedback[n-1].Timestamp
	}
	ev.Timestamp = clampTimestamp(ev.Timestamp, prev)
	m.seq++
	ev.Seq = m.seq
	m.feedback = append(m.feedback, ev)
	m.byTarget[ev.TargetID] = append(m.byTarget[ev.TargetID], len(m.feedback)-1)
	return ev, nil
}

// ListFeedback implements Store.
func (m *MemoryStore) ListFeedback(ctx context.Context, targetID string) ([]loop.FeedbackEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byTarget[targetID]
	out := make([]loop.FeedbackEvent, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.feedback[i])
	}
	return out, nil
}

// CountFeedback implements Store.
func (m *MemoryStore) CountFeedback(ctx context.Context, targetID string) (loop.Counts, error) {
	if err := ctx.Err(); err != nil {
		return loop.Counts{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c loop.Counts
	for _, i := range m.byTarget[targetID] {
		switch m.feedback[i].Polarity {
		case loop.PolarityUseful:
			c.Useful++
		case loop.PolarityFalsePositive:
			c.FalsePositive++
		}
	}
	return c, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

func createdBefore(ta time.Time, ida string, tb time.Time, idb string) bool {
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return ida < idb
}
