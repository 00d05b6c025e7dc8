// Package lifecycle owns loop state transitions.
//
// Status follows a small state machine:
//
//	draft  -> open
//	open   -> closed | promoted
//	closed -> open
//
// Re-applying the current status is a successful no-op. Verified is an
// independent flag. Promotion is gated on the stored weight and is only ever
// performed by an explicit call; recomputing a weight never promotes.
//
// Every mutation takes the per-id lock shared with the weight engine and
// lands through the store's version check. Lifecycle events are published
// after the write; a publish failure is logged, never returned.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/fyrsmithlabs/loopd/internal/vectorindex"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opCreate           = "lifecycle.create"
	opSetStatus        = "lifecycle.set_status"
	opSetVerified      = "lifecycle.set_verified"
	opPromote          = "lifecycle.promote"
	opArchive          = "lifecycle.archive"
	opArchiveBefore    = "lifecycle.archive_before"
	opLink             = "lifecycle.link"
	opCreateWorkstream = "lifecycle.create_workstream"
	opGet              = "lifecycle.get"
	opList             = "lifecycle.list"
)

// DefaultPromoteThreshold is the minimum weight for promotion.
const DefaultPromoteThreshold = 4.0

// maxTitleLen bounds workstream titles derived from loop summaries.
const maxTitleLen = 120

// workstreamNamespace derives stable project ids from promoted loop ids, so
// a retried promotion finds the project an earlier attempt created.
var workstreamNamespace = uuid.MustParse("2b0f6f3c-58a4-4c1e-9d7b-0c3e5a8f1d42")

// DocumentEmbedder embeds text destined for the vector index.
type DocumentEmbedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// Indexer is the write side of vectorindex.Index.
type Indexer interface {
	Upsert(ctx context.Context, id string, vector []float32, payload vectorindex.Payload) error
	Delete(ctx context.Context, id string) error
}

// Config holds lifecycle policy.
type Config struct {
	PromoteThreshold float64

	// RequireVerified makes promotion of an unverified loop an invalid
	// transition. Off by default: verified and status are independent.
	RequireVerified bool
}

// FromAppConfig converts the lifecycle config section.
func FromAppConfig(c config.LifecycleConfig) Config {
	cfg := Config{PromoteThreshold: c.PromoteThreshold, RequireVerified: c.RequireVerifiedForPromotion}
	if cfg.PromoteThreshold <= 0 {
		cfg.PromoteThreshold = DefaultPromoteThreshold
	}
	return cfg
}

// Manager applies lifecycle operations.
type Manager struct {
	store     store.Store
	locks     *store.KeyedMutex
	publisher events.Publisher
	embedder  DocumentEmbedder
	index     Indexer
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocks shares a keyed mutex with the weight engine.
func WithLocks(km *store.KeyedMutex) Option {
	return func(m *Manager) {
		if km != nil {
			m.locks = km
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithIndexing keeps the vector index in step with created loops and
// workstreams. Without it nothing is indexed.
func WithIndexing(embedder DocumentEmbedder, index Indexer) Option {
	return func(m *Manager) {
		m.embedder = embedder
		m.index = index
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a Manager.
func NewManager(s store.Store, cfg Config, opts ...Option) *Manager {
	if cfg.PromoteThreshold <= 0 {
		cfg.PromoteThreshold = DefaultPromoteThreshold
	}
	m := &Manager{
		store:     s,
		locks:     store.NewKeyedMutex(),
		publisher: events.Nop{},
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager's policy.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) lock(ctx context.Context, op, id string) (func(), error) {
	unlock, err := m.locks.Lock(ctx, id)
	if err != nil {
		return nil, loop.Wrap(op, id, err)
	}
	return unlock, nil
}

// Get returns one loop.
func (m *Manager) Get(ctx context.Context, id string) (*loop.Loop, error) {
	if err := loop.ValidateID(id); err != nil {
		return nil, loop.Wrap(opGet, id, err)
	}
	l, err := m.store.GetLoop(ctx, id)
	if err != nil {
		return nil, loop.Wrap(opGet, id, err)
	}
	return l, nil
}

// List returns loops matching filter.
func (m *Manager) List(ctx context.Context, filter store.LoopFilter) ([]*loop.Loop, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, loop.Errorf(opList, "", loop.ErrInvalidInput, "unknown status %q", filter.Status)
	}
	if filter.Tier != "" && filter.Tier != loop.TierActive && filter.Tier != loop.TierArchive {
		return nil, loop.Errorf(opList, "", loop.ErrInvalidInput, "unknown tier %q", filter.Tier)
	}
	ls, err := m.store.ListLoops(ctx, filter)
	if err != nil {
		return nil, loop.Wrap(opList, "", err)
	}
	return ls, nil
}

// Create stores a new loop with status open, or draft when requested.
func (m *Manager) Create(ctx context.Context, in loop.NewLoop) (*loop.Loop, error) {
	if err := in.Validate(); err != nil {
		return nil, loop.Wrap(opCreate, in.ID, err)
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if err := loop.CheckContext(ctx, opCreate, in.ID); err != nil {
		return nil, err
	}
	if in.LinkedWorkstream != "" {
		if _, err := m.store.GetWorkstream(ctx, in.LinkedWorkstream); err != nil {
			return nil, loop.Wrap(opCreate, in.ID, err)
		}
	}

	now := m.now()
	status := loop.StatusOpen
	if in.Draft {
		status = loop.StatusDraft
	}
	l := &loop.Loop{
		ID:               in.ID,
		Summary:          strings.TrimSpace(in.Summary),
		Status:           status,
		Tags:             in.Tags,
		Source:           in.Source,
		LinkedWorkstream: in.LinkedWorkstream,
		Tier:             loop.TierActive,
		Created:          now,
		Updated:          now,
	}
	if err := m.store.CreateLoop(ctx, l); err != nil {
		if errors.Is(err, loop.ErrDuplicateID) && in.LinkedWorkstream != "" {
			if resumed, ok, err := m.resumeCreate(ctx, in); ok {
				return resumed, err
			}
		}
		return nil, loop.Wrap(opCreate, in.ID, err)
	}
	transitionsTotal.WithLabelValues("none", string(status)).Inc()

	// The loop is committed. The back-reference must follow it even if the
	// caller goes away.
	done := context.WithoutCancel(ctx)
	if l.LinkedWorkstream != "" {
		if _, err := m.appendLinkedLoop(done, l.LinkedWorkstream, l.ID); err != nil {
			return nil, loop.Wrap(opCreate, l.ID, err)
		}
	}

	m.indexEntity(done, l.ID, loop.KindLoop, l.Summary)
	m.publish(done, events.TypeCreated, l.ID, map[string]any{"status": string(status)})
	m.logger.Info("loop created", append(logging.ContextFields(ctx),
		zap.String("loop", l.ID), zap.String("status", string(status)))...)
	return l, nil
}

// resumeCreate finishes a linked create whose loop was stored but whose
// workstream back-reference was not. ok is false when the existing loop is
// not the same request or is already complete, so the caller reports the
// duplicate.
func (m *Manager) resumeCreate(ctx context.Context, in loop.NewLoop) (*loop.Loop, bool, error) {
	unlock, err := m.lock(ctx, opCreate, in.ID)
	if err != nil {
		return nil, true, err
	}
	defer unlock()

	existing, err := m.store.GetLoop(ctx, in.ID)
	if err != nil {
		return nil, false, nil
	}
	if existing.LinkedWorkstream != in.LinkedWorkstream || existing.Summary != strings.TrimSpace(in.Summary) {
		return nil, false, nil
	}
	ws, err := m.store.GetWorkstream(ctx, in.LinkedWorkstream)
	if err != nil {
		return nil, true, loop.Wrap(opCreate, in.ID, err)
	}
	if ws.HasLoop(in.ID) {
		return nil, false, nil
	}

	done := context.WithoutCancel(ctx)
	if _, err := m.appendLinkedLoop(done, in.LinkedWorkstream, in.ID); err != nil {
		return nil, true, loop.Wrap(opCreate, in.ID, err)
	}
	m.indexEntity(done, existing.ID, loop.KindLoop, existing.Summary)
	m.publish(done, events.TypeCreated, existing.ID, map[string]any{"status": string(existing.Status)})
	m.logger.Info("completed interrupted loop create", append(logging.ContextFields(ctx),
		zap.String("loop", existing.ID), zap.String("workstream", in.LinkedWorkstream))...)
	return existing, true, nil
}

// SetStatus moves a loop to status to. Entering promoted goes through
// Promote and its threshold check.
func (m *Manager) SetStatus(ctx context.Context, id string, to loop.Status) (*loop.Loop, error) {
	if err := loop.ValidateID(id); err != nil {
		return nil, loop.Wrap(opSetStatus, id, err)
	}
	if !to.Valid() {
		return nil, loop.Errorf(opSetStatus, id, loop.ErrInvalidInput, "unknown status %q", to)
	}

	if to == loop.StatusPromoted {
		cur, err := m.store.GetLoop(ctx, id)
		if err != nil {
			return nil, loop.Wrap(opSetStatus, id, err)
		}
		if cur.Status == loop.StatusPromoted {
			return cur, nil
		}
		res, err := m.Promote(ctx, id)
		if err != nil {
			return nil, err
		}
		return res.Loop, nil
	}

	unlock, err := m.lock(ctx, opSetStatus, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var from loop.Status
	changed := false
	l, err := m.store.UpdateLoop(ctx, id, func(l *loop.Loop) error {
		from, changed = l.Status, false
		if l.Status == to {
			return store.ErrNoChange
		}
		if l.Tier == loop.TierArchive {
			return fmt.Errorf("%w: loop is archived", loop.ErrInvalidTransition)
		}
		if !loop.CanTransition(l.Status, to) {
			return fmt.Errorf("%w: %s -> %s", loop.ErrInvalidTransition, l.Status, to)
		}
		l.Status = to
		l.Updated = m.now()
		changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, loop.ErrInvalidTransition) {
			transitionsRejected.WithLabelValues(string(from), string(to)).Inc()
		}
		return nil, loop.Wrap(opSetStatus, id, err)
	}
	if changed {
		transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		m.publish(ctx, events.TypeStatus, id, map[string]any{"from": string(from), "to": string(to)})
		m.logger.Info("loop status changed", append(logging.ContextFields(ctx),
			zap.String("loop", id), zap.String("from", string(from)), zap.String("to", string(to)))...)
	}
	return l, nil
}

// SetVerified sets the verified flag. It is unconditional and idempotent.
func (m *Manager) SetVerified(ctx context.Context, id string, verified bool) (*loop.Loop, error) {
	if err := loop.ValidateID(id); err != nil {
		return nil, loop.Wrap(opSetVerified, id, err)
	}
	unlock, err := m.lock(ctx, opSetVerified, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	changed := false
	l, err := m.store.UpdateLoop(ctx, id, func(l *loop.Loop) error {
		changed = false
		if l.Verified == verified {
			return store.ErrNoChange
		}
		l.Verified = verified
		l.Updated = m.now()
		changed = true
		return nil
	})
	if err != nil {
		return nil, loop.Wrap(opSetVerified, id, err)
	}
	if changed {
		m.publish(ctx, events.TypeVerified, id, map[string]any{"verified": verified})
	}
	return l, nil
}

// PromoteResult describes a successful promotion.
type PromoteResult struct {
	Loop       *loop.Loop       `json:"loop"`
	Workstream *loop.Workstream `json:"workstream"`
	// CreatedWorkstream is true when a new project was created for the loop.
	CreatedWorkstream bool `json:"created_workstream"`
}

// Promote promotes an open loop whose weight is at least the threshold.
//
// The loop's linked workstream is used when set; otherwise a project is
// created with the loop summary as its goal. Draft and closed loops must be
// opened first.
func (m *Manager) Promote(ctx context.Context, id string) (*PromoteResult, error) {
	if err := loop.ValidateID(id); err != nil {
		return nil, loop.Wrap(opPromote, id, err)
	}
	unlock, err := m.lock(ctx, opPromote, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	l, err := m.store.GetLoop(ctx, id)
	if err != nil {
		return nil, loop.Wrap(opPromote, id, err)
	}
	if err := m.checkPromotable(l); err != nil {
		promotionsTotal.WithLabelValues(promotionOutcome(err)).Inc()
		return nil, loop.Wrap(opPromote, id, err)
	}

	ws, created, err := m.promotionTarget(ctx, l)
	if err != nil {
		return nil, loop.Wrap(opPromote, id, err)
	}

	// The workstream side is written; finish the loop side regardless of
	// the caller's context.
	done := context.WithoutCancel(ctx)
	from := l.Status
	promoted, err := m.store.UpdateLoop(done, id, func(l *loop.Loop) error {
		if err := m.checkPromotable(l); err != nil {
			return err
		}
		l.Status = loop.StatusPromoted
		l.LinkedWorkstream = ws.ID
		l.Updated = m.now()
		return nil
	})
	if err != nil {
		promotionsTotal.WithLabelValues(promotionOutcome(err)).Inc()
		return nil, loop.Wrap(opPromote, id, err)
	}

	promotionsTotal.WithLabelValues("promoted").Inc()
	transitionsTotal.WithLabelValues(string(from), string(loop.StatusPromoted)).Inc()
	m.publish(done, events.TypePromoted, id, map[string]any{
		"workstream":         ws.ID,
		"created_workstream": created,
		"weight":             promoted.Weight,
	})
	m.logger.Info("loop promoted", append(logging.ContextFields(ctx),
		zap.String("loop", id),
		zap.String("workstream", ws.ID),
		zap.Bool("created_workstream", created),
		zap.Float64("weight", promoted.Weight),
	)...)
	return &PromoteResult{Loop: promoted, Workstream: ws, CreatedWorkstream: created}, nil
}

func (m *Manager) checkPromotable(l *loop.Loop) error {
	switch {
	case l.Tier == loop.TierArchive:
		return fmt.Errorf("%w: loop is archived", loop.ErrInvalidTransition)
	case l.Status == loop.StatusPromoted:
		return fmt.Errorf("%w: loop is already promoted", loop.ErrInvalidTransition)
	case !loop.CanTransition(l.Status, loop.StatusPromoted):
		return fmt.Errorf("%w: %s -> %s, open the loop first", loop.ErrInvalidTransition, l.Status, loop.StatusPromoted)
	case m.cfg.RequireVerified && !l.Verified:
		return fmt.Errorf("%w: loop must be verified before promotion", loop.ErrInvalidTransition)
	case l.Weight < m.cfg.PromoteThreshold:
		return fmt.Errorf("%w: weight %.2f below %.2f", loop.ErrThresholdNotMet, l.Weight, m.cfg.PromoteThreshold)
	}
	return nil
}

// promotionTarget links the loop's workstream or creates a project for it.
func (m *Manager) promotionTarget(ctx context.Context, l *loop.Loop) (*loop.Workstream, bool, error) {
	if l.LinkedWorkstream != "" {
		if _, err := m.appendLinkedLoop(ctx, l.LinkedWorkstream, l.ID); err != nil {
			return nil, false, err
		}
		ws, err := m.store.GetWorkstream(context.WithoutCancel(ctx), l.LinkedWorkstream)
		return ws, false, err
	}

	now := m.now()
	ws := &loop.Workstream{
		ID:          "proj-" + uuid.NewSHA1(workstreamNamespace, []byte(l.ID)).String(),
		Kind:        loop.KindProject,
		Title:       titleFrom(l.Summary),
		Goal:        loop.NormalizeGoal(l.Summary),
		LinkedLoops: []string{l.ID},
		Created:     now,
		Updated:     now,
	}
	err := m.store.CreateWorkstream(ctx, ws)
	if errors.Is(err, loop.ErrDuplicateID) {
		// An earlier attempt created it.
		if _, err := m.appendLinkedLoop(ctx, ws.ID, l.ID); err != nil {
			return nil, false, err
		}
		existing, err := m.store.GetWorkstream(context.WithoutCancel(ctx), ws.ID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, err
	}
	m.indexEntity(context.WithoutCancel(ctx), ws.ID, loop.KindProject, strings.Join(ws.Goal, "\n"))
	return ws, true, nil
}

// appendLinkedLoop adds the workstream's back-reference to loopID and
// reports whether it was missing.
func (m *Manager) appendLinkedLoop(ctx context.Context, workstreamID, loopID string) (bool, error) {
	added := false
	_, err := m.store.UpdateWorkstream(ctx, workstreamID, func(w *loop.Workstream) error {
		added = false
		if w.HasLoop(loopID) {
			return store.ErrNoChange
		}
		w.LinkedLoops = append(w.LinkedLoops, loopID)
		w.Updated = m.now()
		added = true
		return nil
	})
	return added, err
}

// Archive moves a closed loop last updated at or before cutoff into the
// archive tier. The record is kept. Archiving an archived loop is a no-op.
func (m *Manager) Archive(ctx context.Context, id string, cutoff time.Time) (*loop.Loop, error) {
	if err := loop.ValidateID(id); err != nil {
		return nil, loop.Wrap(opArchive, id, err)
	}
	unlock, err := m.lock(ctx, opArchive, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	changed := false
	l, err := m.store.UpdateLoop(ctx, id, func(l *loop.Loop) error {
		changed = false
		if l.Tier == loop.TierArchive {
			return store.ErrNoChange
		}
		if l.Status != loop.StatusClosed {
			return fmt.Errorf("%w: only closed loops can be archived, status is %s", loop.ErrInvalidTransition, l.Status)
		}
		if l.Updated.After(cutoff) {
			return fmt.Errorf("%w: updated %s is after cutoff %s", loop.ErrInvalidTransition,
				l.Updated.Format(time.RFC3339), cutoff.Format(time.RFC3339))
		}
		l.Tier = loop.TierArchive
		l.Updated = m.now()
		changed = true
		return nil
	})
	if err != nil {
		return nil, loop.Wrap(opArchive, id, err)
	}
	if changed {
		archivedTotal.Inc()
		m.unindex(ctx, id)
		m.publish(ctx, events.TypeArchived, id, map[string]any{"cutoff": cutoff})
	}
	return l, nil
}

// ArchiveOutcome is one entry of ArchiveBefore.
type ArchiveOutcome struct {
	ID  string `json:"id"`
	Err error  `json:"-"`
}

// ArchiveBefore archives every active closed loop last updated at or before
// cutoff. One failure does not stop the rest.
func (m *Manager) ArchiveBefore(ctx context.Context, cutoff time.Time) ([]ArchiveOutcome, error) {
	candidates, err := m.store.ListLoops(ctx, store.LoopFilter{Status: loop.StatusClosed, Tier: loop.TierActive})
	if err != nil {
		return nil, loop.Wrap(opArchiveBefore, "", err)
	}
	var out []ArchiveOutcome
	for _, l := range candidates {
		if l.Updated.After(cutoff) {
			continue
		}
		if err := loop.CheckContext(ctx, opArchiveBefore, ""); err != nil {
			return out, err
		}
		_, err := m.Archive(ctx, l.ID, cutoff)
		if err != nil {
			m.logger.Warn("archive failed", zap.String("loop", l.ID), zap.Error(err))
		}
		out = append(out, ArchiveOutcome{ID: l.ID, Err: err})
	}
	return out, nil
}

// Link attaches a loop to a workstream and records the loop in the
// workstream's linked loops. It is idempotent.
func (m *Manager) Link(ctx context.Context, loopID, workstreamID string) (*loop.Loop, error) {
	if err := loop.ValidateID(loopID); err != nil {
		return nil, loop.Wrap(opLink, loopID, err)
	}
	if err := loop.ValidateID(workstreamID); err != nil {
		return nil, loop.Wrap(opLink, loopID, err)
	}
	unlock, err := m.lock(ctx, opLink, loopID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := m.store.GetWorkstream(ctx, workstreamID); err != nil {
		return nil, loop.Wrap(opLink, loopID, err)
	}

	changed := false
	l, err := m.store.UpdateLoop(ctx, loopID, func(l *loop.Loop) error {
		changed = false
		if l.LinkedWorkstream == workstreamID {
			return store.ErrNoChange
		}
		if l.Tier == loop.TierArchive {
			return fmt.Errorf("%w: loop is archived", loop.ErrInvalidTransition)
		}
		l.LinkedWorkstream = workstreamID
		l.Updated = m.now()
		changed = true
		return nil
	})
	if err != nil {
		return nil, loop.Wrap(opLink, loopID, err)
	}
	// A repeated Link finds the loop side unchanged and still repairs a
	// missing back-reference here.
	done := context.WithoutCancel(ctx)
	added, err := m.appendLinkedLoop(done, workstreamID, loopID)
	if err != nil {
		return nil, loop.Wrap(opLink, loopID, err)
	}
	if changed || added {
		m.publish(done, events.TypeLinked, loopID, map[string]any{"workstream": workstreamID})
	}
	return l, nil
}

// NewWorkstream is the input to CreateWorkstream.
type NewWorkstream struct {
	ID    string    `json:"id"`
	Kind  loop.Kind `json:"kind"`
	Title string    `json:"title,omitempty"`
	Goal  loop.Goal `json:"goal"`
}

// CreateWorkstream stores a program or project and indexes its goal so that
// signals can route to it.
func (m *Manager) CreateWorkstream(ctx context.Context, in NewWorkstream) (*loop.Workstream, error) {
	now := m.now()
	ws := &loop.Workstream{
		ID:      in.ID,
		Kind:    in.Kind,
		Title:   strings.TrimSpace(in.Title),
		Goal:    in.Goal,
		Created: now,
		Updated: now,
	}
	if err := ws.Validate(); err != nil {
		return nil, loop.Wrap(opCreateWorkstream, in.ID, err)
	}
	if len(ws.Goal) == 0 && ws.Title == "" {
		return nil, loop.Errorf(opCreateWorkstream, in.ID, loop.ErrInvalidInput, "goal or title is required")
	}
	if err := m.store.CreateWorkstream(ctx, ws); err != nil {
		return nil, loop.Wrap(opCreateWorkstream, in.ID, err)
	}
	text := strings.Join(ws.Goal, "\n")
	if text == "" {
		text = ws.Title
	}
	m.indexEntity(ctx, ws.ID, ws.Kind, text)
	return ws, nil
}

// ListWorkstreams returns workstreams of kind, or all when kind is nil.
func (m *Manager) ListWorkstreams(ctx context.Context, kind *loop.Kind) ([]*loop.Workstream, error) {
	if kind != nil && !kind.IsWorkstream() {
		return nil, loop.Errorf(opList, "", loop.ErrInvalidInput, "kind must be program or project, got %q", *kind)
	}
	ws, err := m.store.ListWorkstreams(ctx, kind)
	if err != nil {
		return nil, loop.Wrap(opList, "", err)
	}
	return ws, nil
}

// indexEntity embeds text and upserts it. The index is a cache, so failures
// are logged and counted rather than returned.
func (m *Manager) indexEntity(ctx context.Context, id string, kind loop.Kind, text string) {
	if m.embedder == nil || m.index == nil || strings.TrimSpace(text) == "" {
		return
	}
	vec, err := m.embedder.EmbedDocument(ctx, text)
	if err == nil {
		err = m.index.Upsert(ctx, id, vec, vectorindex.Payload{
			vectorindex.FieldType:  string(kind),
			vectorindex.FieldTitle: titleFrom(text),
		})
	}
	if err != nil {
		indexFailures.WithLabelValues("upsert").Inc()
		m.logger.Warn("indexing failed; entity will not be routable until reindexed",
			zap.String("id", id), zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (m *Manager) unindex(ctx context.Context, id string) {
	if m.index == nil {
		return
	}
	if err := m.index.Delete(ctx, id); err != nil {
		indexFailures.WithLabelValues("delete").Inc()
		m.logger.Warn("removing archived loop from index failed", zap.String("loop", id), zap.Error(err))
	}
}

func (m *Manager) publish(ctx context.Context, t events.Type, id string, data map[string]any) {
	err := m.publisher.Publish(ctx, events.Event{Type: t, LoopID: id, At: m.now(), Data: data})
	if err != nil {
		m.logger.Warn("lifecycle event not published",
			zap.String("type", string(t)), zap.String("loop", id), zap.Error(err))
	}
}

func titleFrom(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if len(s) <= maxTitleLen {
		return s
	}
	cut := maxTitleLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func promotionOutcome(err error) string {
	switch {
	case errors.Is(err, loop.ErrThresholdNotMet):
		return "threshold_not_met"
	case errors.Is(err, loop.ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "error"
	}
}
