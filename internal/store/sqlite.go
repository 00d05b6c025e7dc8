package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS loops (
	id                 TEXT PRIMARY KEY,
	summary            TEXT NOT NULL,
	status             TEXT NOT NULL,
	tags               TEXT NOT NULL DEFAULT '[]',
	verified           INTEGER NOT NULL DEFAULT 0,
	source             TEXT NOT NULL DEFAULT '',
	weight             REAL NOT NULL DEFAULT 0,
	score_base         INTEGER NOT NULL DEFAULT 0,
	weight_computed_at TEXT NOT NULL DEFAULT '',
	linked_workstream  TEXT NOT NULL DEFAULT '',
	tier               TEXT NOT NULL DEFAULT 'active',
	created            TEXT NOT NULL,
	updated            TEXT NOT NULL,
	version            INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_loops_status_tier ON loops(status, tier);

CREATE TABLE IF NOT EXISTS workstreams (
	id                 TEXT PRIMARY KEY,
	kind               TEXT NOT NULL CHECK (kind IN ('program', 'project')),
	title              TEXT NOT NULL DEFAULT '',
	goal               TEXT NOT NULL DEFAULT '[]',
	linked_loops       TEXT NOT NULL DEFAULT '[]',
	weight             REAL NOT NULL DEFAULT 0,
	score_base         INTEGER NOT NULL DEFAULT 0,
	weight_computed_at TEXT NOT NULL DEFAULT '',
	created            TEXT NOT NULL,
	updated            TEXT NOT NULL,
	version            INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS feedback (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	target_id TEXT NOT NULL,
	polarity  TEXT NOT NULL CHECK (polarity IN ('useful', 'false_positive')),
	ts        TEXT NOT NULL,
	source    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_feedback_target ON feedback(target_id, seq);
`

const loopColumns = `id, summary, status, tags, verified, source, weight, score_base,
	weight_computed_at, linked_workstream, tier, created, updated, version`

const workstreamColumns = `id, kind, title, goal, linked_loops, weight, score_base,
	weight_computed_at, created, updated, version`

// SQLiteConfig configures SQLiteStore.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
	MaxRetries  int
}

// SQLiteStore is a Store backed by modernc.org/sqlite. It uses a single
// connection so that SQLite's one-writer rule never surfaces as SQLITE_BUSY
// within the process.
type SQLiteStore struct {
	db     *sql.DB
	cfg    SQLiteConfig
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the database at cfg.Path and applies the
// schema.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", loop.ErrInvalidInput)
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", cfg.Path))
	return &SQLiteStore{db: db, cfg: cfg, logger: logger}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	return string(b), err
}

func unmarshalList(s string) ([]string, error) {
	var out []string
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func idTaken(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM loops WHERE id = ?) + (SELECT COUNT(*) FROM workstreams WHERE id = ?)`,
		id, id).Scan(&n)
	return n > 0, err
}

// inTx runs fn inside an immediate transaction.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(ctx, "begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.classify(ctx, "commit", err)
	}
	return nil
}

// classify passes context errors through and wraps the rest.
func (s *SQLiteStore) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%s: %w: %w", op, loop.ErrStoreConflict, err)
	}
	return fmt.Errorf("sqlite %s: %w", op, err)
}

// CreateLoop implements Store.
func (s *SQLiteStore) CreateLoop(ctx context.Context, l *loop.Loop) error {
	tags, err := marshalList(l.Tags)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		taken, err := idTaken(ctx, tx, l.ID)
		if err != nil {
			return s.classify(ctx, "create loop", err)
		}
		if taken {
			return duplicate(l.ID)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO loops (`+loopColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			l.ID, l.Summary, string(l.Status), tags, l.Verified, l.Source, l.Weight, l.ScoreBase,
			formatTime(l.WeightComputedAt), l.LinkedWorkstream, string(l.Tier),
			formatTime(l.Created), formatTime(l.Updated))
		if err != nil {
			return s.classify(ctx, "create loop", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.Version = 1
	return nil
}

func scanLoop(row rowScanner) (*loop.Loop, error) {
	var (
		l                          loop.Loop
		status, tags, tier         string
		computed, created, updated string
	)
	if err := row.Scan(&l.ID, &l.Summary, &status, &tags, &l.Verified, &l.Source, &l.Weight, &l.ScoreBase,
		&computed, &l.LinkedWorkstream, &tier, &created, &updated, &l.Version); err != nil {
		return nil, err
	}
	l.Status = loop.Status(status)
	l.Tier = loop.Tier(tier)
	var err error
	if l.Tags, err = unmarshalList(tags); err != nil {
		return nil, fmt.Errorf("loop %s tags: %w", l.ID, err)
	}
	if l.WeightComputedAt, err = parseTime(computed); err != nil {
		return nil, fmt.Errorf("loop %s weight_computed_at: %w", l.ID, err)
	}
	if l.Created, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("loop %s created: %w", l.ID, err)
	}
	if l.Updated, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("loop %s updated: %w", l.ID, err)
	}
	if len(l.Tags) == 0 {
		l.Tags = nil
	}
	return &l, nil
}

// GetLoop implements Store.
func (s *SQLiteStore) GetLoop(ctx context.Context, id string) (*loop.Loop, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loopColumns+` FROM loops WHERE id = ?`, id)
	l, err := scanLoop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("loop", id)
	}
	if err != nil {
		return nil, s.classify(ctx, "get loop", err)
	}
	return l, nil
}

// ListLoops implements Store.
func (s *SQLiteStore) ListLoops(ctx context.Context, filter LoopFilter) ([]*loop.Loop, error) {
	query := `SELECT ` + loopColumns + ` FROM loops WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, string(filter.Tier))
	}
	if filter.Verified != nil {
		query += ` AND verified = ?`
		args = append(args, *filter.Verified)
	}
	query += ` ORDER BY created, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(ctx, "list loops", err)
	}
	defer rows.Close()

	var out []*loop.Loop
	for rows.Next() {
		l, err := scanLoop(rows)
		if err != nil {
			return nil, s.classify(ctx, "list loops", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, "list loops", err)
	}
	// RFC3339Nano trims trailing zeros, so text order can differ from time order.
	sortLoops(out)
	return out, nil
}

// UpdateLoop implements Store.
func (s *SQLiteStore) UpdateLoop(ctx context.Context, id string, fn func(*loop.Loop) error) (*loop.Loop, error) {
	ops := loopOps(s.cfg.MaxRetries, s.GetLoop, func(ctx context.Context, expected int64, l *loop.Loop) (bool, error) {
		tags, err := marshalList(l.Tags)
		if err != nil {
			return false, err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE loops SET
			summary = ?, status = ?, tags = ?, verified = ?, source = ?, weight = ?, score_base = ?,
			weight_computed_at = ?, linked_workstream = ?, tier = ?, updated = ?, version = ?
			WHERE id = ? AND version = ?`,
			l.Summary, string(l.Status), tags, l.Verified, l.Source, l.Weight, l.ScoreBase,
			formatTime(l.WeightComputedAt), l.LinkedWorkstream, string(l.Tier), formatTime(l.Updated), l.Version,
			l.ID, expected)
		if err != nil {
			return false, s.classify(ctx, "update loop", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, s.classify(ctx, "update loop", err)
		}
		return n == 1, nil
	})
	return update(ctx, ops, id, fn)
}

// CreateWorkstream implements Store.
func (s *SQLiteStore) CreateWorkstream(ctx context.Context, w *loop.Workstream) error {
	goal, err := marshalList(w.Goal)
	if err != nil {
		return err
	}
	linked, err := marshalList(w.LinkedLoops)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		taken, err := idTaken(ctx, tx, w.ID)
		if err != nil {
			return s.classify(ctx, "create workstream", err)
		}
		if taken {
			return duplicate(w.ID)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO workstreams (`+workstreamColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			w.ID, string(w.Kind), w.Title, goal, linked, w.Weight, w.ScoreBase,
			formatTime(w.WeightComputedAt), formatTime(w.Created), formatTime(w.Updated))
		if err != nil {
			return s.classify(ctx, "create workstream", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.Version = 1
	return nil
}

func scanWorkstream(row rowScanner) (*loop.Workstream, error) {
	var (
		w                          loop.Workstream
		kind, goal, linked         string
		computed, created, updated string
	)
	if err := row.Scan(&w.ID, &kind, &w.Title, &goal, &linked, &w.Weight, &w.ScoreBase,
		&computed, &created, &updated, &w.Version); err != nil {
		return nil, err
	}
	w.Kind = loop.Kind(kind)
	g, err := unmarshalList(goal)
	if err != nil {
		return nil, fmt.Errorf("workstream %s goal: %w", w.ID, err)
	}
	w.Goal = loop.Goal(g)
	if w.LinkedLoops, err = unmarshalList(linked); err != nil {
		return nil, fmt.Errorf("workstream %s linked_loops: %w", w.ID, err)
	}
	if w.WeightComputedAt, err = parseTime(computed); err != nil {
		return nil, fmt.Errorf("workstream %s weight_computed_at: %w", w.ID, err)
	}
	if w.Created, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("workstream %s created: %w", w.ID, err)
	}
	if w.Updated, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("workstream %s updated: %w", w.ID, err)
	}
	return &w, nil
}

// GetWorkstream implements Store.
func (s *SQLiteStore) GetWorkstream(ctx context.Context, id string) (*loop.Workstream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workstreamColumns+` FROM workstreams WHERE id = ?`, id)
	w, err := scanWorkstream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workstream", id)
	}
	if err != nil {
		return nil, s.classify(ctx, "get workstream", err)
	}
	return w, nil
}

// ListWorkstreams implements Store.
func (s *SQLiteStore) ListWorkstreams(ctx context.Context, kind *loop.Kind) ([]*loop.Workstream, error) {
	query := `SELECT ` + workstreamColumns + ` FROM workstreams`
	var args []any
	if kind != nil {
		query += ` WHERE kind = ?`
		args = append(args, string(*kind))
	}
	query += ` ORDER BY created, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(ctx, "list workstreams", err)
	}
	defer rows.Close()

	var out []*loop.Workstream
	for rows.Next() {
		w, err := scanWorkstream(rows)
		if err != nil {
			return nil, s.classify(ctx, "list workstreams", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, "list workstreams", err)
	}
	sortWorkstreams(out)
	return out, nil
}

// UpdateWorkstream implements Store.
func (s *SQLiteStore) UpdateWorkstream(ctx context.Context, id string, fn func(*loop.Workstream) error) (*loop.Workstream, error) {
	ops := workstreamOps(s.cfg.MaxRetries, s.GetWorkstream, func(ctx context.Context, expected int64, w *loop.Workstream) (bool, error) {
		goal, err := marshalList(w.Goal)
		if err != nil {
			return false, err
		}
		linked, err := marshalList(w.LinkedLoops)
		if err != nil {
			return false, err
		}
		res, err := s.db.ExecContext(ctx, `UPDATE workstreams SET
			title = ?, goal = ?, linked_loops = ?, weight = ?, score_base = ?,
			weight_computed_at = ?, updated = ?, version = ?
			WHERE id = ? AND version = ?`,
			w.Title, goal, linked, w.Weight, w.ScoreBase,
			formatTime(w.WeightComputedAt), formatTime(w.Updated), w.Version,
			w.ID, expected)
		if err != nil {
			return false, s.classify(ctx, "update workstream", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, s.classify(ctx, "update workstream", err)
		}
		return n == 1, nil
	})
	return update(ctx, ops, id, fn)
}

// AppendFeedback implements Store.
func (s *SQLiteStore) AppendFeedback(ctx context.Context, ev loop.FeedbackEvent) (loop.FeedbackEvent, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var last string
		err := tx.QueryRowContext(ctx, `SELECT ts FROM feedback ORDER BY seq DESC LIMIT 1`).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return s.classify(ctx, "append feedback", err)
		}
		prev, err := parseTime(last)
		if err != nil {
			return fmt.Errorf("feedback ts: %w", err)
		}
		ev.Timestamp = clampTimestamp(ev.Timestamp, prev)

		res, err := tx.ExecContext(ctx,
			`INSERT INTO feedback (id, target_id, polarity, ts, source) VALUES (?, ?, ?, ?, ?)`,
			ev.ID, ev.TargetID, string(ev.Polarity), formatTime(ev.Timestamp), ev.Source)
		if err != nil {
			return s.classify(ctx, "append feedback", err)
		}
		ev.Seq, err = res.LastInsertId()
		if err != nil {
			return s.classify(ctx, "append feedback", err)
		}
		return nil
	})
	if err != nil {
		return loop.FeedbackEvent{}, err
	}
	return ev, nil
}

// ListFeedback implements Store.
func (s *SQLiteStore) ListFeedback(ctx context.Context, targetID string) ([]loop.FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, target_id, polarity, ts, source FROM feedback WHERE target_id = ? ORDER BY seq`, targetID)
	if err != nil {
		return nil, s.classify(ctx, "list feedback", err)
	}
	defer rows.Close()

	out := []loop.FeedbackEvent{}
	for rows.Next() {
		var (
			ev           loop.FeedbackEvent
			polarity, ts string
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.TargetID, &polarity, &ts, &ev.Source); err != nil {
			return nil, s.classify(ctx, "list feedback", err)
		}
		ev.Polarity = loop.Polarity(polarity)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("feedback %s ts: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, "list feedback", err)
	}
	return out, nil
}

// CountFeedback implements Store.
func (s *SQLiteStore) CountFeedback(ctx context.Context, targetID string) (loop.Counts, error) {
	var c loop.Counts
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN polarity = 'useful' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN polarity = 'false_positive' THEN 1 ELSE 0 END), 0)
		FROM feedback WHERE target_id = ?`, targetID).Scan(&c.Useful, &c.FalsePositive)
	if err != nil {
		return loop.Counts{}, s.classify(ctx, "count feedback", err)
	}
	return c, nil
}

func sortLoops(ls []*loop.Loop) {
	sort.Slice(ls, func(i, j int) bool {
		return createdBefore(ls[i].Created, ls[i].ID, ls[j].Created, ls[j].ID)
	})
}

func sortWorkstreams(ws []*loop.Workstream) {
	sort.Slice(ws, func(i, j int) bool {
		return createdBefore(ws[i].Created, ws[i].ID, ws[j].Created, ws[j].ID)
	})
}
