// Package sweep runs periodic weight maintenance.
//
// A sweep recomputes every weight, reports open loops that have crossed the
// promote threshold, and archives loops that have been closed long enough.
// Candidates are only promoted when auto-promote is enabled.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/lifecycle"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/fyrsmithlabs/loopd/internal/weights"
	"go.uber.org/zap"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = time.Hour

// DefaultRunTimeout bounds a single scheduled sweep.
const DefaultRunTimeout = 10 * time.Minute

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("sweep: scheduler is already running")

// Report summarises one sweep.
type Report struct {
	Recomputed int           `json:"recomputed"`
	Failed     int           `json:"failed"`
	Candidates []string      `json:"candidates"`
	Promoted   []string      `json:"promoted"`
	Archived   []string      `json:"archived"`
	Duration   time.Duration `json:"duration"`
}

// Scheduler runs sweeps on an interval.
//
// All public methods are safe for concurrent use. RunOnce calls are
// serialized so a manual sweep never overlaps a scheduled one.
type Scheduler struct {
	engine  *weights.Engine
	manager *lifecycle.Manager
	logger  *zap.Logger

	interval     time.Duration
	runTimeout   time.Duration
	autoPromote  bool
	archiveAfter time.Duration
	now          func() time.Time

	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRunTimeout bounds each scheduled sweep.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithAutoPromote promotes candidates instead of only reporting them.
func WithAutoPromote(enabled bool) Option {
	return func(s *Scheduler) { s.autoPromote = enabled }
}

// WithArchiveAfter archives loops closed for longer than d. Zero disables it.
func WithArchiveAfter(d time.Duration) Option {
	return func(s *Scheduler) { s.archiveAfter = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// FromAppConfig builds options from the sweep and archive config sections.
func FromAppConfig(sc config.SweepConfig, ac config.ArchiveConfig) []Option {
	return []Option{
		WithInterval(sc.Interval.Duration()),
		WithAutoPromote(sc.AutoPromote),
		WithArchiveAfter(ac.After.Duration()),
	}
}

// NewScheduler creates a scheduler. It does not start until Start is called.
func NewScheduler(engine *weights.Engine, manager *lifecycle.Manager, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("weight engine cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("lifecycle manager cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		engine:     engine,
		manager:    manager,
		logger:     logger,
		interval:   DefaultInterval,
		runTimeout: DefaultRunTimeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins scheduled sweeps.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info("sweep scheduler started",
		zap.Duration("interval", s.interval),
		zap.Bool("auto_promote", s.autoPromote),
		zap.Duration("archive_after", s.archiveAfter),
	)
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the scheduler and waits for an in-flight sweep to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("sweep scheduler stopped")
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun(stop)
		case <-stop:
			return
		}
	}
}

// safeRun keeps a panicking sweep from taking the scheduler down.
func (s *Scheduler) safeRun(stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			sweepRuns.WithLabelValues("panic").Inc()
			s.logger.Error("sweep panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduled sweep failed", zap.Error(err))
	}
}

// RunOnce performs a single sweep. Per-entity failures are counted in the
// report; an error is returned only when a whole step fails.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	rep := &Report{Candidates: []string{}, Promoted: []string{}, Archived: []string{}}

	err := s.sweep(ctx, rep)
	rep.Duration = time.Since(start)
	sweepDuration.Observe(rep.Duration.Seconds())
	if err != nil {
		sweepRuns.WithLabelValues("error").Inc()
		return rep, err
	}
	sweepRuns.WithLabelValues("ok").Inc()

	s.logger.Info("sweep completed",
		zap.Int("recomputed", rep.Recomputed),
		zap.Int("failed", rep.Failed),
		zap.Int("candidates", len(rep.Candidates)),
		zap.Int("promoted", len(rep.Promoted)),
		zap.Int("archived", len(rep.Archived)),
		zap.Duration("duration", rep.Duration),
	)
	return rep, nil
}

func (s *Scheduler) sweep(ctx context.Context, rep *Report) error {
	outcomes, err := s.engine.RecomputeAll(ctx, nil)
	if err != nil {
		return fmt.Errorf("recompute weights: %w", err)
	}
	for _, o := range outcomes {
		if o.Err != nil {
			rep.Failed++
			continue
		}
		rep.Recomputed++
	}

	open, err := s.manager.List(ctx, store.LoopFilter{Status: loop.StatusOpen, Tier: loop.TierActive})
	if err != nil {
		return fmt.Errorf("list promotion candidates: %w", err)
	}
	threshold := s.manager.Config().PromoteThreshold
	for _, l := range open {
		if l.Weight < threshold {
			continue
		}
		rep.Candidates = append(rep.Candidates, l.ID)
		if !s.autoPromote {
			continue
		}
		if _, err := s.manager.Promote(ctx, l.ID); err != nil {
			if loop.IsInformational(err) {
				s.logger.Debug("candidate not promoted", zap.String("loop", l.ID), zap.Error(err))
			} else {
				rep.Failed++
				s.logger.Warn("auto-promotion failed", zap.String("loop", l.ID), zap.Error(err))
			}
			continue
		}
		rep.Promoted = append(rep.Promoted, l.ID)
	}
	if len(rep.Candidates) > 0 && !s.autoPromote {
		s.logger.Info("loops eligible for promotion", zap.Strings("loops", rep.Candidates))
	}

	if s.archiveAfter <= 0 {
		return nil
	}
	archived, err := s.manager.ArchiveBefore(ctx, s.now().Add(-s.archiveAfter))
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	for _, o := range archived {
		if o.Err != nil {
			rep.Failed++
			continue
		}
		rep.Archived = append(rep.Archived, o.ID)
	}
	return nil
}
