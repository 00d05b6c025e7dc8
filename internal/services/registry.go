package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/embeddings"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/feedback"
	"github.com/fyrsmithlabs/loopd/internal/lifecycle"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/router"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/fyrsmithlabs/loopd/internal/sweep"
	"github.com/fyrsmithlabs/loopd/internal/vectorindex"
	"github.com/fyrsmithlabs/loopd/internal/weights"
	"go.uber.org/zap"
)

// Options overrides components Build would otherwise construct from config.
// Zero values mean "build from config".
type Options struct {
	Store     store.Store
	Provider  embeddings.Provider
	Index     vectorindex.Index
	Publisher events.Publisher
}

// Registry holds the wired components.
type Registry struct {
	store     store.Store
	gateway   *embeddings.Gateway
	index     vectorindex.Index
	publisher events.Publisher
	router    *router.Router
	ledger    *feedback.Ledger
	weights   *weights.Engine
	lifecycle *lifecycle.Manager
	sweep     *sweep.Scheduler
	logger    *zap.Logger

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Build wires every component described by cfg. On error, anything already
// opened is closed before returning.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (reg *Registry, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	r.store = opts.Store
	if r.store == nil {
		r.store, err = store.Open(ctx, cfg.Store, logger.Named("store"))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	r.addCloser("store", r.store.Close)

	provider := opts.Provider
	if provider == nil {
		provider, err = embeddings.NewProvider(cfg.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("create embedding provider: %w", err)
		}
	}
	r.gateway, err = embeddings.NewGateway(provider,
		embeddings.WithModelName(cfg.Embeddings.Model),
		embeddings.WithDimension(cfg.Embeddings.Dimension),
		embeddings.WithRateLimit(cfg.Embeddings.RateLimit, cfg.Embeddings.Burst),
		embeddings.WithLogger(logger.Named("embeddings")),
		embeddings.WithMetrics(embeddings.NewMetrics(logger)),
	)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("create embedding gateway: %w", err)
	}
	r.addCloser("embeddings", r.gateway.Close)
	logger.Info("embedding gateway ready",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", r.gateway.Dimension()),
		logging.Secret("api_key", cfg.Embeddings.APIKey))

	r.index = opts.Index
	if r.index == nil {
		r.index, err = vectorindex.New(ctx, cfg.VectorStore, logger.Named("vectorindex"))
		if err != nil {
			return nil, fmt.Errorf("create vector index: %w", err)
		}
	}
	r.addCloser("vectorindex", r.index.Close)
	if err = r.index.EnsureCollection(ctx, r.gateway.Dimension()); err != nil {
		return nil, fmt.Errorf("ensure collection %s: %w", cfg.VectorStore.Collection, err)
	}

	r.publisher = opts.Publisher
	switch {
	case r.publisher != nil:
	case cfg.NATS.Enabled:
		var p *events.NATSPublisher
		p, err = events.Connect(cfg.NATS, logger.Named("events"))
		if err != nil {
			return nil, err
		}
		r.publisher = p
	default:
		r.publisher = events.Nop{}
	}
	r.addCloser("events", r.publisher.Close)

	r.router, err = router.New(r.gateway, r.index, router.FromAppConfig(cfg.Routing), logger.Named("router"))
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	// Weight writes and lifecycle transitions on the same loop serialize on
	// one set of per-id locks.
	locks := store.NewKeyedMutex()

	r.weights = weights.NewEngine(r.store, append(weights.FromAppConfig(cfg.Weights),
		weights.WithLocks(locks),
		weights.WithPublisher(r.publisher),
		weights.WithLogger(logger.Named("weights")),
	)...)

	lcOpts := []lifecycle.Option{
		lifecycle.WithLocks(locks),
		lifecycle.WithPublisher(r.publisher),
		lifecycle.WithLogger(logger.Named("lifecycle")),
	}
	if cfg.Lifecycle.DisableIndexing {
		logger.Warn("vector indexing disabled; new loops will not be routable")
	} else {
		lcOpts = append(lcOpts, lifecycle.WithIndexing(r.gateway, r.index))
	}
	r.lifecycle = lifecycle.NewManager(r.store, lifecycle.FromAppConfig(cfg.Lifecycle), lcOpts...)

	r.ledger = feedback.NewLedger(r.store, feedback.WithLogger(logger.Named("feedback")))

	if cfg.Sweep.Enabled {
		r.sweep, err = sweep.NewScheduler(r.weights, r.lifecycle, logger.Named("sweep"),
			sweep.FromAppConfig(cfg.Sweep, cfg.Archive)...)
		if err != nil {
			return nil, fmt.Errorf("create sweep scheduler: %w", err)
		}
	}
	return r, nil
}

func (r *Registry) addCloser(name string, fn func() error) {
	r.closers = append(r.closers, namedCloser{name: name, close: fn})
}

// Start launches background work. It is a no-op when sweeps are disabled.
func (r *Registry) Start() error {
	if r.sweep == nil {
		return nil
	}
	return r.sweep.Start()
}

// Close stops background work and releases resources in reverse order of
// acquisition. It returns every close error joined.
func (r *Registry) Close() error {
	if r.sweep != nil {
		r.sweep.Stop()
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if err := c.close(); err != nil {
			r.logger.Warn("failed to close component", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Registry) Store() store.Store { return r.store }
func (r *Registry) Embeddings() *embeddings.Gateway { return r.gateway }
func (r *Registry) Index() vectorindex.Index { return r.index }
func (r *Registry) Publisher() events.Publisher { return r.publisher }
func (r *Registry) Router() *router.Router { return r.router }
func (r *Registry) Ledger() *feedback.Ledger { return r.ledger }
func (r *Registry) Weights() *weights.Engine { return r.weights }
func (r *Registry) Lifecycle() *lifecycle.Manager { return r.lifecycle }

// Sweep returns the scheduler, or nil when sweeps are disabled.
func (r *Registry) Sweep() *sweep.Scheduler { return r.sweep }
