// Loopd is the loop routing daemon.
//
// It serves the loopd JSON API over HTTP, backed by the configured entity
// store, embedding provider and vector index, and optionally runs the
// periodic weight sweep.
//
// Configuration is read from ~/.config/loopd/config.yaml (or the file named
// by --config or LOOPD_CONFIG) and overridden by LOOPD_* environment
// variables. See internal/config for the keys.
//
// Usage:
//
//	# Start with defaults
//	loopd
//
//	# Use an in-memory store on another port
//	LOOPD_STORE_DRIVER=memory LOOPD_SERVER_HTTP_PORT=9292 loopd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loopd/internal/config"
	loophttp "github.com/fyrsmithlabs/loopd/internal/http"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/services"
	"github.com/fyrsmithlabs/loopd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/loopd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  loopd [--config path]   Start the loopd daemon\n")
			fmt.Fprintf(os.Stderr, "  loopd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "loopd: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("loopd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts loopd and blocks until ctx is cancelled or the server fails.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Builds the component registry (store, embeddings, index, engines)
//  4. Starts background sweeps and the HTTP server
//  5. Shuts everything down within server.shutdown_timeout
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	logCfg.Fields["version"] = version
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	zl.Info("starting loopd",
		zap.String("version", version),
		zap.String("store", cfg.Store.Driver),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.Bool("sweep", cfg.Sweep.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled))

	tel, err := telemetry.New(ctx, cfg.Telemetry, version, zl.Named("telemetry"))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}

	reg, err := services.Build(ctx, cfg, zl, services.Options{})
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("initialize services: %w", err)
	}

	srv, err := loophttp.NewServer(loophttp.Deps{
		Router:    reg.Router(),
		Lifecycle: reg.Lifecycle(),
		Ledger:    reg.Ledger(),
		Weights:   reg.Weights(),
		Sweep:     reg.Sweep(),
	}, zl.Named("http"), &loophttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		_ = reg.Close()
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("create http server: %w", err)
	}

	if err := reg.Start(); err != nil {
		_ = reg.Close()
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("start background work: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		zl.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			zl.Error("http server failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if serveErr != nil {
		errs = append(errs, fmt.Errorf("serve: %w", serveErr))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}
	if err := reg.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}

	zl.Info("loopd stopped")
	return errors.Join(errs...)
}
