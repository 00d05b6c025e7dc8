// Package config provides configuration loading for loopd.
//
// Configuration is read from a YAML file and overridden by LOOPD_-prefixed
// environment variables. Defaults are applied for anything left unset and the
// result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the complete loopd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Store       StoreConfig       `koanf:"store"`
	Routing     RoutingConfig     `koanf:"routing"`
	Weights     WeightsConfig     `koanf:"weights"`
	Lifecycle   LifecycleConfig   `koanf:"lifecycle"`
	Sweep       SweepConfig       `koanf:"sweep"`
	Archive     ArchiveConfig     `koanf:"archive"`
	NATS        NATSConfig        `koanf:"nats"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	Provider  string   `koanf:"provider"` // fastembed, tei or openai
	BaseURL   string   `koanf:"base_url"` // TEI or OpenAI-compatible endpoint
	Model     string   `koanf:"model"`
	Dimension int      `koanf:"dimension"`
	APIKey    Secret   `koanf:"api_key"`
	CacheDir  string   `koanf:"cache_dir"` // fastembed model cache
	Timeout   Duration `koanf:"timeout"`

	// RateLimit caps embedding calls per second. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// VectorStoreConfig selects the vector index backend.
type VectorStoreConfig struct {
	Provider   string `koanf:"provider"` // chromem or qdrant
	Collection string `koanf:"collection"`

	// ChromemPath enables on-disk persistence. Empty keeps the index in memory.
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`

	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`
	QdrantUseTLS bool   `koanf:"qdrant_use_tls"`
}

// StoreConfig selects the entity store.
type StoreConfig struct {
	Driver      string   `koanf:"driver"` // memory or sqlite
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`

	// MaxRetries bounds optimistic-concurrency retries before StoreConflict.
	MaxRetries int `koanf:"max_retries"`
}

// RoutingConfig holds the semantic router policy.
type RoutingConfig struct {
	TopK             int     `koanf:"top_k"`
	LoopThreshold    float64 `koanf:"loop_threshold"`
	ProjectThreshold float64 `koanf:"project_threshold"`
	ProgramThreshold float64 `koanf:"program_threshold"`

	// TieMargin is how far a less specific match must beat a more specific
	// one to win the tie-break.
	TieMargin float64 `koanf:"tie_margin"`
}

// WeightsConfig holds weight engine parameters.
type WeightsConfig struct {
	DecayWindowDays int `koanf:"decay_window_days"`
	Workers         int `koanf:"workers"`
}

// LifecycleConfig holds lifecycle manager policy.
type LifecycleConfig struct {
	PromoteThreshold            float64 `koanf:"promote_threshold"`
	RequireVerifiedForPromotion bool    `koanf:"require_verified_for_promotion"`
	DisableIndexing             bool    `koanf:"disable_indexing"`
}

// SweepConfig controls the periodic recompute sweep.
type SweepConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Interval    Duration `koanf:"interval"`
	AutoPromote bool     `koanf:"auto_promote"`
}

// ArchiveConfig controls age-based archival during sweeps.
type ArchiveConfig struct {
	// After is how long a loop must have been closed before it is archived.
	// Zero disables archival sweeps.
	After Duration `koanf:"after"`
}

// NATSConfig controls lifecycle event publishing.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	ClientName    string `koanf:"client_name"`
}

// TelemetryConfig controls OpenTelemetry export. Prometheus metrics on
// /metrics are always served; this section only adds OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // grpc or http/protobuf
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`

	// SampleRate is the trace sampling ratio in [0,1].
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	case "openai":
		if !c.Embeddings.APIKey.IsSet() {
			errs = append(errs, errors.New("embeddings.api_key is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be fastembed, tei or openai, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embeddings.dimension must be > 0, got %d", c.Embeddings.Dimension))
	}
	if c.Embeddings.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("embeddings.rate_limit must be >= 0, got %v", c.Embeddings.RateLimit))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("vectorstore.collection is required"))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory or sqlite, got %q", c.Store.Driver))
	}

	if c.Routing.TopK < 1 || c.Routing.TopK > 100 {
		errs = append(errs, fmt.Errorf("routing.top_k must be 1-100, got %d", c.Routing.TopK))
	}
	for name, v := range map[string]float64{
		"routing.loop_threshold":    c.Routing.LoopThreshold,
		"routing.project_threshold": c.Routing.ProjectThreshold,
		"routing.program_threshold": c.Routing.ProgramThreshold,
		"routing.tie_margin":        c.Routing.TieMargin,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}

	if c.Weights.DecayWindowDays < 1 {
		errs = append(errs, fmt.Errorf("weights.decay_window_days must be >= 1, got %d", c.Weights.DecayWindowDays))
	}
	if c.Weights.Workers < 1 {
		errs = append(errs, fmt.Errorf("weights.workers must be >= 1, got %d", c.Weights.Workers))
	}
	if c.Lifecycle.PromoteThreshold <= 0 {
		errs = append(errs, fmt.Errorf("lifecycle.promote_threshold must be > 0, got %v", c.Lifecycle.PromoteThreshold))
	}
	if c.Sweep.Enabled && c.Sweep.Interval.Duration() < time.Second {
		errs = append(errs, fmt.Errorf("sweep.interval must be >= 1s, got %s", c.Sweep.Interval.Duration()))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol))
		}
		if c.Telemetry.Endpoint == "" {
			errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// ExpandPath replaces a leading "~" with the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
