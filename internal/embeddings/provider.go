package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/config"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider failed to produce vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider produces embedding vectors.
type Provider interface {
	// EmbedQuery embeds text that will be used to search.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds texts that will be stored in the index.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector length produced by the model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// NewProvider builds the provider selected by cfg.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "fastembed", "":
		var fp *FastEmbedProvider
		fp, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
		p = fp
	case "tei":
		var tp *TEIProvider
		tp, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			APIKey:    cfg.APIKey.Value(),
			Timeout:   cfg.Timeout.Duration(),
		})
		p = tp
	case "openai":
		var op *OpenAIProvider
		op, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			APIKey:    cfg.APIKey.Value(),
		})
		p = op
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// detectDimensionFromModel guesses the vector length from a model name.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding"):
		return 1536
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

const defaultTimeout = 30 * time.Second
