package vectorindex

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"go.uber.org/zap"
)

// New builds the Index selected by cfg.Provider.
func New(ctx context.Context, cfg config.VectorStoreConfig, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "", "chromem":
		path, err := config.ExpandPath(cfg.ChromemPath)
		if err != nil {
			return nil, err
		}
		idx, err := NewChromemIndex(ChromemConfig{
			Path:       path,
			Compress:   cfg.ChromemCompress,
			Collection: cfg.Collection,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		idx, err := NewQdrantIndex(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey.Value(),
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.Collection,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported vector store provider %q (use chromem or qdrant)", cfg.Provider)
	}
}
