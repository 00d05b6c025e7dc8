package vectorindex

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ChromemConfig configures the embedded chromem-go index.
type ChromemConfig struct {
	// Path enables gob persistence. Empty keeps everything in memory.
	Path       string
	Compress   bool
	Collection string
}

// ChromemIndex implements Index with chromem-go.
//
// chromem-go is pure Go and needs no external service. Vectors are supplied
// by the caller, so the collection is created without an embedding function.
type ChromemIndex struct {
	db     *chromem.DB
	cfg    ChromemConfig
	logger *zap.Logger

	mu  sync.RWMutex
	col *chromem.Collection
	dim int
}

// NewChromemIndex opens or creates the database.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", cfg.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	idx := &ChromemIndex{db: db, cfg: cfg, logger: logger}
	// A persisted collection is usable before EnsureCollection is called.
	idx.col = db.GetCollection(cfg.Collection, nil)

	logger.Info("chromem index opened",
		zap.String("path", cfg.Path),
		zap.String("collection", cfg.Collection),
		zap.Bool("persistent", cfg.Path != ""),
	)
	return idx, nil
}

// EnsureCollection creates the collection if needed.
func (c *ChromemIndex) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be > 0", loop.ErrInvalidInput)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dim != 0 && c.dim != dimension {
		return fmt.Errorf("%w: collection %s has dimension %d, requested %d", ErrDimensionMismatch, c.cfg.Collection, c.dim, dimension)
	}
	col, err := c.db.GetOrCreateCollection(c.cfg.Collection, map[string]string{
		"distance": "cosine",
	}, nil)
	if err != nil {
		return unavailable(ctx, "chromem.ensure_collection", err)
	}
	c.col = col
	c.dim = dimension
	return nil
}

func (c *ChromemIndex) collection() (*chromem.Collection, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.col == nil {
		return nil, 0, fmt.Errorf("%w: %s", loop.ErrCollectionMissing, c.cfg.Collection)
	}
	return c.col, c.dim, nil
}

// Upsert stores a point. An existing id is replaced.
func (c *ChromemIndex) Upsert(ctx context.Context, id string, vector []float32, payload Payload) error {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("point.id", id))

	col, dim, err := c.collection()
	if err != nil {
		return err
	}
	if err := checkArgs(id, vector, dim); err != nil {
		return err
	}

	meta := make(map[string]string, len(payload)+1)
	for k, v := range payload {
		meta[k] = v
	}
	meta[FieldEntityID] = id

	doc := chromem.Document{
		ID:        id,
		Metadata:  meta,
		Embedding: append([]float32(nil), vector...),
		Content:   payload[FieldTitle],
	}
	if doc.Content == "" {
		doc.Content = id
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		return unavailable(ctx, "chromem.upsert", err)
	}
	return nil
}

// Search returns the k nearest points.
func (c *ChromemIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	col, dim, err := c.collection()
	if err != nil {
		span.SetStatus(codes.Error, "collection missing")
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", loop.ErrInvalidInput, k)
	}
	if err := checkVector(vector, dim); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return []Hit{}, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vector, k, map[string]string(filter), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, unavailable(ctx, "chromem.search", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		payload := make(Payload, len(r.Metadata))
		for k, v := range r.Metadata {
			payload[k] = v
		}
		hits = append(hits, Hit{
			ID:      r.ID,
			Payload: payload,
			Score:   clampScore(float64(r.Similarity)),
		})
	}
	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

// Delete removes a point by id.
func (c *ChromemIndex) Delete(ctx context.Context, id string) error {
	col, _, err := c.collection()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return unavailable(ctx, "chromem.delete", err)
	}
	return nil
}

// Info describes the collection.
func (c *ChromemIndex) Info(_ context.Context) (CollectionInfo, error) {
	col, dim, err := c.collection()
	if err != nil {
		return CollectionInfo{}, err
	}
	return CollectionInfo{Name: c.cfg.Collection, Dimension: dim, PointCount: col.Count()}, nil
}

// Close is a no-op; persistent writes are flushed per document.
func (c *ChromemIndex) Close() error {
	return nil
}
