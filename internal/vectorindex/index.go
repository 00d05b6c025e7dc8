package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/loopd/internal/vectorindex")

// Payload field names.
const (
	FieldEntityID = "entity_id"
	FieldType     = "type"
	FieldTitle    = "title"
)

// ErrDimensionMismatch is returned when a vector does not match the
// collection's dimensionality.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Payload is the flat metadata stored alongside a vector.
type Payload map[string]string

// Kind returns the payload's target type.
func (p Payload) Kind() loop.Kind {
	return loop.Kind(p[FieldType])
}

// Filter restricts a search to points whose payload matches every key exactly.
type Filter map[string]string

// KindFilter returns a filter on the payload type, or nil for no kind.
func KindFilter(kind *loop.Kind) Filter {
	if kind == nil {
		return nil
	}
	return Filter{FieldType: string(*kind)}
}

// Hit is one search result. Score is cosine similarity clamped to [0,1].
type Hit struct {
	ID      string
	Payload Payload
	Score   float64
}

// CollectionInfo describes the bound collection.
type CollectionInfo struct {
	Name       string
	Dimension  int
	PointCount int
}

// Index is the vector index contract.
type Index interface {
	// EnsureCollection creates the collection with cosine distance if it
	// does not exist. An existing collection with another dimension is an
	// error.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or replaces the point with the given id.
	Upsert(ctx context.Context, id string, vector []float32, payload Payload) error

	// Search returns up to k nearest points, best first.
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)

	// Delete removes a point. Deleting a missing point is not an error.
	Delete(ctx context.Context, id string) error

	// Info describes the collection, or fails with loop.ErrCollectionMissing.
	Info(ctx context.Context) (CollectionInfo, error)

	Close() error
}

// ValidateCollectionName checks a collection name.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match %s, got %q", loop.ErrInvalidInput, collectionNamePattern, name)
	}
	return nil
}

func clampScore(s float64) float64 {
	switch {
	case s != s: // NaN
		return 0
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

func checkArgs(id string, vector []float32, dim int) error {
	if id == "" {
		return fmt.Errorf("%w: point id is required", loop.ErrInvalidInput)
	}
	return checkVector(vector, dim)
}

func checkVector(vector []float32, dim int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: vector is empty", loop.ErrInvalidInput)
	}
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: %w: got %d, collection has %d", loop.ErrInvalidInput, ErrDimensionMismatch, len(vector), dim)
	}
	return nil
}

// unavailable wraps a backend failure. Context errors pass through so the
// caller can map them to loop.ErrCancelled.
func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, loop.ErrIndexUnavailable, err)
}
