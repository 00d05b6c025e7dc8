package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// pointNamespace derives stable Qdrant point UUIDs from entity ids.
var pointNamespace = uuid.MustParse("6f1c2b7e-4d0a-5a8e-9c3f-2e7b1d4a9f60")

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string

	// MaxMessageSize bounds gRPC messages in bytes. Default 50MB.
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of consecutive unavailable
	// errors after which calls fail fast for CircuitBreakerCooldown.
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerCooldown == 0 {
		c.CircuitBreakerCooldown = 30 * time.Second
	}
}

// QdrantIndex implements Index over Qdrant's native gRPC client.
//
// Calls are never retried here: a failure surfaces as
// loop.ErrIndexUnavailable and the caller decides whether to retry. After
// repeated failures the circuit breaker fails fast until the cooldown passes.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    QdrantConfig
	logger *zap.Logger

	mu  sync.RWMutex
	dim int

	breaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantIndex connects to Qdrant and performs a health check.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC is using plaintext; enable TLS outside local development")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant: %w", loop.ErrIndexUnavailable, err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg, logger: logger}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: qdrant health check: %w", loop.ErrIndexUnavailable, err)
	}
	return idx, nil
}

// PointID maps an entity id to its Qdrant point UUID.
func PointID(entityID string) string {
	if _, err := uuid.Parse(entityID); err == nil {
		return entityID
	}
	return uuid.NewSHA1(pointNamespace, []byte(entityID)).String()
}

// EnsureCollection creates the collection with cosine distance if missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dimension int) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", q.cfg.Collection), attribute.Int("dimension", dimension))

	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be > 0", loop.ErrInvalidInput)
	}

	info, err := q.Info(ctx)
	switch {
	case err == nil:
		if info.Dimension != 0 && info.Dimension != dimension {
			return fmt.Errorf("%w: collection %s has dimension %d, requested %d", ErrDimensionMismatch, q.cfg.Collection, info.Dimension, dimension)
		}
	case isCollectionMissing(err):
		err = q.call(ctx, "qdrant.create_collection", func() error {
			return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: q.cfg.Collection,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     uint64(dimension),
					Distance: qdrant.Distance_Cosine,
				}),
			})
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "create collection failed")
			return err
		}
		q.logger.Info("qdrant collection created", zap.String("collection", q.cfg.Collection), zap.Int("dimension", dimension))
	default:
		return err
	}

	q.mu.Lock()
	q.dim = dimension
	q.mu.Unlock()
	return nil
}

func (q *QdrantIndex) dimension() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dim
}

// Upsert stores a point under the UUID derived from id.
func (q *QdrantIndex) Upsert(ctx context.Context, id string, vector []float32, payload Payload) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("point.id", id))

	if err := checkArgs(id, vector, q.dimension()); err != nil {
		return err
	}

	values := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		values[k] = v
	}
	values[FieldEntityID] = id

	return q.call(ctx, "qdrant.upsert", func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: q.cfg.Collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(PointID(id)),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(values),
			}},
		})
		return err
	})
}

// Search returns the k nearest points.
func (q *QdrantIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", loop.ErrInvalidInput, k)
	}
	if err := checkVector(vector, q.dimension()); err != nil {
		return nil, err
	}

	var results []*qdrant.ScoredPoint
	err := q.call(ctx, "qdrant.search", func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: q.cfg.Collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			Filter:         toQdrantFilter(filter),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		results = res
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		payload := make(Payload, len(r.GetPayload()))
		for k, v := range r.GetPayload() {
			if s, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
				payload[k] = s.StringValue
			}
		}
		id := payload[FieldEntityID]
		if id == "" {
			id = r.GetId().GetUuid()
		}
		hits = append(hits, Hit{ID: id, Payload: payload, Score: clampScore(float64(r.GetScore()))})
	}
	span.SetAttributes(attribute.Int("results", len(hits)))
	return hits, nil
}

// Delete removes a point by entity id.
func (q *QdrantIndex) Delete(ctx context.Context, id string) error {
	return q.call(ctx, "qdrant.delete", func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: q.cfg.Collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(PointID(id))),
		})
		return err
	})
}

// Info describes the collection.
func (q *QdrantIndex) Info(ctx context.Context) (CollectionInfo, error) {
	var info *qdrant.CollectionInfo
	err := q.call(ctx, "qdrant.collection_info", func() error {
		var err error
		info, err = q.client.GetCollectionInfo(ctx, q.cfg.Collection)
		return err
	})
	if err != nil {
		return CollectionInfo{}, err
	}
	return CollectionInfo{
		Name:       q.cfg.Collection,
		Dimension:  int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
		PointCount: int(info.GetPointsCount()),
	}, nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// call runs fn once, classifies its error and feeds the circuit breaker.
func (q *QdrantIndex) call(ctx context.Context, op string, fn func() error) error {
	if q.circuitOpen() {
		return fmt.Errorf("%s: %w: circuit breaker open", op, loop.ErrIndexUnavailable)
	}
	err := fn()
	if err == nil {
		q.resetBreaker()
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.NotFound:
			return fmt.Errorf("%s: %w: %s", op, loop.ErrCollectionMissing, q.cfg.Collection)
		case grpccodes.InvalidArgument:
			return fmt.Errorf("%s: %w: %s", op, loop.ErrInvalidInput, st.Message())
		case grpccodes.Canceled, grpccodes.DeadlineExceeded:
			return fmt.Errorf("%s: %w", op, context.DeadlineExceeded)
		}
	}
	q.recordFailure()
	return fmt.Errorf("%s: %w: %w", op, loop.ErrIndexUnavailable, err)
}

func (q *QdrantIndex) recordFailure() {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	q.breaker.failures++
	q.breaker.lastFail = time.Now()
}

func (q *QdrantIndex) resetBreaker() {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	q.breaker.failures = 0
}

func (q *QdrantIndex) circuitOpen() bool {
	q.breaker.mu.Lock()
	defer q.breaker.mu.Unlock()
	if q.breaker.failures < q.cfg.CircuitBreakerThreshold {
		return false
	}
	if time.Since(q.breaker.lastFail) > q.cfg.CircuitBreakerCooldown {
		q.breaker.failures = 0
		return false
	}
	return true
}

func toQdrantFilter(f Filter) *qdrant.Filter {
	if len(f) == 0 {
		return nil
	}
	conditions := make([]*qdrant.Condition, 0, len(f))
	for k, v := range f {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: k,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: v},
					},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func isCollectionMissing(err error) bool {
	return err != nil && errors.Is(err, loop.ErrCollectionMissing)
}
