package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/loopd/internal/feedback"
	"github.com/fyrsmithlabs/loopd/internal/lifecycle"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/router"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/fyrsmithlabs/loopd/internal/sweep"
	"github.com/fyrsmithlabs/loopd/internal/vectorindex"
	"github.com/fyrsmithlabs/loopd/internal/weights"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDim = 16

// hashEmbedder maps text to a deterministic non-zero vector.
type hashEmbedder struct{}

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDim)
	for i := range vec {
		f := fnv.New32a()
		_, _ = f.Write([]byte{byte(i)})
		_, _ = f.Write([]byte(text))
		vec[i] = float32(f.Sum32()%1000)/1000 + 0.001
	}
	return vec, nil
}

func (h hashEmbedder) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	return h.Embed(ctx, text)
}

func (hashEmbedder) Dimension() int { return testDim }

func newTestDeps(t *testing.T) Deps {
	t.Helper()
	ctx := context.Background()

	idx, err := vectorindex.NewChromemIndex(vectorindex.ChromemConfig{Collection: "loopd_test"}, nil)
	require.NoError(t, err)
	require.NoError(t, idx.EnsureCollection(ctx, testDim))
	t.Cleanup(func() { _ = idx.Close() })

	s := store.NewMemoryStore()
	km := store.NewKeyedMutex()
	rt, err := router.New(hashEmbedder{}, idx, router.DefaultConfig(), nil)
	require.NoError(t, err)

	engine := weights.NewEngine(s, weights.WithLocks(km))
	manager := lifecycle.NewManager(s, lifecycle.Config{},
		lifecycle.WithLocks(km),
		lifecycle.WithIndexing(hashEmbedder{}, idx),
	)
	sched, err := sweep.NewScheduler(engine, manager, nil)
	require.NoError(t, err)

	return Deps{
		Router:    rt,
		Lifecycle: manager,
		Ledger:    feedback.NewLedger(s),
		Weights:   engine,
		Sweep:     sched,
	}
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	server, err := NewServer(newTestDeps(t), zap.NewNop(), nil)
	require.NoError(t, err)
	return server
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[ErrorResponse](t, rec)
	assert.Equal(t, code, body.Code)
	assert.NotEmpty(t, body.Message)
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(newTestDeps(t), zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9191", server.Addr())
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newTestDeps(t), nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error for missing components", func(t *testing.T) {
		_, err := NewServer(Deps{}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "router cannot be nil")
		assert.Contains(t, err.Error(), "weight engine cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t)
	do(t, server, http.MethodGet, "/health", nil)

	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loopd_http_requests_total")
}

func TestLoopLifecycleOverHTTP(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/loops", loop.NewLoop{ID: "loop-1", Summary: "flaky upload retries", Tags: []string{"ops"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[loop.Loop](t, rec)
	assert.Equal(t, loop.StatusOpen, created.Status)

	rec = do(t, server, http.MethodPost, "/api/v1/loops", loop.NewLoop{ID: "loop-1", Summary: "again"})
	assertError(t, rec, http.StatusConflict, "duplicate_id")

	rec = do(t, server, http.MethodGet, "/api/v1/loops/loop-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "flaky upload retries", decode[loop.Loop](t, rec).Summary)

	// Below threshold: informational conflict, state unchanged.
	rec = do(t, server, http.MethodPost, "/api/v1/loops/loop-1/promote", nil)
	assertError(t, rec, http.StatusConflict, "threshold_not_met")

	for i := 0; i < 4; i++ {
		rec = do(t, server, http.MethodPost, "/api/v1/loops/loop-1/feedback", FeedbackRequest{Polarity: "useful", Source: "review"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	fb := decode[FeedbackResponse](t, rec)
	require.NotNil(t, fb.Weight)
	assert.Equal(t, 4.0, *fb.Weight)
	assert.Equal(t, loop.PolarityUseful, fb.Event.Polarity)

	rec = do(t, server, http.MethodGet, "/api/v1/loops/loop-1/feedback", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[FeedbackListResponse](t, rec)
	assert.Equal(t, 4, list.Counts.Useful)
	assert.Len(t, list.Events, 4)

	rec = do(t, server, http.MethodPost, "/api/v1/loops/loop-1/promote", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pr := decode[lifecycle.PromoteResult](t, rec)
	assert.Equal(t, loop.StatusPromoted, pr.Loop.Status)
	assert.True(t, pr.CreatedWorkstream)

	rec = do(t, server, http.MethodPost, "/api/v1/loops/loop-1/promote", nil)
	assertError(t, rec, http.StatusConflict, "invalid_transition")

	rec = do(t, server, http.MethodGet, "/api/v1/workstreams?kind=project", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[WorkstreamsResponse](t, rec).Workstreams, 1)
}

func TestStatusVerifiedArchive(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodPost, "/api/v1/loops", loop.NewLoop{ID: "d", Summary: "draft idea", Draft: true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, server, http.MethodPut, "/api/v1/loops/d/status", StatusRequest{Status: "closed"})
	assertError(t, rec, http.StatusConflict, "invalid_transition")

	rec = do(t, server, http.MethodPut, "/api/v1/loops/d/status", StatusRequest{Status: "finished"})
	assertError(t, rec, http.StatusBadRequest, "invalid_input")

	for _, st := range []string{"open", "closed"} {
		rec = do(t, server, http.MethodPut, "/api/v1/loops/d/status", StatusRequest{Status: st})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, loop.Status(st), decode[loop.Loop](t, rec).Status)
	}

	rec = do(t, server, http.MethodPut, "/api/v1/loops/d/verified", map[string]any{})
	assertError(t, rec, http.StatusBadRequest, "invalid_input")

	verified := true
	rec = do(t, server, http.MethodPut, "/api/v1/loops/d/verified", VerifiedRequest{Verified: &verified})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[loop.Loop](t, rec).Verified)

	rec = do(t, server, http.MethodPost, "/api/v1/loops/d/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, loop.TierArchive, decode[loop.Loop](t, rec).Tier)

	rec = do(t, server, http.MethodGet, "/api/v1/loops?tier=archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[LoopsResponse](t, rec).Loops, 1)

	rec = do(t, server, http.MethodGet, "/api/v1/loops?status=open", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[LoopsResponse](t, rec).Loops)

	rec = do(t, server, http.MethodGet, "/api/v1/loops?verified=maybe", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestClassify(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/v1/workstreams", map[string]any{
		"id": "proj-payments", "kind": "project", "goal": "payment retries",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, server, http.MethodPost, "/api/v1/classify", ClassifyRequest{Text: "payment retries"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	matches := decode[ClassifyResponse](t, rec).Matches
	require.NotEmpty(t, matches)
	assert.Equal(t, "proj-payments", matches[0].TargetID)
	assert.Equal(t, loop.KindProject, matches[0].TargetType)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)

	rec = do(t, server, http.MethodPost, "/api/v1/classify", ClassifyRequest{Text: "payment retries", Kind: "program"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ClassifyResponse](t, rec).Matches)
	assert.Contains(t, rec.Body.String(), `"matches":[]`)

	rec = do(t, server, http.MethodPost, "/api/v1/classify", ClassifyRequest{Text: "   "})
	assertError(t, rec, http.StatusBadRequest, "invalid_input")

	rec = do(t, server, http.MethodPost, "/api/v1/classify", ClassifyRequest{Text: "x", Kind: "epic"})
	assertError(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestFeedbackForWorkstream(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodPost, "/api/v1/workstreams", map[string]any{
		"id": "prog-1", "kind": "program", "goal": []string{"reliability"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, server, http.MethodPost, "/api/v1/feedback", FeedbackRequest{TargetID: "prog-1", Polarity: "false-positive"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fb := decode[FeedbackResponse](t, rec)
	assert.Equal(t, loop.PolarityFalsePositive, fb.Event.Polarity)
	require.NotNil(t, fb.Weight)
	assert.Equal(t, 0.0, *fb.Weight)

	rec = do(t, server, http.MethodPost, "/api/v1/feedback", FeedbackRequest{TargetID: "ghost", Polarity: "useful"})
	assertError(t, rec, http.StatusNotFound, "not_found")

	rec = do(t, server, http.MethodPost, "/api/v1/feedback", FeedbackRequest{TargetID: "prog-1", Polarity: "meh"})
	assertError(t, rec, http.StatusBadRequest, "invalid_input")
}

func TestRecomputeAndSweep(t *testing.T) {
	server := setupTestServer(t)
	for i := 0; i < 3; i++ {
		rec := do(t, server, http.MethodPost, "/api/v1/loops", loop.NewLoop{ID: fmt.Sprintf("l%d", i), Summary: "s"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, server, http.MethodPost, "/api/v1/weights/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[RecomputeResponse](t, rec)
	assert.Len(t, resp.Results, 3)
	assert.Zero(t, resp.Failed)

	rec = do(t, server, http.MethodPost, "/api/v1/weights/recompute", RecomputeRequest{ID: "l1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "l1", decode[RecomputeResponse](t, rec).Results[0].ID)

	rec = do(t, server, http.MethodPost, "/api/v1/weights/recompute", RecomputeRequest{Kind: "project"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[RecomputeResponse](t, rec).Results)

	rec = do(t, server, http.MethodPost, "/api/v1/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[sweep.Report](t, rec).Recomputed)
}

func TestMarkdownAndLink(t *testing.T) {
	server := setupTestServer(t)
	rec := do(t, server, http.MethodPost, "/api/v1/loops", loop.NewLoop{ID: "m", Summary: "render me", Tags: []string{"docs"}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/loops/m/markdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), "text/markdown"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "---\n"))
	assert.Contains(t, rec.Body.String(), "render me")

	rec = do(t, server, http.MethodPost, "/api/v1/loops/m/link", LinkRequest{WorkstreamID: "nope"})
	assertError(t, rec, http.StatusNotFound, "not_found")

	rec = do(t, server, http.MethodPost, "/api/v1/workstreams", map[string]any{"id": "proj-docs", "kind": "project", "goal": "docs"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, server, http.MethodPost, "/api/v1/loops/m/link", LinkRequest{WorkstreamID: "proj-docs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "proj-docs", decode[loop.Loop](t, rec).LinkedWorkstream)
}

func TestErrorResponses(t *testing.T) {
	server := setupTestServer(t)

	rec := do(t, server, http.MethodGet, "/api/v1/loops/ghost", nil)
	assertError(t, rec, http.StatusNotFound, "not_found")

	rec = do(t, server, http.MethodGet, "/api/v1/nothing-here", nil)
	assertError(t, rec, http.StatusNotFound, "not_found")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/loops", strings.NewReader("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	assertError(t, rec, http.StatusBadRequest, "invalid_input")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/loops/any", nil).WithContext(ctx)
	rec = httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	assertError(t, rec, StatusClientClosedRequest, "cancelled")
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{loop.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
		{loop.ErrNotFound, http.StatusNotFound, "not_found"},
		{loop.ErrThresholdNotMet, http.StatusConflict, "threshold_not_met"},
		{loop.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
		{loop.ErrDuplicateID, http.StatusConflict, "duplicate_id"},
		{loop.ErrStoreConflict, http.StatusConflict, "store_conflict"},
		{loop.ErrEmbeddingUnavailable, http.StatusServiceUnavailable, "embedding_unavailable"},
		{loop.ErrIndexUnavailable, http.StatusServiceUnavailable, "index_unavailable"},
		{loop.ErrCollectionMissing, http.StatusServiceUnavailable, "collection_missing"},
		{loop.Wrap("op", "id", context.Canceled), StatusClientClosedRequest, "cancelled"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code := StatusOf(loop.Wrap("test.op", "x", tt.err))
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
