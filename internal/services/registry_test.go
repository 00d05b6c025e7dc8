package services

import (
	"context"
	"hash/fnv"
	"sync/atomic"
	"testing"

	"github.com/fyrsmithlabs/loopd/internal/config"
	"github.com/fyrsmithlabs/loopd/internal/events"
	"github.com/fyrsmithlabs/loopd/internal/loop"
	"github.com/fyrsmithlabs/loopd/internal/store"
	"github.com/fyrsmithlabs/loopd/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDim = 8

type hashProvider struct {
	closed atomic.Bool
}

func (p *hashProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDim)
	for i := range vec {
		f := fnv.New32a()
		_, _ = f.Write([]byte{byte(i)})
		_, _ = f.Write([]byte(text))
		vec[i] = float32(f.Sum32()%1000)/1000 + 0.001
	}
	return vec, nil
}

func (p *hashProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = p.EmbedQuery(ctx, t)
	}
	return out, nil
}

func (p *hashProvider) Dimension() int { return testDim }

func (p *hashProvider) Close() error {
	p.closed.Store(true)
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	cfg.Embeddings.Dimension = testDim
	cfg.VectorStore.Collection = "loopd_services_test"
	return cfg
}

func TestBuild_WiresComponents(t *testing.T) {
	ctx := context.Background()
	provider := &hashProvider{}
	rec := &events.Recorder{}

	reg, err := Build(ctx, testConfig(), zap.NewNop(), Options{Provider: provider, Publisher: rec})
	require.NoError(t, err)

	assert.NotNil(t, reg.Store())
	assert.NotNil(t, reg.Index())
	assert.Equal(t, testDim, reg.Embeddings().Dimension())
	assert.Nil(t, reg.Sweep(), "sweeps are disabled by default")
	assert.NoError(t, reg.Start())

	l, err := reg.Lifecycle().Create(ctx, loop.NewLoop{ID: "l1", Summary: "flaky integration test on CI"})
	require.NoError(t, err)
	assert.Equal(t, loop.StatusOpen, l.Status)
	assert.Len(t, rec.OfType(events.TypeCreated), 1)

	// Creation indexed the loop, so the router finds it by its own summary.
	matches, err := reg.Router().Route(ctx, "flaky integration test on CI", nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "l1", matches[0].TargetID)

	_, err = reg.Ledger().Record(ctx, "l1", loop.PolarityUseful, "test")
	require.NoError(t, err)
	res, err := reg.Weights().Recompute(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Weight)

	require.NoError(t, reg.Close())
	assert.True(t, provider.closed.Load())
}

func TestBuild_DisableIndexing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Lifecycle.DisableIndexing = true

	reg, err := Build(ctx, cfg, nil, Options{Provider: &hashProvider{}})
	require.NoError(t, err)
	defer reg.Close()

	_, err = reg.Lifecycle().Create(ctx, loop.NewLoop{ID: "l1", Summary: "not indexed"})
	require.NoError(t, err)

	info, err := reg.Index().Info(ctx)
	require.NoError(t, err)
	assert.Zero(t, info.PointCount)
}

func TestBuild_SweepEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.Sweep.Enabled = true

	reg, err := Build(context.Background(), cfg, zap.NewNop(), Options{Provider: &hashProvider{}})
	require.NoError(t, err)
	require.NotNil(t, reg.Sweep())

	require.NoError(t, reg.Start())
	assert.True(t, reg.Sweep().Running())
	require.NoError(t, reg.Close())
	assert.False(t, reg.Sweep().Running())
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(context.Background(), nil, nil, Options{})
	assert.Error(t, err)

	t.Run("dimension mismatch closes what was opened", func(t *testing.T) {
		ctx := context.Background()
		idx, err := vectorindex.NewChromemIndex(vectorindex.ChromemConfig{Collection: "loopd_mismatch"}, nil)
		require.NoError(t, err)
		require.NoError(t, idx.EnsureCollection(ctx, testDim*2))

		provider := &hashProvider{}
		_, err = Build(ctx, testConfig(), nil, Options{
			Store:    store.NewMemoryStore(),
			Provider: provider,
			Index:    idx,
		})
		require.Error(t, err)
		assert.True(t, provider.closed.Load())
	})

	t.Run("unknown store driver", func(t *testing.T) {
		cfg := testConfig()
		cfg.Store.Driver = "bogus"
		_, err := Build(context.Background(), cfg, nil, Options{Provider: &hashProvider{}})
		assert.Error(t, err)
	})
}
