package semantic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codeindex/internal/config"
	"github.com/Aman-CERP/codeindex/internal/embed"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ix       *Indexer
	provider *embed.StaticProvider
	vectors  *store.HNSWVectorStore
}

func newFixture(t *testing.T, mutate func(*config.SemanticConfig), shared SharedCache) fixture {
	t.Helper()
	cfg := config.NewConfig().Semantic
	cfg.Dimension = 256
	cfg.BatchSize = 4
	cfg.MaxConcurrentBatches = 2
	if mutate != nil {
		mutate(&cfg)
	}

	provider, err := embed.NewStaticProvider(cfg.Dimension)
	require.NoError(t, err)
	vectors, err := store.NewHNSWVectorStore(store.HNSWOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	ix, err := New(Options{Config: cfg, Provider: provider, Vectors: vectors, Shared: shared, Logger: quietLogger()})
	require.NoError(t, err)
	return fixture{ix: ix, provider: provider, vectors: vectors}
}

func corpus() []Document {
	return []Document{
		{ID: "a", Path: "auth/login.py", Language: "python", Text: "def authenticate_user(username, password): check credentials"},
		{ID: "b", Path: "db/pool.go", Language: "go", Text: "func NewConnectionPool(size int) *Pool"},
		{ID: "c", Path: "http/router.ts", Language: "typescript", Text: "export class HttpRouter { route(path) }"},
		{ID: "d", Path: "log/logger.py", Language: "python", Text: "class Logger: writes structured log lines"},
		{ID: "e", Path: "cache/lru.go", Language: "go", Text: "type LRUCache struct evicts least recently used"},
		{ID: "f", Path: "ui/button.js", Language: "javascript", Text: "function renderButton(label)"},
	}
}

func TestIndexer_SecondPassIsServedFromCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	docs := corpus()

	// Given: a first pass over the corpus
	_, err := f.ix.IndexDocuments(ctx, docs)
	require.NoError(t, err)
	first := f.ix.Metrics()
	calls := f.provider.Calls()

	// When: the unchanged corpus is indexed again
	f.ix.ResetMetrics()
	res, err := f.ix.IndexDocuments(ctx, docs)
	require.NoError(t, err)
	second := res.Metrics

	// Then: every lookup hits and the provider is not called
	assert.Equal(t, int64(0), first.CacheHits)
	assert.Equal(t, int64(len(docs)), first.CacheMisses)
	assert.Equal(t, int64(len(docs)), second.CacheHits)
	assert.Equal(t, int64(len(docs)), second.MemoryHits)
	assert.GreaterOrEqual(t, second.CacheHitRate, first.CacheHitRate)
	assert.InDelta(t, 1.0, second.CacheHitRate, 1e-9)
	assert.Equal(t, calls, f.provider.Calls())
}

func TestIndexer_SharedCacheTier(t *testing.T) {
	ctx := context.Background()
	shared, err := store.NewSQLiteEmbeddingCache("", 0)
	require.NoError(t, err)
	defer func() { _ = shared.Close() }()

	// Given: one indexer has populated the shared tier
	a := newFixture(t, nil, shared)
	_, err = a.ix.IndexDocuments(ctx, corpus())
	require.NoError(t, err)

	// When: a second indexer with a cold memory tier indexes the same corpus
	b := newFixture(t, nil, shared)
	res, err := b.ix.IndexDocuments(ctx, corpus())
	require.NoError(t, err)

	// Then: every embedding comes from the shared tier
	assert.Equal(t, int64(len(corpus())), res.Metrics.SharedHits)
	assert.Equal(t, int64(0), res.Metrics.CacheMisses)
	assert.Equal(t, int64(0), b.provider.Calls())
}

func TestIndexer_EmbedBatchBatchesAndDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *config.SemanticConfig) { c.BatchSize = 3 }, nil)

	texts := make([]string, 0, 12)
	for i := range 10 {
		texts = append(texts, fmt.Sprintf("symbol_%d", i))
	}
	texts = append(texts, "symbol_0", "symbol_1")

	vecs, err := f.ix.EmbedBatch(ctx, texts, embed.InputDocument)

	require.NoError(t, err)
	require.Len(t, vecs, 12)
	assert.Equal(t, int64(4), f.provider.Calls(), "10 distinct texts in batches of 3")
	assert.Equal(t, int64(10), f.provider.TextsEmbedded())
	assert.Equal(t, vecs[0], vecs[10])
	assert.Equal(t, int64(4), f.ix.Metrics().Batches)
}

func TestIndexer_QueryAndDocumentKeysDiffer(t *testing.T) {
	assert.NotEqual(t,
		cacheKey("x", embed.InputQuery, 256, "m"),
		cacheKey("x", embed.InputDocument, 256, "m"))
	assert.NotEqual(t,
		cacheKey("x", embed.InputQuery, 256, "m"),
		cacheKey("x", embed.InputQuery, 512, "m"))
	assert.NotEqual(t,
		cacheKey("x", embed.InputQuery, 256, "m"),
		cacheKey("x", embed.InputQuery, 256, "n"))
}

func TestIndexer_Search(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.ix.IndexDocuments(ctx, corpus())
	require.NoError(t, err)

	tests := []struct {
		name      string
		query     string
		filters   Filters
		wantFirst string
		check     func(t *testing.T, results []Result)
	}{
		{
			name:      "best match first",
			query:     "structured Logger",
			wantFirst: "log/logger.py",
		},
		{
			name:    "equality filter",
			query:   "pool",
			filters: Filters{FieldLanguage: {"go"}},
			check: func(t *testing.T, results []Result) {
				for _, r := range results {
					assert.Equal(t, "go", r.Language)
				}
			},
		},
		{
			name:    "any-of filter",
			query:   "class",
			filters: Filters{FieldLanguage: {"python", "typescript"}},
			check: func(t *testing.T, results []Result) {
				for _, r := range results {
					assert.Contains(t, []string{"python", "typescript"}, r.Language)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := f.ix.Search(ctx, tt.query, 5, tt.filters)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			if tt.wantFirst != "" {
				assert.Equal(t, tt.wantFirst, results[0].Path)
			}
			if tt.check != nil {
				tt.check(t, results)
			}
			for i := 1; i < len(results); i++ {
				assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
			}
		})
	}
}

func TestIndexer_SearchScoreThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *config.SemanticConfig) { c.ScoreThreshold = 0.999 }, nil)
	_, err := f.ix.IndexDocuments(ctx, corpus())
	require.NoError(t, err)

	results, err := f.ix.Search(ctx, "completely unrelated words", 10, nil)

	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndexer_SearchWithoutCollection(t *testing.T) {
	f := newFixture(t, nil, nil)

	results, err := f.ix.Search(context.Background(), "anything", 10, nil)

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.False(t, f.vectors.CollectionExists(context.Background(), f.ix.Collection()))
}

func TestIndexer_CollectionIsCreatedLazilyPerDimension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *config.SemanticConfig) {
		c.Dimension = 512
		c.ExpectedPoints = 250000
		c.CollectionPrefix = "repo"
	}, nil)

	assert.Equal(t, "repo_512", f.ix.Collection())
	assert.False(t, f.vectors.CollectionExists(ctx, "repo_512"))

	res, err := f.ix.IndexDocuments(ctx, corpus()[:2])
	require.NoError(t, err)
	assert.Equal(t, "repo_512", res.Collection)
	assert.Equal(t, 2, res.Indexed)

	info, err := f.ix.CollectionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 512, info.Config.Dimension)
	assert.Equal(t, OptimalShardCount(250000, 512, defaultSharding()), info.Config.Shards)
	assert.Equal(t, 2, info.PointCount)
}

func TestIndexer_UpsertReplacesByID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	_, err := f.ix.IndexDocuments(ctx, corpus())
	require.NoError(t, err)
	_, err = f.ix.IndexDocuments(ctx, []Document{{ID: "a", Path: "auth/login.py", Text: "rewritten"}})
	require.NoError(t, err)

	info, err := f.ix.CollectionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(corpus()), info.PointCount)

	require.NoError(t, f.ix.DeleteDocuments(ctx, []string{"a", "b"}))
	info, err = f.ix.CollectionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(corpus())-2, info.PointCount)
}

func TestIndexer_Reshard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.ix.IndexDocuments(ctx, corpus())
	require.NoError(t, err)

	// Without consent nothing changes
	err = f.ix.Reshard(ctx, 4, false)
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeInvalidInput, cerrors.GetCode(err))
	info, err := f.ix.CollectionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(corpus()), info.PointCount)

	// With consent the collection is recreated empty
	require.NoError(t, f.ix.Reshard(ctx, 4, true))
	info, err = f.ix.CollectionInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Config.Shards)
	assert.Equal(t, 0, info.PointCount)
}

func TestIndexer_DeleteCollection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.ix.IndexDocuments(ctx, corpus())
	require.NoError(t, err)

	require.NoError(t, f.ix.DeleteCollection(ctx))

	assert.False(t, f.vectors.CollectionExists(ctx, f.ix.Collection()))
	results, err := f.ix.Search(ctx, "Logger", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIndexer_RejectsDocumentWithoutID(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.ix.IndexDocuments(context.Background(), []Document{{Text: "x"}})

	assert.ErrorIs(t, err, cerrors.ErrInvalidInput)
}

// failingProvider fails every call after the first ok calls.
type failingProvider struct {
	embed.Provider
	ok    int
	calls int
}

func (p *failingProvider) EmbedBatch(ctx context.Context, texts []string, input embed.InputType) ([][]float32, error) {
	p.calls++
	if p.calls > p.ok {
		return nil, cerrors.New(cerrors.ErrCodeProviderTimeout, "upstream unavailable", errors.New("503"))
	}
	return p.Provider.EmbedBatch(ctx, texts, input)
}

func TestIndexer_ProviderFailure(t *testing.T) {
	static, err := embed.NewStaticProvider(256)
	require.NoError(t, err)
	vectors, err := store.NewHNSWVectorStore(store.HNSWOptions{})
	require.NoError(t, err)
	defer func() { _ = vectors.Close() }()

	cfg := config.NewConfig().Semantic
	cfg.BatchSize = 100
	cfg.MaxConcurrentBatches = 1
	ix, err := New(Options{Config: cfg, Provider: &failingProvider{Provider: static}, Vectors: vectors, Logger: quietLogger()})
	require.NoError(t, err)

	_, err = ix.IndexDocuments(context.Background(), corpus())

	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeProviderTimeout, cerrors.GetCode(err))
	assert.Equal(t, int64(1), ix.Metrics().ProviderErrors)
}

func TestNew_Validation(t *testing.T) {
	static, err := embed.NewStaticProvider(256)
	require.NoError(t, err)

	_, err = New(Options{Provider: static})
	assert.Error(t, err, "vector store is required")

	vectors, err := store.NewHNSWVectorStore(store.HNSWOptions{})
	require.NoError(t, err)
	defer func() { _ = vectors.Close() }()
	_, err = New(Options{Vectors: vectors})
	assert.Error(t, err, "provider is required")
}
