package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/codeindex/internal/config"
	"github.com/Aman-CERP/codeindex/internal/embed"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// Payload fields set on every point.
const (
	FieldPath     = "path"
	FieldLanguage = "language"
)

// Document is one unit of text to embed and index.
type Document struct {
	ID       string
	Path     string
	Language string
	Text     string
	// Payload is stored with the vector and can be filtered on.
	Payload map[string]string
}

// IndexResult summarizes an IndexDocuments call.
type IndexResult struct {
	Indexed    int     `json:"indexed_count"`
	Collection string  `json:"collection"`
	Metrics    Metrics `json:"metrics"`
}

// Result is one similarity hit.
type Result struct {
	ID       string            `json:"id"`
	Path     string            `json:"path"`
	Language string            `json:"language,omitempty"`
	Score    float64           `json:"score"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// Filters restricts search results by payload field. A field with one value
// requires equality; several values match any of them.
type Filters map[string][]string

// Options configures an Indexer.
type Options struct {
	Config   config.SemanticConfig
	Provider embed.Provider
	Vectors  store.VectorStore
	// Shared is the optional second cache tier.
	Shared SharedCache
	Logger *slog.Logger
}

// Indexer embeds documents and serves similarity search. It does not own the
// provider, vector store or shared cache.
type Indexer struct {
	cfg      config.SemanticConfig
	provider embed.Provider
	vectors  store.VectorStore
	cache    *embeddingCache
	metrics  metricsRecorder
	logger   *slog.Logger

	// collMu serializes lazy collection creation.
	collMu sync.Mutex
}

// New creates an Indexer. The provider's dimension decides the collection.
func New(opts Options) (*Indexer, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if opts.Vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if err := embed.ValidateDimension(opts.Provider.Dimension()); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := opts.Config
	cfg.Dimension = opts.Provider.Dimension()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = embed.DefaultBatchSize
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 1
	}
	if cfg.CollectionPrefix == "" {
		cfg.CollectionPrefix = "code"
	}

	return &Indexer{
		cfg:      cfg,
		provider: opts.Provider,
		vectors:  opts.Vectors,
		cache:    newEmbeddingCache(cfg.MemoryCacheSize, opts.Shared, opts.Logger),
		logger:   opts.Logger,
	}, nil
}

// CollectionName returns the collection holding vectors of dimension dim.
func CollectionName(prefix string, dim int) string {
	return fmt.Sprintf("%s_%d", prefix, dim)
}

// Collection returns the name of this indexer's collection.
func (ix *Indexer) Collection() string {
	return CollectionName(ix.cfg.CollectionPrefix, ix.cfg.Dimension)
}

// Dimension returns the embedding dimension in use.
func (ix *Indexer) Dimension() int {
	return ix.cfg.Dimension
}

// EmbedBatch embeds texts, serving what it can from the cache. Misses are
// embedded in batches of BatchSize with at most MaxConcurrentBatches in
// flight. Any failed batch fails the call.
func (ix *Indexer) EmbedBatch(ctx context.Context, texts []string, input embed.InputType) ([][]float32, error) {
	results := make([][]float32, len(texts))
	keys := make([]string, len(texts))

	// Identical texts within a call are embedded once.
	pending := make(map[string][]int)
	var order []string
	for i, text := range texts {
		keys[i] = cacheKey(text, input, ix.cfg.Dimension, ix.provider.Model())
		if vec, tier := ix.cache.get(ctx, keys[i]); tier != tierMiss {
			ix.metrics.cacheLookup(tier)
			results[i] = vec
			continue
		}
		ix.metrics.cacheLookup(tierMiss)
		if _, seen := pending[keys[i]]; !seen {
			order = append(order, keys[i])
		}
		pending[keys[i]] = append(pending[keys[i]], i)
	}
	if len(order) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.MaxConcurrentBatches)
	for start := 0; start < len(order); start += ix.cfg.BatchSize {
		batchKeys := order[start:min(start+ix.cfg.BatchSize, len(order))]
		g.Go(func() error {
			batch := make([]string, len(batchKeys))
			for j, k := range batchKeys {
				batch[j] = texts[pending[k][0]]
			}

			began := time.Now()
			vecs, err := ix.provider.EmbedBatch(gctx, batch, input)
			ix.metrics.batch(time.Since(began), err)
			if err != nil {
				return cerrors.Provider("embed_batch", err)
			}
			if len(vecs) != len(batch) {
				return cerrors.New(cerrors.ErrCodeProviderFailed,
					fmt.Sprintf("provider returned %d vectors for %d texts", len(vecs), len(batch)), nil)
			}

			for j, k := range batchKeys {
				if len(vecs[j]) != ix.cfg.Dimension {
					return cerrors.InvalidDimension(len(vecs[j]), []int{ix.cfg.Dimension})
				}
				ix.cache.put(gctx, k, vecs[j])
				// Distinct keys own distinct indices, so no lock is needed.
				for _, i := range pending[k] {
					results[i] = vecs[j]
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ix.logger.Warn("embed_batch_failed",
			slog.Int("texts", len(texts)),
			slog.String("error", err.Error()))
		return nil, err
	}
	return results, nil
}

// ensureCollection creates the collection on first use, sized for the
// configured expected point count.
func (ix *Indexer) ensureCollection(ctx context.Context) (string, error) {
	name := ix.Collection()
	ix.collMu.Lock()
	defer ix.collMu.Unlock()

	if ix.vectors.CollectionExists(ctx, name) {
		return name, nil
	}
	return name, ix.createCollection(ctx, name, OptimalShardCount(ix.cfg.ExpectedPoints, ix.cfg.Dimension, ix.cfg.Sharding))
}

func (ix *Indexer) createCollection(ctx context.Context, name string, shards int) error {
	err := ix.vectors.CreateCollection(ctx, store.CollectionConfig{
		Name:              name,
		Dimension:         ix.cfg.Dimension,
		Shards:            shards,
		ReplicationFactor: ix.cfg.Sharding.ReplicationFactor,
		Distance:          store.DistanceCosine,
	})
	if err != nil {
		return cerrors.Provider("create_collection", err)
	}
	ix.logger.Info("vector_collection_ready",
		slog.String("collection", name),
		slog.Int("dimension", ix.cfg.Dimension),
		slog.Int("shards", shards))
	return nil
}

// IndexDocuments embeds docs as documents and upserts them by ID.
func (ix *Indexer) IndexDocuments(ctx context.Context, docs []Document) (*IndexResult, error) {
	began := time.Now()
	name, err := ix.ensureCollection(ctx)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return &IndexResult{Collection: name, Metrics: ix.Metrics()}, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			return nil, cerrors.New(cerrors.ErrCodeInvalidInput, fmt.Sprintf("document %d has no id", i), nil)
		}
		texts[i] = d.Text
	}

	vecs, err := ix.EmbedBatch(ctx, texts, embed.InputDocument)
	if err != nil {
		return nil, err
	}

	points := make([]store.Point, len(docs))
	for i, d := range docs {
		payload := make(map[string]string, len(d.Payload)+2)
		maps.Copy(payload, d.Payload)
		if d.Path != "" {
			payload[FieldPath] = d.Path
		}
		if d.Language != "" {
			payload[FieldLanguage] = d.Language
		}
		points[i] = store.Point{ID: d.ID, Vector: vecs[i], Payload: payload}
	}
	if err := ix.vectors.Upsert(ctx, name, points); err != nil {
		return nil, cerrors.Provider("upsert", err)
	}

	ix.metrics.indexed(len(docs), time.Since(began))
	ix.logger.Debug("semantic_documents_indexed",
		slog.String("collection", name),
		slog.Int("count", len(docs)),
		slog.Duration("duration", time.Since(began)))
	return &IndexResult{Indexed: len(docs), Collection: name, Metrics: ix.Metrics()}, nil
}

// DeleteDocuments removes points by ID. A missing collection is a no-op.
func (ix *Indexer) DeleteDocuments(ctx context.Context, ids []string) error {
	name := ix.Collection()
	if len(ids) == 0 || !ix.vectors.CollectionExists(ctx, name) {
		return nil
	}
	if err := ix.vectors.Delete(ctx, name, ids); err != nil {
		return cerrors.Provider("delete", err)
	}
	return nil
}

// Search embeds query as a query and returns up to limit hits scoring at or
// above the configured threshold. A missing collection yields no results.
func (ix *Indexer) Search(ctx context.Context, query string, limit int, filters Filters) ([]Result, error) {
	ix.metrics.search()
	if strings.TrimSpace(query) == "" {
		return []Result{}, nil
	}
	name := ix.Collection()
	if !ix.vectors.CollectionExists(ctx, name) {
		return []Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	vecs, err := ix.EmbedBatch(ctx, []string{query}, embed.InputQuery)
	if err != nil {
		return nil, err
	}

	hits, err := ix.vectors.Search(ctx, name, store.VectorQuery{
		Vector:         vecs[0],
		Filter:         buildFilter(filters),
		Limit:          limit,
		ScoreThreshold: float32(ix.cfg.ScoreThreshold),
	})
	if err != nil {
		return nil, cerrors.Provider("search", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if float64(h.Score) < ix.cfg.ScoreThreshold {
			continue
		}
		results = append(results, Result{
			ID:       h.ID,
			Path:     h.Payload[FieldPath],
			Language: h.Payload[FieldLanguage],
			Score:    float64(h.Score),
			Payload:  h.Payload,
		})
	}
	return results, nil
}

// buildFilter translates Filters into a vector store filter. Fields are
// sorted so equal inputs produce equal filters.
func buildFilter(filters Filters) *store.Filter {
	if len(filters) == 0 {
		return nil
	}
	f := &store.Filter{}
	for _, field := range slices.Sorted(maps.Keys(filters)) {
		values := filters[field]
		switch len(values) {
		case 0:
			continue
		case 1:
			f.Must = append(f.Must, store.Condition{Field: field, Match: values[0]})
		default:
			f.Must = append(f.Must, store.Condition{Field: field, Any: slices.Clone(values)})
		}
	}
	if len(f.Must) == 0 {
		return nil
	}
	return f
}

// CollectionInfo returns the collection's metadata.
func (ix *Indexer) CollectionInfo(ctx context.Context) (*store.CollectionInfo, error) {
	return ix.vectors.GetCollection(ctx, ix.Collection())
}

// DeleteCollection drops the collection and every vector in it.
func (ix *Indexer) DeleteCollection(ctx context.Context) error {
	ix.collMu.Lock()
	defer ix.collMu.Unlock()
	if err := ix.vectors.DeleteCollection(ctx, ix.Collection()); err != nil {
		return cerrors.Provider("delete_collection", err)
	}
	return nil
}

// Reshard recreates the collection with a new shard count. This drops every
// stored vector, so allowDataLoss must be set; callers reindex afterwards.
// shards <= 0 plans the count from the configured expected points.
func (ix *Indexer) Reshard(ctx context.Context, shards int, allowDataLoss bool) error {
	if !allowDataLoss {
		return cerrors.New(cerrors.ErrCodeInvalidInput,
			"resharding recreates the collection and drops all vectors", nil).
			WithSuggestion("pass allowDataLoss and reindex afterwards")
	}
	if shards <= 0 {
		shards = OptimalShardCount(ix.cfg.ExpectedPoints, ix.cfg.Dimension, ix.cfg.Sharding)
	}

	name := ix.Collection()
	ix.collMu.Lock()
	defer ix.collMu.Unlock()
	if err := ix.vectors.DeleteCollection(ctx, name); err != nil {
		return cerrors.Provider("delete_collection", err)
	}
	ix.logger.Warn("vector_collection_resharded",
		slog.String("collection", name),
		slog.Int("shards", shards))
	return ix.createCollection(ctx, name, shards)
}

// Metrics returns the current counters.
func (ix *Indexer) Metrics() Metrics {
	return ix.metrics.snapshot()
}

// ResetMetrics zeroes every counter. Cached embeddings are kept.
func (ix *Indexer) ResetMetrics() {
	ix.metrics.reset()
}

// ClearMemoryCache drops the in-process cache tier.
func (ix *Indexer) ClearMemoryCache() {
	ix.cache.purge()
}
