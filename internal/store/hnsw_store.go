package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"golang.org/x/sync/errgroup"
)

// exactScanThreshold is the number of filter-matching points below which a
// filtered search scores every match instead of walking the graph.
const exactScanThreshold = 10000

var collectionNameRegex = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// HNSWOptions configures the graphs of every collection.
type HNSWOptions struct {
	// Dir persists collections under Dir/<name>/. Empty keeps them in memory.
	Dir string

	// M is the max connections per layer (default: 16)
	M int

	// EfSearch is the query-time search width (default: 20)
	EfSearch int
}

// HNSWVectorStore implements VectorStore with one coder/hnsw graph per shard.
// Points are routed to shard fnv32a(id) % shards; searches fan out to all
// shards and merge.
type HNSWVectorStore struct {
	mu          sync.RWMutex
	opts        HNSWOptions
	collections map[string]*hnswCollection
	closed      bool
}

var _ VectorStore = (*HNSWVectorStore)(nil)

type hnswCollection struct {
	cfg    CollectionConfig
	shards []*hnswShard
}

// hnswShard owns one graph. Deletion is lazy: the node stays in the graph and
// only the id mappings are dropped, because coder/hnsw misbehaves when the
// last node is deleted. Orphans are compacted away once they outnumber live points.
type hnswShard struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[uint64]
	idMap    map[string]uint64
	keyMap   map[uint64]string
	vectors  map[string][]float32 // normalized
	payloads map[string]map[string]string
	nextKey  uint64
	m        int
	efSearch int
}

// shardMeta is the gob-encoded companion of an exported graph.
type shardMeta struct {
	IDMap    map[string]uint64
	NextKey  uint64
	Vectors  map[string][]float32
	Payloads map[string]map[string]string
}

// NewHNSWVectorStore creates a store and loads any collections found in opts.Dir.
func NewHNSWVectorStore(opts HNSWOptions) (*HNSWVectorStore, error) {
	if opts.M == 0 {
		opts.M = 16
	}
	if opts.EfSearch == 0 {
		opts.EfSearch = 20
	}

	s := &HNSWVectorStore{
		opts:        opts,
		collections: make(map[string]*hnswCollection),
	}
	if opts.Dir != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newShard(m, efSearch int) *hnswShard {
	return &hnswShard{
		graph:    newGraph(m, efSearch),
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		vectors:  make(map[string][]float32),
		payloads: make(map[string]map[string]string),
		m:        m,
		efSearch: efSearch,
	}
}

func newGraph(m, efSearch int) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = m
	g.EfSearch = efSearch
	g.Ml = 0.25
	return g
}

// CreateCollection creates an empty collection. Creating an existing
// collection with the same dimension is a no-op.
func (s *HNSWVectorStore) CreateCollection(ctx context.Context, cfg CollectionConfig) error {
	if !collectionNameRegex.MatchString(cfg.Name) {
		return fmt.Errorf("invalid collection name %q", cfg.Name)
	}
	if cfg.Dimension <= 0 {
		return fmt.Errorf("collection %s: dimension must be positive", cfg.Name)
	}
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.ReplicationFactor < 1 {
		cfg.ReplicationFactor = 1
	}
	if cfg.Distance == "" {
		cfg.Distance = DistanceCosine
	}
	if cfg.Distance != DistanceCosine {
		return fmt.Errorf("collection %s: unsupported distance %q", cfg.Name, cfg.Distance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if existing, ok := s.collections[cfg.Name]; ok {
		if existing.cfg.Dimension != cfg.Dimension {
			return ErrDimensionMismatch{Expected: existing.cfg.Dimension, Got: cfg.Dimension}
		}
		return nil
	}

	c := &hnswCollection{cfg: cfg, shards: make([]*hnswShard, cfg.Shards)}
	for i := range c.shards {
		c.shards[i] = newShard(s.opts.M, s.opts.EfSearch)
	}
	s.collections[cfg.Name] = c

	slog.Debug("vector_collection_created",
		slog.String("collection", cfg.Name),
		slog.Int("dimension", cfg.Dimension),
		slog.Int("shards", cfg.Shards))
	return nil
}

// CollectionExists reports whether name exists.
func (s *HNSWVectorStore) CollectionExists(ctx context.Context, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok && !s.closed
}

// DeleteCollection drops a collection and its files. Missing collections are ignored.
func (s *HNSWVectorStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	delete(s.collections, name)
	if s.opts.Dir != "" && collectionNameRegex.MatchString(name) {
		if err := os.RemoveAll(filepath.Join(s.opts.Dir, name)); err != nil {
			return fmt.Errorf("failed to remove collection files: %w", err)
		}
	}
	return nil
}

// GetCollection returns config and point counts.
func (s *HNSWVectorStore) GetCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}

	info := &CollectionInfo{Config: c.cfg, ShardPoints: make([]int, len(c.shards))}
	for i, sh := range c.shards {
		sh.mu.RLock()
		info.ShardPoints[i] = len(sh.idMap)
		sh.mu.RUnlock()
		info.PointCount += info.ShardPoints[i]
	}
	return info, nil
}

// ListCollections returns collection names in sorted order.
func (s *HNSWVectorStore) ListCollections(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *HNSWVectorStore) collection(name string) (*hnswCollection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound{Name: name}
	}
	return c, nil
}

func (c *hnswCollection) shardFor(id string) *hnswShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Upsert inserts or replaces points.
func (s *HNSWVectorStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("point id is required")
		}
		if len(p.Vector) != c.cfg.Dimension {
			return ErrDimensionMismatch{Expected: c.cfg.Dimension, Got: len(p.Vector)}
		}
	}

	byShard := make(map[*hnswShard][]Point)
	for _, p := range points {
		sh := c.shardFor(p.ID)
		byShard[sh] = append(byShard[sh], p)
	}
	for sh, pts := range byShard {
		if err := ctx.Err(); err != nil {
			return err
		}
		sh.upsert(pts)
	}
	return nil
}

func (sh *hnswShard) upsert(points []Point) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for _, p := range points {
		if oldKey, exists := sh.idMap[p.ID]; exists {
			delete(sh.keyMap, oldKey)
		}

		key := sh.nextKey
		sh.nextKey++

		vec := normalizeVector(p.Vector)
		sh.graph.Add(hnsw.MakeNode(key, vec))

		sh.idMap[p.ID] = key
		sh.keyMap[key] = p.ID
		sh.vectors[p.ID] = vec
		sh.payloads[p.ID] = copyPayload(p.Payload)
	}
	sh.compactIfNeeded()
}

func copyPayload(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Delete removes points by id. Unknown ids are ignored.
func (s *HNSWVectorStore) Delete(ctx context.Context, collection string, ids []string) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}

	for _, id := range ids {
		sh := c.shardFor(id)
		sh.mu.Lock()
		if key, exists := sh.idMap[id]; exists {
			delete(sh.keyMap, key)
			delete(sh.idMap, id)
			delete(sh.vectors, id)
			delete(sh.payloads, id)
		}
		sh.compactIfNeeded()
		sh.mu.Unlock()
	}
	return nil
}

// compactIfNeeded rebuilds the graph from live vectors once lazily deleted
// nodes outnumber live ones. Caller holds sh.mu.
func (sh *hnswShard) compactIfNeeded() {
	orphans := sh.graph.Len() - len(sh.idMap)
	if orphans < 256 || orphans <= len(sh.idMap) {
		return
	}

	ids := make([]string, 0, len(sh.idMap))
	for id := range sh.idMap {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	graph := newGraph(sh.m, sh.efSearch)
	idMap := make(map[string]uint64, len(ids))
	keyMap := make(map[uint64]string, len(ids))
	for i, id := range ids {
		key := uint64(i)
		graph.Add(hnsw.MakeNode(key, sh.vectors[id]))
		idMap[id] = key
		keyMap[key] = id
	}

	sh.graph = graph
	sh.idMap = idMap
	sh.keyMap = keyMap
	sh.nextKey = uint64(len(ids))

	slog.Debug("hnsw_shard_compacted",
		slog.Int("orphans_removed", orphans),
		slog.Int("live", len(ids)))
}

// Search fans the query out to every shard and merges the hits by score.
// A missing collection yields no results.
func (s *HNSWVectorStore) Search(ctx context.Context, collection string, q VectorQuery) ([]ScoredPoint, error) {
	c, err := s.collection(collection)
	if err != nil {
		if _, ok := err.(ErrCollectionNotFound); ok {
			return []ScoredPoint{}, nil
		}
		return nil, err
	}
	if len(q.Vector) != c.cfg.Dimension {
		return nil, ErrDimensionMismatch{Expected: c.cfg.Dimension, Got: len(q.Vector)}
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}

	query := normalizeVector(q.Vector)
	perShard := make([][]ScoredPoint, len(c.shards))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, sh := range c.shards {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perShard[i] = sh.search(query, q)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []ScoredPoint
	for _, hits := range perShard {
		merged = append(merged, hits...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	if merged == nil {
		merged = []ScoredPoint{}
	}
	return merged, nil
}

func (sh *hnswShard) search(query []float32, q VectorQuery) []ScoredPoint {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.idMap) == 0 {
		return nil
	}

	keep := func(id string, score float32) (ScoredPoint, bool) {
		if score < q.ScoreThreshold {
			return ScoredPoint{}, false
		}
		return ScoredPoint{ID: id, Score: score, Payload: copyPayload(sh.payloads[id])}, true
	}

	var hits []ScoredPoint
	if !q.Filter.IsEmpty() {
		var matching []string
		for id := range sh.idMap {
			if q.Filter.Matches(sh.payloads[id]) {
				matching = append(matching, id)
			}
		}
		if len(matching) <= exactScanThreshold {
			for _, id := range matching {
				if p, ok := keep(id, cosine(query, sh.vectors[id])); ok {
					hits = append(hits, p)
				}
			}
			return hits
		}
	}

	// Over-fetch to make room for orphans and filtered-out nodes.
	k := q.Limit + sh.graph.Len() - len(sh.idMap)
	if !q.Filter.IsEmpty() {
		k = max(k, q.Limit*8)
	}
	k = min(k, sh.graph.Len())

	for _, node := range sh.graph.Search(query, k) {
		id, ok := sh.keyMap[node.Key]
		if !ok || !q.Filter.Matches(sh.payloads[id]) {
			continue
		}
		if p, ok := keep(id, cosine(query, sh.vectors[id])); ok {
			hits = append(hits, p)
		}
	}
	return hits
}

// Save persists every collection under opts.Dir. A no-op for in-memory stores.
func (s *HNSWVectorStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return s.saveLocked()
}

func (s *HNSWVectorStore) saveLocked() error {
	if s.opts.Dir == "" {
		return nil
	}

	for name, c := range s.collections {
		dir := filepath.Join(s.opts.Dir, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create collection dir: %w", err)
		}
		if err := writeGob(filepath.Join(dir, "collection.gob"), c.cfg); err != nil {
			return fmt.Errorf("failed to save collection %s: %w", name, err)
		}
		for i, sh := range c.shards {
			if err := sh.save(filepath.Join(dir, fmt.Sprintf("shard-%03d.hnsw", i))); err != nil {
				return fmt.Errorf("failed to save collection %s shard %d: %w", name, i, err)
			}
		}
	}
	return nil
}

// save exports the graph and its id mappings, each via temp file and rename.
func (sh *hnswShard) save(path string) error {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if sh.graph.Len() == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove empty index file: %w", err)
		}
		return writeGob(path+".meta", shardMeta{NextKey: sh.nextKey})
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := sh.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return writeGob(path+".meta", shardMeta{
		IDMap:    sh.idMap,
		NextKey:  sh.nextKey,
		Vectors:  sh.vectors,
		Payloads: sh.payloads,
	})
}

func writeGob(path string, v any) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(v); err != nil {
		if closeErr := file.Close(); closeErr != nil {
			slog.Warn("failed to close temp file during cleanup", slog.String("error", closeErr.Error()))
		}
		os.Remove(tmp)
		return fmt.Errorf("encode: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	return os.Rename(tmp, path)
}

func readGob(path string, v any) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return gob.NewDecoder(file).Decode(v)
}

// load restores every collection directory found under opts.Dir.
func (s *HNSWVectorStore) load() error {
	entries, err := os.ReadDir(s.opts.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read vector dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.opts.Dir, e.Name())

		var cfg CollectionConfig
		if err := readGob(filepath.Join(dir, "collection.gob"), &cfg); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to load collection %s: %w", e.Name(), err)
		}

		c := &hnswCollection{cfg: cfg, shards: make([]*hnswShard, cfg.Shards)}
		for i := range c.shards {
			sh := newShard(s.opts.M, s.opts.EfSearch)
			if err := sh.load(filepath.Join(dir, fmt.Sprintf("shard-%03d.hnsw", i))); err != nil {
				return fmt.Errorf("failed to load collection %s shard %d: %w", cfg.Name, i, err)
			}
			c.shards[i] = sh
		}
		s.collections[cfg.Name] = c
	}
	return nil
}

func (sh *hnswShard) load(path string) error {
	var meta shardMeta
	if err := readGob(path+".meta", &meta); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("decode shard metadata: %w", err)
	}

	file, err := os.Open(path)
	if os.IsNotExist(err) && len(meta.IDMap) == 0 {
		sh.nextKey = meta.NextKey
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	// Import requires an io.ByteReader.
	if err := sh.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}

	sh.idMap = meta.IDMap
	sh.nextKey = meta.NextKey
	sh.vectors = meta.Vectors
	sh.payloads = meta.Payloads
	if sh.idMap == nil {
		sh.idMap = make(map[string]uint64)
	}
	if sh.vectors == nil {
		sh.vectors = make(map[string][]float32)
	}
	if sh.payloads == nil {
		sh.payloads = make(map[string]map[string]string)
	}
	sh.keyMap = make(map[uint64]string, len(sh.idMap))
	for id, key := range sh.idMap {
		sh.keyMap[key] = id
	}
	return nil
}

// Close saves persistent collections and releases the graphs. Idempotent.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.saveLocked()
	s.closed = true
	s.collections = map[string]*hnswCollection{}
	return err
}
