package dispatcher

import (
	"context"
	"sync"

	"github.com/Aman-CERP/codeindex/internal/semantic"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// Metrics counts dispatcher activity since creation.
type Metrics struct {
	IndexCalls        int64          `json:"index_calls"`
	FilesIndexed      int64          `json:"files_indexed"`
	SemanticDocuments int64          `json:"semantic_documents"`
	SemanticFailures  int64          `json:"semantic_failures"`
	Lookups           int64          `json:"lookups"`
	Searches          map[Mode]int64 `json:"searches"`
}

type metrics struct {
	mu sync.Mutex
	m  Metrics
}

func (r *metrics) init() {
	r.m.Searches = make(map[Mode]int64)
}

func (r *metrics) indexCall() {
	r.mu.Lock()
	r.m.IndexCalls++
	r.mu.Unlock()
}

func (r *metrics) filesIndexed(n int) {
	r.mu.Lock()
	r.m.FilesIndexed += int64(n)
	r.mu.Unlock()
}

func (r *metrics) semanticDocs(n int) {
	r.mu.Lock()
	r.m.SemanticDocuments += int64(n)
	r.mu.Unlock()
}

func (r *metrics) semanticFailure() {
	r.mu.Lock()
	r.m.SemanticFailures++
	r.mu.Unlock()
}

func (r *metrics) lookup() {
	r.mu.Lock()
	r.m.Lookups++
	r.mu.Unlock()
}

func (r *metrics) search(mode Mode) {
	r.mu.Lock()
	r.m.Searches[mode]++
	r.mu.Unlock()
}

// Metrics returns a copy of the dispatcher counters.
func (d *Dispatcher) Metrics() Metrics {
	d.metrics.mu.Lock()
	defer d.metrics.mu.Unlock()
	m := d.metrics.m
	m.Searches = make(map[Mode]int64, len(d.metrics.m.Searches))
	for k, v := range d.metrics.m.Searches {
		m.Searches[k] = v
	}
	return m
}

// Stats gathers statistics from every index.
type Stats struct {
	Storage    *store.Statistics `json:"storage,omitempty"`
	BM25       *store.BM25Stats  `json:"bm25"`
	Semantic   *semantic.Metrics `json:"semantic,omitempty"`
	Dispatcher Metrics           `json:"dispatcher"`
}

// Stats returns statistics of the store, the BM25 index and, when enabled,
// the semantic indexer.
func (d *Dispatcher) Stats(ctx context.Context) (*Stats, error) {
	bm, err := d.bm25.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stats{BM25: bm, Dispatcher: d.Metrics()}
	if d.storage != nil {
		if s.Storage, err = d.storage.Statistics(ctx); err != nil {
			return nil, err
		}
	}
	if d.semantic != nil {
		m := d.semantic.Metrics()
		s.Semantic = &m
	}
	return s, nil
}
