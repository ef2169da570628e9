package semantic

import (
	"sync"
	"time"
)

// Metrics is a point-in-time copy of the indexer's counters. Counters are
// cumulative since creation or the last ResetMetrics.
type Metrics struct {
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	MemoryHits   int64   `json:"memory_hits"`
	SharedHits   int64   `json:"shared_hits"`
	CacheHitRate float64 `json:"cache_hit_rate"`

	Batches        int64         `json:"batches"`
	AvgBatchTime   time.Duration `json:"avg_batch_time"`
	ProviderErrors int64         `json:"provider_errors"`

	DocumentsIndexed     int64   `json:"documents_indexed"`
	ThroughputDocsPerSec float64 `json:"throughput_docs_per_sec"`
	Searches             int64   `json:"searches"`
}

type metricsRecorder struct {
	mu        sync.Mutex
	m         Metrics
	batchTime time.Duration
	indexTime time.Duration
}

func (r *metricsRecorder) cacheLookup(tier cacheTier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch tier {
	case tierMemory:
		r.m.CacheHits++
		r.m.MemoryHits++
	case tierShared:
		r.m.CacheHits++
		r.m.SharedHits++
	default:
		r.m.CacheMisses++
	}
}

func (r *metricsRecorder) batch(d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Batches++
	r.batchTime += d
	if err != nil {
		r.m.ProviderErrors++
	}
}

func (r *metricsRecorder) indexed(docs int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.DocumentsIndexed += int64(docs)
	r.indexTime += d
}

func (r *metricsRecorder) search() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.Searches++
}

func (r *metricsRecorder) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.m
	if total := m.CacheHits + m.CacheMisses; total > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(total)
	}
	if m.Batches > 0 {
		m.AvgBatchTime = r.batchTime / time.Duration(m.Batches)
	}
	if r.indexTime > 0 {
		m.ThroughputDocsPerSec = float64(m.DocumentsIndexed) / r.indexTime.Seconds()
	}
	return m
}

func (r *metricsRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = Metrics{}
	r.batchTime = 0
	r.indexTime = 0
}
