// Package semantic layers vector search over the index.
//
// Documents are embedded in batches through an embed.Provider with bounded
// concurrency, cached in a two-tier cache (in-process LRU, then a shared
// store), and upserted into one vector collection per embedding dimension.
// New collections are sized by OptimalShardCount.
package semantic
