package semantic

import (
	"math"

	"github.com/Aman-CERP/codeindex/internal/config"
)

const (
	bytesPerComponent = 4

	// indexOverhead accounts for graph links and payloads on top of raw vectors.
	indexOverhead = 1.5
)

// EstimateMemoryMB estimates the resident size of points vectors of dim
// components once indexed.
func EstimateMemoryMB(points, dim int) float64 {
	if points <= 0 || dim <= 0 {
		return 0
	}
	bytes := float64(points) * float64(dim) * bytesPerComponent * indexOverhead
	return bytes / (1024 * 1024)
}

// OptimalShardCount sizes a collection for points vectors of dim components.
// Two estimates are taken, one from the per-shard point capacity and one from
// the per-shard memory budget; the larger wins and is clamped to
// [MinShards, MaxShards].
func OptimalShardCount(points, dim int, cfg config.ShardingConfig) int {
	minShards := max(cfg.MinShards, 1)
	maxShards := max(cfg.MaxShards, minShards)

	byPoints := 0
	if cfg.MaxPointsPerShard > 0 && points > 0 {
		byPoints = int(math.Ceil(float64(points) / float64(cfg.MaxPointsPerShard)))
	}
	byMemory := 0
	if cfg.MaxMemoryPerShardMB > 0 {
		byMemory = int(math.Ceil(EstimateMemoryMB(points, dim) / float64(cfg.MaxMemoryPerShardMB)))
	}

	return min(max(byPoints, byMemory, minShards), maxShards)
}
