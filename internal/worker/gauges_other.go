//go:build !unix

package worker

import "time"

// processCPUTime is not sampled on this platform; the CPU gauge reads 0.
func processCPUTime() time.Duration {
	return 0
}
