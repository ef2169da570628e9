package worker

import (
	"runtime"
	"time"
)

// State is a worker's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateBusy    State = "busy"
	StateError   State = "error"
	StateOffline State = "offline"
)

// WorkerStatus is published with a TTL on every heartbeat, so a worker that
// dies silently disappears once its last status expires.
type WorkerStatus struct {
	WorkerID       string    `json:"worker_id"`
	State          State     `json:"state"`
	CurrentJob     string    `json:"current_job,omitempty"`
	JobsCompleted  int64     `json:"jobs_completed"`
	JobsFailed     int64     `json:"jobs_failed"`
	FilesProcessed int64     `json:"files_processed"`
	FilesFailed    int64     `json:"files_failed"`
	SymbolsFound   int64     `json:"symbols_found"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryMB       float64   `json:"memory_mb"`
	LastError      string    `json:"last_error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// cpuGauge turns cumulative process CPU time into a percentage of one core
// over the interval since the previous sample.
type cpuGauge struct {
	lastCPU  time.Duration
	lastWall time.Time
}

func (g *cpuGauge) sample(now time.Time) float64 {
	cpu := processCPUTime()
	defer func() { g.lastCPU, g.lastWall = cpu, now }()

	if g.lastWall.IsZero() {
		return 0
	}
	wall := now.Sub(g.lastWall)
	if wall <= 0 || cpu < g.lastCPU {
		return 0
	}
	return float64(cpu-g.lastCPU) / float64(wall) * 100
}

// memoryMB is the memory obtained from the OS by the Go runtime.
func memoryMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Sys) / (1 << 20)
}
