// Package worker runs indexing jobs pulled from a queue.Broker. A worker
// pops jobs highest priority first, indexes each file through the same
// engine as the single-node path and publishes results and heartbeats on
// separate channels.
package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/codeindex/internal/index"
)

// Priority orders job queues. Higher values are popped first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Priorities lists every priority, highest first: the pop order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	for _, p := range Priorities {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q (want low, normal, high or critical)", s)
}

// JobStatus is the lifecycle of a job. Completed and Failed are terminal.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job is a batch of files to index. The worker that pops a job owns it until
// it publishes the result.
type Job struct {
	ID          string     `json:"id"`
	Files       []string   `json:"files"`
	Priority    Priority   `json:"priority"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	WorkerID    string     `json:"worker_id,omitempty"`
}

// JobResult is published on the results queue when a job finishes. Per-file
// failures show up in FilesFailed and Errors; Status is Failed only when the
// job itself could not be run.
type JobResult struct {
	JobID          string            `json:"job_id"`
	WorkerID       string            `json:"worker_id"`
	Status         JobStatus         `json:"status"`
	FilesProcessed int               `json:"files_processed"`
	FilesFailed    int               `json:"files_failed"`
	FilesSkipped   int               `json:"files_skipped"`
	Symbols        int               `json:"symbols"`
	Errors         []index.FileError `json:"errors"`
	Error          string            `json:"error,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at"`
	Duration       time.Duration     `json:"duration"`
}

// Queue names under a prefix.
func jobQueue(prefix string, p Priority) string { return prefix + ":jobs:" + p.String() }
func legacyQueue(prefix string) string { return prefix + ":jobs" }
func resultQueue(prefix string) string { return prefix + ":results" }
func statusKey(prefix, workerID string) string { return prefix + ":worker:" + workerID }

// popOrder is every priority queue, highest first, then the legacy queue.
func popOrder(prefix string) []string {
	out := make([]string, 0, len(Priorities)+1)
	for _, p := range Priorities {
		out = append(out, jobQueue(prefix, p))
	}
	return append(out, legacyQueue(prefix))
}
