package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/codeindex/internal/queue"
)

// Submit queues job on the queue for its priority. A missing id is
// generated; the job is reset to Pending with a fresh creation time.
func Submit(ctx context.Context, b queue.Broker, prefix string, job *Job) error {
	if len(job.Files) == 0 {
		return fmt.Errorf("job has no files")
	}
	if job.Priority < PriorityLow || job.Priority > PriorityCritical {
		return fmt.Errorf("invalid job priority %d", int(job.Priority))
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = JobPending
	job.CreatedAt = time.Now()
	job.StartedAt, job.CompletedAt, job.WorkerID = nil, nil, ""

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := b.Push(ctx, jobQueue(prefix, job.Priority), data); err != nil {
		return fmt.Errorf("failed to submit job %s: %w", job.ID, err)
	}
	return nil
}

// PublishResult pushes res onto the results queue.
func PublishResult(ctx context.Context, b queue.Broker, prefix string, res *JobResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result of job %s: %w", res.JobID, err)
	}
	if err := b.Push(ctx, resultQueue(prefix), data); err != nil {
		return fmt.Errorf("failed to publish result of job %s: %w", res.JobID, err)
	}
	return nil
}

// NextResult waits up to timeout for the next published job result.
func NextResult(ctx context.Context, b queue.Broker, prefix string, timeout time.Duration) (*JobResult, error) {
	msg, err := b.BlockingPop(ctx, []string{resultQueue(prefix)}, timeout)
	if err != nil {
		return nil, err
	}
	var res JobResult
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		return nil, fmt.Errorf("failed to decode job result: %w", err)
	}
	return &res, nil
}

// ReadStatus returns the last status workerID published. It returns nil and
// no error when the worker has no live status.
func ReadStatus(ctx context.Context, b queue.Broker, prefix, workerID string) (*WorkerStatus, error) {
	data, err := b.Get(ctx, statusKey(prefix, workerID))
	if errors.Is(err, queue.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", workerID, err)
	}
	var st WorkerStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode status of %s: %w", workerID, err)
	}
	return &st, nil
}

// Pending returns the number of queued jobs per priority, plus the legacy
// queue under "legacy".
func Pending(ctx context.Context, b queue.Broker, prefix string) (map[string]int, error) {
	out := make(map[string]int, len(Priorities)+1)
	for _, p := range Priorities {
		n, err := b.Len(ctx, jobQueue(prefix, p))
		if err != nil {
			return nil, err
		}
		out[p.String()] = n
	}
	n, err := b.Len(ctx, legacyQueue(prefix))
	if err != nil {
		return nil, err
	}
	out["legacy"] = n
	return out, nil
}
