package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Aman-CERP/codeindex/internal/config"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/index"
	"github.com/Aman-CERP/codeindex/internal/queue"
)

// Indexer indexes one file, reading it from disk when content is nil.
type Indexer interface {
	IndexFile(ctx context.Context, path string, content []byte) (*index.FileResult, error)
}

var _ Indexer = (*index.Engine)(nil)

// Options wires a Worker.
type Options struct {
	// ID identifies the worker in status keys and results. Generated when empty.
	ID      string
	Broker  queue.Broker
	Indexer Indexer
	Config  config.WorkerConfig
	Logger  *slog.Logger
}

// Worker pulls jobs from the broker and indexes their files.
//
// State moves Idle -> Busy on pop, back to Idle when the job is published,
// to Error when the loop itself fails (then Idle again after a backoff) and
// to Offline when Run returns.
type Worker struct {
	id      string
	broker  queue.Broker
	indexer Indexer
	cfg     config.WorkerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	status WorkerStatus
	cpu    cpuGauge

	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an idle worker.
func New(opts Options) (*Worker, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.Indexer == nil {
		return nil, fmt.Errorf("indexer is required")
	}
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.New().String()[:8]
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	defaults := config.NewConfig().Worker
	cfg := opts.Config
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = defaults.QueuePrefix
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = defaults.PopTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaults.StatusTTL
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}

	return &Worker{
		id:      opts.ID,
		broker:  opts.Broker,
		indexer: opts.Indexer,
		cfg:     cfg,
		logger:  opts.Logger.With(slog.String("worker_id", opts.ID)),
		status: WorkerStatus{
			WorkerID:  opts.ID,
			State:     StateIdle,
			StartedAt: time.Now(),
		},
		stopCh: make(chan struct{}),
	}, nil
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.id
}

// Status returns a snapshot of the worker status.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop asks Run to return. A file being indexed is allowed to finish; the
// rest of its job is not started.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stopCh)
	})
}

// Run processes jobs until ctx is done or Stop is called. Heartbeats run on
// their own goroutine so a slow result push never delays liveness. Run can
// be called once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker %s already started", w.id)
	}

	// waitCtx interrupts pops, backoffs and heartbeats; indexing keeps ctx.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeat(waitCtx)
	}()

	w.logger.Info("worker_started",
		slog.String("queue_prefix", w.cfg.QueuePrefix),
		slog.Duration("pop_timeout", w.cfg.PopTimeout))

	order := popOrder(w.cfg.QueuePrefix)
	for !w.stopped.Load() && waitCtx.Err() == nil {
		msg, err := w.broker.BlockingPop(waitCtx, order, w.cfg.PopTimeout)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			if waitCtx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				break
			}
			w.loopFailed(waitCtx, fmt.Errorf("failed to pop job: %w", err))
			continue
		}
		if err := w.handle(ctx, msg); err != nil {
			w.loopFailed(waitCtx, err)
		}
	}

	cancel()
	wg.Wait()

	w.setState(StateOffline)
	final, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer finalCancel()
	if err := w.publishStatus(final); err != nil {
		w.logger.Warn("worker_status_publish_failed", slog.String("error", err.Error()))
	}
	w.logger.Info("worker_stopped", slog.Int64("jobs_completed", w.Status().JobsCompleted))
	return nil
}

// handle runs one popped job and publishes its result. A returned error is
// a failure of the loop, not of a file.
func (w *Worker) handle(ctx context.Context, msg *queue.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.countJob(&JobResult{Status: JobFailed})
		return fmt.Errorf("failed to decode job from %s: %w", msg.Queue, err)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	res, runErr := w.ProcessJob(ctx, &job)
	if err := w.publishResult(ctx, res); err != nil {
		return err
	}
	return runErr
}

// ProcessJob indexes every file of job, one at a time. A file that fails is
// recorded in the result and the next file is indexed; the job still
// completes. The job fails only when it cannot run to the end, such as when
// the worker is stopped part way.
func (w *Worker) ProcessJob(ctx context.Context, job *Job) (res *JobResult, err error) {
	start := time.Now()
	job.Status = JobProcessing
	job.WorkerID = w.id
	job.StartedAt = &start
	w.beginJob(job.ID)

	res = &JobResult{
		JobID:     job.ID,
		WorkerID:  w.id,
		Status:    JobProcessing,
		Errors:    []index.FileError{},
		StartedAt: start,
	}
	w.logger.Info("job_started",
		slog.String("job_id", job.ID),
		slog.String("priority", job.Priority.String()),
		slog.Int("files", len(job.Files)))

	defer func() {
		if r := recover(); r != nil {
			err = cerrors.New(cerrors.ErrCodeInternal, fmt.Sprintf("job %s panicked: %v", job.ID, r), nil)
		}
		end := time.Now()
		job.CompletedAt = &end
		res.CompletedAt = end
		res.Duration = end.Sub(start)
		if err != nil {
			res.Status = JobFailed
			res.Error = err.Error()
		} else {
			res.Status = JobCompleted
		}
		job.Status = res.Status
		w.countJob(res)

		w.logger.Info("job_finished",
			slog.String("job_id", job.ID),
			slog.String("status", string(res.Status)),
			slog.Int("files_processed", res.FilesProcessed),
			slog.Int("files_failed", res.FilesFailed),
			slog.Duration("duration", res.Duration))
	}()

	for i, path := range job.Files {
		if w.stopped.Load() || ctx.Err() != nil {
			return res, fmt.Errorf("worker stopped with %d of %d files unprocessed", len(job.Files)-i, len(job.Files))
		}

		fr, ferr := w.indexOne(ctx, path)
		switch {
		case ferr != nil:
			res.FilesFailed++
			res.Errors = append(res.Errors, index.FileError{Path: path, Code: cerrors.GetCode(ferr), Error: ferr.Error()})
			w.logger.Warn("job_file_failed",
				slog.String("job_id", job.ID),
				slog.String("path", path),
				slog.String("error", ferr.Error()))
		case fr.Skipped():
			res.FilesProcessed++
			res.FilesSkipped++
		default:
			res.FilesProcessed++
			res.Symbols += len(fr.Symbols)
		}
	}
	return res, nil
}

// indexOne isolates a panicking indexer to the file that caused it.
func (w *Worker) indexOne(ctx context.Context, path string) (fr *index.FileResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			fr, err = nil, cerrors.Extraction(path, fmt.Errorf("panic: %v", r))
		}
	}()
	fr, err = w.indexer.IndexFile(ctx, path, nil)
	if err == nil && fr == nil {
		err = cerrors.Extraction(path, fmt.Errorf("indexer returned no result"))
	}
	return fr, err
}

func (w *Worker) publishResult(ctx context.Context, res *JobResult) error {
	return PublishResult(ctx, w.broker, w.cfg.QueuePrefix, res)
}

// loopFailed moves to Error, waits out the backoff and returns to Idle.
func (w *Worker) loopFailed(ctx context.Context, err error) {
	w.logger.Error("worker_loop_error",
		slog.String("error", err.Error()),
		slog.Duration("backoff", w.cfg.ErrorBackoff))

	w.mu.Lock()
	w.status.State = StateError
	w.status.LastError = err.Error()
	w.mu.Unlock()

	timer := time.NewTimer(w.cfg.ErrorBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	w.setState(StateIdle)
}

func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := w.publishStatus(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("worker_heartbeat_failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) publishStatus(ctx context.Context) error {
	now := time.Now()
	w.mu.Lock()
	w.status.CPUPercent = w.cpu.sample(now)
	w.status.MemoryMB = memoryMB()
	w.status.LastHeartbeat = now
	st := w.status
	w.mu.Unlock()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode worker status: %w", err)
	}
	return w.broker.SetWithTTL(ctx, statusKey(w.cfg.QueuePrefix, w.id), data, w.cfg.StatusTTL)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.status.State = s
	w.mu.Unlock()
}

func (w *Worker) beginJob(id string) {
	w.mu.Lock()
	w.status.State = StateBusy
	w.status.CurrentJob = id
	w.mu.Unlock()
}

func (w *Worker) countJob(res *JobResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if res.Status == JobFailed {
		w.status.JobsFailed++
	} else {
		w.status.JobsCompleted++
	}
	w.status.FilesProcessed += int64(res.FilesProcessed)
	w.status.FilesFailed += int64(res.FilesFailed)
	w.status.SymbolsFound += int64(res.Symbols)
	w.status.CurrentJob = ""
	if w.status.State == StateBusy {
		w.status.State = StateIdle
	}
}
