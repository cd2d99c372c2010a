package casemill

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Handler processes one claimed job of a given kind.
//
// Returning nil completes the job; semantic skips (gate said no, nothing
// retrieved) are completions, not failures. Returning an error fails the
// job with the error text as reason; the queue never re-dispatches failed
// jobs, so any retry is the handler's choice expressed by enqueueing a new
// job. A handler that finalizes the job itself (writes that must commit
// with completion) simply leaves the job out of in_progress; the worker's
// follow-up CompleteJob is then a no-op.
type Handler interface {
	Kind() JobKind
	Handle(ctx context.Context, job *Job) error
}

// workerConfig holds options accumulated by WorkerOption calls.
type workerConfig struct {
	interval   time.Duration
	jobTimeout time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

// WithPollInterval sets the queue polling interval. Default: 1s.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.interval = d }
}

// WithJobTimeout sets the total per-job deadline. A job over budget fails
// with reason "deadline_exceeded". Default: 10 minutes.
func WithJobTimeout(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.jobTimeout = d }
}

// WithStaleAfter sets the staleness deadline after which an in_progress
// job is considered abandoned and returned to pending. Default: 15
// minutes. Handlers must be idempotent up to their documented side
// effects, because re-claims re-run them.
func WithStaleAfter(d time.Duration) WorkerOption {
	return func(c *workerConfig) { c.staleAfter = d }
}

// WithWorkerLogger sets a structured logger for the worker loop.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(c *workerConfig) { c.logger = l }
}

// Worker is a single-flight polling loop over the durable job queue: at
// most one in-flight job per Worker instance. Multiple instances may
// coexist; the store serializes claims so no job is handed out twice.
type Worker struct {
	store    Store
	handlers map[JobKind]Handler
	kinds    []JobKind
	cfg      workerConfig
}

// NewWorker creates a Worker serving the given handlers' kinds.
func NewWorker(store Store, handlers []Handler, opts ...WorkerOption) *Worker {
	cfg := workerConfig{
		interval:   time.Second,
		jobTimeout: 10 * time.Minute,
		staleAfter: 15 * time.Minute,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	byKind := make(map[JobKind]Handler, len(handlers))
	kinds := make([]JobKind, 0, len(handlers))
	for _, h := range handlers {
		byKind[h.Kind()] = h
		kinds = append(kinds, h.Kind())
	}
	return &Worker{store: store, handlers: byKind, kinds: kinds, cfg: cfg}
}

// Start begins the polling loop. Blocks until ctx is cancelled and
// returns nil on clean shutdown. The current job is finished or failed
// with reason "shutdown" before returning.
func (w *Worker) Start(ctx context.Context) error {
	for {
		busy := w.tick(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if busy {
			// More work may be pending; claim again without sleeping.
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.interval):
		}
	}
}

// tick reaps stale jobs, then claims and runs at most one job. Reports
// whether a job was claimed.
func (w *Worker) tick(ctx context.Context) bool {
	if n, err := w.store.ReapStaleJobs(ctx, w.cfg.staleAfter); err != nil {
		w.cfg.logger.Warn("worker: reap stale jobs", "error", err)
	} else if n > 0 {
		w.cfg.logger.Info("worker: reclaimed stale jobs", "count", n)
	}

	job, err := w.store.ClaimNextJob(ctx, w.kinds)
	if err != nil {
		w.cfg.logger.Error("worker: claim failed", "error", err)
		return false
	}
	if job == nil {
		return false
	}
	w.run(ctx, job)
	return true
}

// run executes one claimed job under the per-job deadline and finalizes
// it. Completion after a handler that already finalized the job is a
// no-op by the CompleteJob contract.
func (w *Worker) run(ctx context.Context, job *Job) {
	h, ok := w.handlers[job.Kind]
	if !ok {
		// Claimed a kind we do not serve; should not happen with the kinds
		// filter, but fail loudly rather than losing the job.
		_ = w.store.FailJob(ctx, job.ID, "no handler for kind "+string(job.Kind))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.jobTimeout)
	defer cancel()

	start := time.Now()
	err := h.Handle(jobCtx, job)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if cerr := w.store.CompleteJob(ctx, job.ID); cerr != nil {
			w.cfg.logger.Error("worker: complete failed", "job_id", job.ID, "error", cerr)
		}
		w.cfg.logger.Debug("worker: job done", "job_id", job.ID, "kind", job.Kind, "elapsed", elapsed)
	case errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil:
		_ = w.store.FailJob(ctx, job.ID, "deadline_exceeded")
		w.cfg.logger.Error("worker: job deadline exceeded", "job_id", job.ID, "kind", job.Kind, "elapsed", elapsed)
	case ctx.Err() != nil:
		_ = w.store.FailJob(context.WithoutCancel(ctx), job.ID, "shutdown")
		w.cfg.logger.Info("worker: job failed on shutdown", "job_id", job.ID, "kind", job.Kind)
	default:
		_ = w.store.FailJob(ctx, job.ID, err.Error())
		w.cfg.logger.Error("worker: job failed", "job_id", job.ID, "kind", job.Kind, "error", err)
	}
}
