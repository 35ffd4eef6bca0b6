package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Runner executes one claimed job and returns its result.
type Runner func(ctx context.Context, job *Job) (*models.ToolResult, error)

// Worker is the single background loop draining the queue. It claims the
// oldest pending job, runs it under the job's max-runtime deadline, and
// writes the terminal state. Cancelling a running job interrupts its
// context; the interrupted run records cancelled, not failed.
type Worker struct {
	store   Store
	run     Runner
	cfg     config.JobsConfig
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewWorker(store Store, run Runner, cfg config.JobsConfig, metrics *observability.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		run:     run,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "jobs"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run polls for pending jobs until ctx is done. Jobs execute synchronously
// inside the loop; the queue is strictly one-at-a-time.
func (w *Worker) Run(ctx context.Context) {
	poll := w.cfg.PollInterval
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.store.ClaimNextPending(ctx)
		if err != nil {
			w.logger.Warn("claim failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}
		w.execute(ctx, job)
	}
}

func (w *Worker) execute(ctx context.Context, job *Job) {
	runtime := job.MaxRuntime
	if runtime <= 0 {
		runtime = w.cfg.DefaultMaxRuntime
	}
	jctx := ctx
	var cancel context.CancelFunc
	if runtime > 0 {
		jctx, cancel = context.WithTimeout(ctx, runtime)
	} else {
		jctx, cancel = context.WithCancel(ctx)
	}
	w.mu.Lock()
	w.cancels[job.ID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.cancels, job.ID)
		w.mu.Unlock()
	}()

	w.logger.Debug("job started", "job_id", job.ID, "tool_id", job.ToolID)
	result, err := w.run(jctx, job)

	// Terminal writes use the loop context: the job context is likely
	// already cancelled when we get here.
	switch {
	case err == nil:
		if err := w.store.Complete(ctx, job.ID, result); err != nil {
			w.logger.Warn("complete failed", "job_id", job.ID, "error", err)
		}
		w.finished(StatusCompleted)
		w.logger.Debug("job completed", "job_id", job.ID)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		if err := w.store.Cancel(ctx, job.ID); err != nil {
			w.logger.Warn("cancel failed", "job_id", job.ID, "error", err)
		}
		w.finished(StatusCancelled)
		w.logger.Debug("job cancelled", "job_id", job.ID)
	default:
		if err := w.store.Fail(ctx, job.ID, err.Error()); err != nil {
			w.logger.Warn("fail write failed", "job_id", job.ID, "error", err)
		}
		w.finished(StatusFailed)
		w.logger.Debug("job failed", "job_id", job.ID, "error", err)
	}
}

// CancelJob cancels a job in any non-terminal state. A running job's context
// is interrupted; terminal jobs are untouched.
func (w *Worker) CancelJob(ctx context.Context, id string) error {
	if err := w.store.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	w.mu.Lock()
	cancel := w.cancels[id]
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// RunPruner removes expired jobs on the given cadence until ctx is done.
func (w *Worker) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := w.store.Prune(ctx, time.Now())
			if err != nil {
				w.logger.Warn("prune failed", "error", err)
				continue
			}
			if pruned > 0 {
				w.logger.Debug("pruned expired jobs", "count", pruned)
			}
		}
	}
}

func (w *Worker) finished(status Status) {
	if w.metrics != nil {
		w.metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	}
}
