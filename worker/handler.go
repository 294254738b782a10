// Package worker executes queue deliveries: it claims the job, runs the
// generator and records the outcome through the manager.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/mohans/genqueue/job"
	"github.com/mohans/genqueue/manager"
	"github.com/mohans/genqueue/progress"
	"github.com/mohans/genqueue/queue"
)

// errNotQueuedYet makes the queue redeliver a task that raced ahead of the
// PENDING -> QUEUED write.
var errNotQueuedYet = errors.New("genqueue/worker: job is still PENDING")

// Jobs is the part of manager.Manager the handler drives.
type Jobs interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	Start(ctx context.Context, id string, attempt int) (*job.Job, error)
	RecordProgress(ctx context.Context, id string, p job.Progress) error
	Complete(ctx context.Context, id string, result json.RawMessage) (*job.Job, error)
	Fail(ctx context.Context, id string, cause error, retryable bool) (*job.Job, error)
	Reconcile(ctx context.Context) (manager.ReconcileReport, error)
}

type Config struct {
	// GeneratorTimeout bounds one generator call. It must be shorter than
	// the dispatch deadline. Default 5m.
	GeneratorTimeout time.Duration
	// DeadlineMargin is kept free before the dispatch deadline for the
	// final writes. Default 5s.
	DeadlineMargin time.Duration
	// CancelPollInterval is how often a running job is checked for
	// cancellation; <= 0 disables the check.
	CancelPollInterval time.Duration
	Progress           progress.Options
}

type Handler struct {
	jobs Jobs
	gen  Generator
	cfg  Config
	log  zerolog.Logger
}

func NewHandler(jobs Jobs, gen Generator, cfg Config, log zerolog.Logger) *Handler {
	if cfg.GeneratorTimeout <= 0 {
		cfg.GeneratorTimeout = 5 * time.Minute
	}
	if cfg.DeadlineMargin <= 0 {
		cfg.DeadlineMargin = 5 * time.Second
	}
	return &Handler{
		jobs: jobs,
		gen:  gen,
		cfg:  cfg,
		log:  log.With().Str("component", "worker").Logger(),
	}
}

// Register binds the handler's task types on mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TypeGenerate, h.HandleTask)
	mux.HandleFunc(queue.TypeReconcile, h.HandleReconcile)
}

// HandleTask adapts Handle to asynq.
func (h *Handler) HandleTask(ctx context.Context, t *asynq.Task) error {
	d, err := queue.NewDelivery(ctx, t)
	if err != nil {
		h.log.Error().Err(err).Bytes("payload", t.Payload()).Msg("malformed task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return h.Handle(ctx, d)
}

// HandleReconcile runs one reconciliation sweep.
func (h *Handler) HandleReconcile(ctx context.Context, _ *asynq.Task) error {
	_, err := h.jobs.Reconcile(ctx)
	return err
}

// Handle processes one delivery. A nil return acknowledges it; an error
// asks the queue to redeliver and is only used for infrastructure failures.
// Generator failures are always recorded on the job and acknowledged.
func (h *Handler) Handle(ctx context.Context, d queue.Delivery) error {
	log := h.log.With().Str("job_id", d.JobID).Int("attempt", d.Attempt).Int("retry", d.Retry).Logger()

	j, err := h.jobs.Get(ctx, d.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			log.Error().Msg("delivery for unknown job; dropping")
			return nil
		}
		return fmt.Errorf("genqueue/worker: load job %s: %w", d.JobID, err)
	}
	if j.Status.Terminal() {
		log.Debug().Str("status", string(j.Status)).Msg("job already finished; duplicate delivery acknowledged")
		return nil
	}
	if j.Status == job.StatusPending {
		return errNotQueuedYet
	}

	started, err := h.jobs.Start(ctx, d.JobID, d.Attempt)
	switch {
	case errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrStaleDelivery):
		log.Info().Err(err).Msg("delivery not claimed; another delivery owns the job")
		return nil
	case err != nil:
		return fmt.Errorf("genqueue/worker: start job %s: %w", d.JobID, err)
	}
	log = log.With().Int("attempt_count", started.AttemptCount).Logger()
	return h.execute(ctx, started, d, log)
}

func (h *Handler) execute(ctx context.Context, j *job.Job, d queue.Delivery, log zerolog.Logger) error {
	genCtx, cancel := context.WithTimeout(ctx, h.timeoutFor(d))
	defer cancel()

	reporter := progress.NewAsync(ctx, h.jobs, j.ID, log, h.cfg.Progress)
	watch := h.watchCancellation(genCtx, cancel, j.ID, log)

	start := time.Now()
	result, genErr := h.gen.Generate(genCtx, j.Request, reporter)
	watch.Stop()

	// progress lands while the job is still PROCESSING
	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.DeadlineMargin)
	if err := reporter.Close(flushCtx); err != nil {
		log.Warn().Err(err).Msg("progress flush timed out")
	}
	flushCancel()

	if genErr == nil {
		_, err := h.jobs.Complete(ctx, j.ID, result)
		if errors.Is(err, job.ErrConflict) {
			log.Info().Msg("job left PROCESSING during generation; result discarded")
			return nil
		}
		if err != nil {
			return fmt.Errorf("genqueue/worker: complete job %s: %w", j.ID, err)
		}
		log.Info().Float64("percentage", reporter.Snapshot().Percentage).Dur("took", time.Since(start)).Msg("job completed")
		return nil
	}

	retryable := IsRetryable(genErr)
	if watch.Cancelled() {
		retryable = false
	}
	_, err := h.jobs.Fail(ctx, j.ID, genErr, retryable)
	if errors.Is(err, job.ErrConflict) {
		log.Info().Err(genErr).Msg("job left PROCESSING during generation; failure discarded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("genqueue/worker: fail job %s: %w", j.ID, err)
	}
	snap := reporter.Snapshot()
	log.Warn().Err(genErr).
		Bool("retryable", retryable).
		Str("step", snap.CurrentStep).
		Float64("percentage", snap.Percentage).
		Dur("took", time.Since(start)).
		Msg("generation failed")
	return nil
}

// timeoutFor keeps the generator inside the dispatch deadline so the queue's
// redelivery never races an attempt that is still running.
func (h *Handler) timeoutFor(d queue.Delivery) time.Duration {
	t := h.cfg.GeneratorTimeout
	if !d.Deadline.IsZero() {
		if left := time.Until(d.Deadline) - h.cfg.DeadlineMargin; left < t {
			t = left
		}
	}
	if t < time.Second {
		t = time.Second
	}
	return t
}
