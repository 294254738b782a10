// Package manager is the orchestration façade over the job store and the
// task queue. Every state change of a job goes through one of its
// conditional operations.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mohans/genqueue/job"
	"github.com/mohans/genqueue/notify"
	"github.com/mohans/genqueue/queue"
	"github.com/mohans/genqueue/store"
)

type Config struct {
	// MaxAttempts is the number of worker executions before a retryable
	// failure becomes ATTEMPTS_EXHAUSTED. Default 5.
	MaxAttempts int
	// Backoff delays the re-enqueue after a retryable failure.
	Backoff queue.Backoff
	// StaleAfter is how long an active job may go without a write before the
	// reconcile sweep recovers it. Default 15m.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = queue.DefaultBackoff()
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Minute
	}
	return c
}

type Manager struct {
	store    store.Store
	queue    queue.Enqueuer
	notifier notify.Notifier
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

func New(st store.Store, q queue.Enqueuer, n notify.Notifier, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		store:    st,
		queue:    q,
		notifier: n,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "manager").Logger(),
		now:      time.Now,
	}
}

// Create persists a PENDING job, enqueues its first attempt and moves it to
// QUEUED. If the enqueue fails the job is marked FAILED with ENQUEUE_FAILED
// and returned together with an error wrapping job.ErrEnqueueFailed.
func (m *Manager) Create(ctx context.Context, request json.RawMessage) (*job.Job, error) {
	if !json.Valid(request) {
		return nil, job.ErrInvalidRequest
	}
	j := &job.Job{
		ID:      uuid.NewString(),
		Status:  job.StatusPending,
		Request: append(json.RawMessage(nil), request...),
	}
	if err := m.store.Create(ctx, j); err != nil {
		if errors.Is(err, job.ErrAlreadyExists) {
			m.log.Error().Err(err).Str("job_id", j.ID).Msg("job id collision")
		}
		return nil, fmt.Errorf("genqueue/manager: create job: %w", err)
	}
	log := m.log.With().Str("job_id", j.ID).Logger()

	if _, err := m.queue.Enqueue(ctx, queue.Payload{JobID: j.ID, Attempt: 1}); err != nil {
		log.Error().Err(err).Msg("enqueue failed")
		failed, ferr := m.store.Update(ctx, j.ID, []job.Status{job.StatusPending}, func(j *job.Job) error {
			now := m.now().UTC()
			j.Status = job.StatusFailed
			j.Error = &job.ErrorInfo{Code: job.CodeEnqueueFailed, Message: "job could not be enqueued", Details: err.Error()}
			j.CompletedAt = &now
			return nil
		})
		if ferr != nil {
			// the reconcile sweep will pick the PENDING record up again
			log.Error().Err(ferr).Msg("could not mark job as failed after enqueue error")
			return j, fmt.Errorf("%w: %v", job.ErrEnqueueFailed, errors.Join(err, ferr))
		}
		m.notify(ctx, failed)
		return failed, fmt.Errorf("%w: %v", job.ErrEnqueueFailed, err)
	}

	queued, err := m.store.Update(ctx, j.ID, []job.Status{job.StatusPending}, setStatus(job.StatusQueued))
	if err != nil {
		// The task is durable; the worker retries while the record is
		// PENDING and the sweep repairs it if this write never lands.
		log.Warn().Err(err).Msg("job enqueued but still PENDING")
		return j, nil
	}
	log.Debug().Msg("job queued")
	return queued, nil
}

// Get returns the job; job.ErrNotFound is returned unchanged.
func (m *Manager) Get(ctx context.Context, id string) (*job.Job, error) {
	return m.store.Get(ctx, id)
}

// GetIfModified returns the job and whether it changed after since. It lets
// pollers skip re-sending an unchanged record.
func (m *Manager) GetIfModified(ctx context.Context, id string, since time.Time) (*job.Job, bool, error) {
	j, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return j, j.UpdatedAt.After(since), nil
}

// Start claims a QUEUED job for one delivery: QUEUED -> PROCESSING and
// AttemptCount+1. job.ErrConflict means another delivery owns it and
// job.ErrStaleDelivery that attempt already ran.
func (m *Manager) Start(ctx context.Context, id string, attempt int) (*job.Job, error) {
	return m.store.Update(ctx, id, []job.Status{job.StatusQueued}, func(j *job.Job) error {
		if attempt > 0 && attempt <= j.AttemptCount {
			return fmt.Errorf("%w: attempt %d of job %s already ran (attempt_count %d)",
				job.ErrStaleDelivery, attempt, j.ID, j.AttemptCount)
		}
		j.Status = job.StatusProcessing
		j.AttemptCount++
		return nil
	})
}

// RecordProgress stores a progress snapshot while the job is PROCESSING.
// The stored percentage never decreases. Updates for jobs that are no longer
// PROCESSING are dropped and nil is returned.
func (m *Manager) RecordProgress(ctx context.Context, id string, p job.Progress) error {
	_, err := m.store.Update(ctx, id, []job.Status{job.StatusProcessing}, func(j *job.Job) error {
		if p.Percentage < j.Progress.Percentage {
			p.Percentage = j.Progress.Percentage
		}
		if p.TotalSteps == 0 {
			p.TotalSteps = j.Progress.TotalSteps
		}
		if sameProgress(j.Progress, p) {
			return store.ErrSkip
		}
		j.Progress = p
		return nil
	})
	switch {
	case err == nil, errors.Is(err, store.ErrSkip):
		return nil
	case errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrNotFound):
		m.log.Debug().Err(err).Str("job_id", id).Msg("dropping late progress update")
		return nil
	default:
		return err
	}
}

// Complete moves PROCESSING -> COMPLETED. job.ErrConflict means the job left
// PROCESSING meanwhile (cancelled or recovered) and result must be discarded.
func (m *Manager) Complete(ctx context.Context, id string, result json.RawMessage) (*job.Job, error) {
	if result == nil {
		result = json.RawMessage("null")
	}
	j, err := m.store.Update(ctx, id, []job.Status{job.StatusProcessing}, func(j *job.Job) error {
		now := m.now().UTC()
		j.Status = job.StatusCompleted
		j.Result = append(json.RawMessage(nil), result...)
		j.Error = nil
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.notify(ctx, j)
	return j, nil
}

// Fail records a generator failure. Retryable failures with attempts left
// go back to QUEUED and the next attempt is enqueued after the backoff
// delay; everything else ends in FAILED.
func (m *Manager) Fail(ctx context.Context, id string, cause error, retryable bool) (*job.Job, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	requeue := false
	j, err := m.store.Update(ctx, id, []job.Status{job.StatusProcessing}, func(j *job.Job) error {
		if retryable && j.AttemptCount < m.cfg.MaxAttempts {
			requeue = true
			j.Status = job.StatusQueued
			return nil
		}
		requeue = false
		now := m.now().UTC()
		info := &job.ErrorInfo{
			Code:    job.CodeGeneratorFailed,
			Message: cause.Error(),
			Details: fmt.Sprintf("attempt %d of %d", j.AttemptCount, m.cfg.MaxAttempts),
		}
		if retryable {
			info.Code = job.CodeAttemptsExhausted
			info.Message = fmt.Sprintf("gave up after %d attempts: %s", j.AttemptCount, cause)
		}
		j.Status = job.StatusFailed
		j.Error = info
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := m.log.With().Str("job_id", id).Int("attempt_count", j.AttemptCount).Logger()
	if !requeue {
		m.notify(ctx, j)
		return j, nil
	}

	delay := m.cfg.Backoff.Delay(j.AttemptCount)
	next := queue.Payload{JobID: id, Attempt: j.AttemptCount + 1}
	if _, err := m.queue.Enqueue(ctx, next, queue.WithDelay(delay)); err != nil {
		log.Error().Err(err).Msg("retry enqueue failed; reconcile sweep will redeliver")
		return j, nil
	}
	log.Info().Err(cause).Dur("delay", delay).Msg("job requeued after retryable failure")
	return j, nil
}

// Cancel moves QUEUED or PROCESSING -> CANCELLED. Cancelling a job that is
// already terminal is a no-op returning the job. A PENDING job cannot be
// cancelled yet (job.ErrNotCancellable).
func (m *Manager) Cancel(ctx context.Context, id string) (*job.Job, error) {
	for i := 0; i < 3; i++ {
		j, err := m.store.Update(ctx, id, []job.Status{job.StatusQueued, job.StatusProcessing}, func(j *job.Job) error {
			now := m.now().UTC()
			j.Status = job.StatusCancelled
			j.CompletedAt = &now
			return nil
		})
		if err == nil {
			m.notify(ctx, j)
			return j, nil
		}
		if !errors.Is(err, job.ErrConflict) {
			return nil, err
		}

		cur, gerr := m.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		switch {
		case cur.Status.Terminal():
			return cur, nil
		case cur.Status == job.StatusPending:
			return cur, fmt.Errorf("%w: job %s is %s", job.ErrNotCancellable, id, cur.Status)
		}
	}
	return nil, fmt.Errorf("genqueue/manager: cancel %s: %w", id, job.ErrConflict)
}

func (m *Manager) notify(ctx context.Context, j *job.Job) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, j); err != nil {
		m.log.Warn().Err(err).Str("job_id", j.ID).Str("status", string(j.Status)).Msg("notify failed")
	}
}

func setStatus(s job.Status) store.Mutation {
	return func(j *job.Job) error {
		j.Status = s
		return nil
	}
}

func sameProgress(a, b job.Progress) bool {
	if a.CurrentStep != b.CurrentStep || a.TotalSteps != b.TotalSteps || a.Percentage != b.Percentage {
		return false
	}
	if len(a.CompletedSteps) != len(b.CompletedSteps) {
		return false
	}
	for i := range a.CompletedSteps {
		if a.CompletedSteps[i] != b.CompletedSteps[i] {
			return false
		}
	}
	return true
}
