package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohans/genqueue/job"
	"github.com/mohans/genqueue/queue"
	"github.com/mohans/genqueue/store"
)

// ReconcileReport summarises one sweep.
type ReconcileReport struct {
	Scanned  int
	Requeued int
	Failed   int
	Skipped  int
	Errors   int
}

// Reconcile recovers active jobs that have not been written for StaleAfter:
// lost enqueues, lost messages and crashed workers. Each job is only touched
// if it is still in the state it was listed in.
func (m *Manager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	stale, err := m.store.ListStale(ctx, m.cfg.StaleAfter)
	if err != nil {
		return rep, fmt.Errorf("genqueue/manager: reconcile: %w", err)
	}
	rep.Scanned = len(stale)

	for _, j := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := m.log.With().Str("job_id", j.ID).Str("status", string(j.Status)).Int("attempt_count", j.AttemptCount).Logger()

		var outcome string
		var err error
		switch j.Status {
		case job.StatusPending, job.StatusQueued:
			outcome, err = m.redeliver(ctx, j)
		case job.StatusProcessing:
			outcome, err = m.recoverStalled(ctx, j)
		default:
			outcome = "skipped"
		}

		switch {
		case err != nil:
			rep.Errors++
			log.Error().Err(err).Msg("reconcile failed")
		case outcome == "requeued":
			rep.Requeued++
			log.Info().Msg("stale job requeued")
		case outcome == "failed":
			rep.Failed++
			log.Warn().Msg("stale job failed")
		default:
			rep.Skipped++
		}
	}

	if rep.Scanned > 0 {
		m.log.Info().
			Int("scanned", rep.Scanned).
			Int("requeued", rep.Requeued).
			Int("failed", rep.Failed).
			Int("skipped", rep.Skipped).
			Int("errors", rep.Errors).
			Msg("reconcile sweep done")
	}
	return rep, nil
}

// redeliver re-enqueues the next attempt of a PENDING or QUEUED job and
// then refreshes the record so the next sweep leaves it alone. A duplicate
// task is harmless: the worker drops deliveries it cannot claim.
func (m *Manager) redeliver(ctx context.Context, observed *job.Job) (string, error) {
	next := queue.Payload{JobID: observed.ID, Attempt: observed.AttemptCount + 1}
	if _, err := m.queue.Enqueue(ctx, next, queue.WithoutDedupe()); err != nil {
		return "", err
	}
	_, err := m.store.Update(ctx, observed.ID, []job.Status{observed.Status}, func(j *job.Job) error {
		if j.AttemptCount != observed.AttemptCount {
			return store.ErrSkip
		}
		j.Status = job.StatusQueued
		return nil
	})
	if isRaceLoss(err) {
		return "skipped", nil
	}
	if err != nil {
		return "", err
	}
	return "requeued", nil
}

// recoverStalled handles a PROCESSING job whose worker stopped writing.
func (m *Manager) recoverStalled(ctx context.Context, observed *job.Job) (string, error) {
	exhausted := false
	j, err := m.store.Update(ctx, observed.ID, []job.Status{job.StatusProcessing}, func(j *job.Job) error {
		if !j.UpdatedAt.Equal(observed.UpdatedAt) {
			return store.ErrSkip // the worker wrote since listing
		}
		if j.AttemptCount >= m.cfg.MaxAttempts {
			exhausted = true
			now := m.now().UTC()
			j.Status = job.StatusFailed
			j.Error = &job.ErrorInfo{
				Code:    job.CodeAttemptsExhausted,
				Message: fmt.Sprintf("gave up after %d attempts: worker stopped responding", j.AttemptCount),
				Details: fmt.Sprintf("no update since %s", observed.UpdatedAt.Format(time.RFC3339Nano)),
			}
			j.CompletedAt = &now
			return nil
		}
		exhausted = false
		j.Status = job.StatusQueued
		return nil
	})
	if isRaceLoss(err) {
		return "skipped", nil
	}
	if err != nil {
		return "", err
	}
	if exhausted {
		m.notify(ctx, j)
		return "failed", nil
	}
	next := queue.Payload{JobID: j.ID, Attempt: j.AttemptCount + 1}
	if _, err := m.queue.Enqueue(ctx, next, queue.WithoutDedupe()); err != nil {
		// still QUEUED and stale next round
		return "", err
	}
	return "requeued", nil
}

func isRaceLoss(err error) bool {
	return errors.Is(err, store.ErrSkip) || errors.Is(err, job.ErrConflict)
}
