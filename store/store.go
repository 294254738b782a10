// Package store persists jobs and provides the conditional (compare-and-swap)
// writes every state transition goes through.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohans/genqueue/job"
)

// ErrSkip may be returned by a Mutation to abandon the update without
// writing. Update returns it wrapped so callers can tell it apart.
var ErrSkip = errors.New("genqueue/store: mutation skipped")

// maxCASAttempts bounds how often Update re-reads after losing a version race.
const maxCASAttempts = 8

// ActiveStatuses are the non-terminal statuses watched by the reconciliation sweep.
var ActiveStatuses = []job.Status{job.StatusPending, job.StatusQueued, job.StatusProcessing}

// Mutation edits a private copy of the current record. ID, CreatedAt,
// UpdatedAt and Version are owned by the store and reset after it runs.
type Mutation func(j *job.Job) error

// Store abstracts persistence for job records.
// Implementations must be safe for concurrent use and across processes.
type Store interface {
	// Create inserts a new record; job.ErrAlreadyExists on id collision.
	Create(ctx context.Context, j *job.Job) error
	// Get returns the record or job.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)
	// Update applies mutate only if the current status is one of from.
	// It returns job.ErrConflict when the condition does not hold.
	Update(ctx context.Context, id string, from []job.Status, mutate Mutation) (*job.Job, error)
	// ListStale returns jobs in one of statuses (ActiveStatuses if none)
	// whose UpdatedAt is older than now-olderThan, oldest first.
	ListStale(ctx context.Context, olderThan time.Duration, statuses ...job.Status) ([]*job.Job, error)
	Close() error
}

// apply evaluates the condition and the mutation against cur and returns the
// record to write. cur is left untouched.
func apply(cur *job.Job, from []job.Status, mutate Mutation, now time.Time) (*job.Job, error) {
	if !hasStatus(from, cur.Status) {
		return nil, fmt.Errorf("%w: job %s is %s", job.ErrConflict, cur.ID, cur.Status)
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = cur.UpdatedAt
	next.Version = cur.Version
	if err := job.CheckTransition(cur.Status, next.Status); err != nil {
		return nil, err
	}
	next.Touch(now)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	dollar bool
	now    func() time.Time
}

// WithDollarPlaceholders rewrites '?' placeholders to $1..$n (Postgres).
// Only SQLStore honours it.
func WithDollarPlaceholders() Option {
	return func(o *options) { o.dollar = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func prepareCreate(j *job.Job, now time.Time) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now.UTC()
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.Version == 0 {
		j.Version = 1
	}
	return j.Validate()
}

func hasStatus(set []job.Status, s job.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func staleStatuses(statuses []job.Status) []job.Status {
	if len(statuses) == 0 {
		return ActiveStatuses
	}
	return statuses
}
