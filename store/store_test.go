package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/genqueue/job"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func newPending(id string) *job.Job {
	return &job.Job{ID: id, Status: job.StatusPending, Request: json.RawMessage(`{"topic":"x"}`)}
}

func toQueued(j *job.Job) error {
	j.Status = job.StatusQueued
	return nil
}

// runStoreSuite checks the behaviour every Store implementation must share.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, newPending("job-1")))
		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, got.Status)
		assert.JSONEq(t, `{"topic":"x"}`, string(got.Request))
		assert.Equal(t, int64(1), got.Version)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, newPending("dup")))
		err := s.Create(ctx, newPending("dup"))
		require.Error(t, err)
		assert.ErrorIs(t, err, job.ErrAlreadyExists)
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("UpdateConditional", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPending("job-2")))
		before, err := s.Get(ctx, "job-2")
		require.NoError(t, err)

		got, err := s.Update(ctx, "job-2", []job.Status{job.StatusPending}, toQueued)
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, got.Status)
		assert.True(t, got.UpdatedAt.After(before.UpdatedAt), "updated_at must advance")
		assert.Equal(t, before.Version+1, got.Version)

		_, err = s.Update(ctx, "job-2", []job.Status{job.StatusPending}, toQueued)
		assert.ErrorIs(t, err, job.ErrConflict)

		stored, err := s.Get(ctx, "job-2")
		require.NoError(t, err)
		assert.Equal(t, got.Version, stored.Version)
		assert.Equal(t, got.UpdatedAt, stored.UpdatedAt)
	})

	t.Run("UpdateRejectsInvalidTransition", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPending("job-3")))

		_, err := s.Update(ctx, "job-3", []job.Status{job.StatusPending}, func(j *job.Job) error {
			j.Status = job.StatusCompleted
			return nil
		})
		assert.ErrorIs(t, err, job.ErrInvalidTransition)
	})

	t.Run("UpdateSkip", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPending("job-4")))

		_, err := s.Update(ctx, "job-4", []job.Status{job.StatusPending}, func(*job.Job) error { return ErrSkip })
		assert.ErrorIs(t, err, ErrSkip)
		got, err := s.Get(ctx, "job-4")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		_, err := s.Update(context.Background(), "nope", []job.Status{job.StatusPending}, toQueued)
		assert.ErrorIs(t, err, job.ErrNotFound)
	})

	t.Run("TerminalRoundTrip", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPending("job-5")))
		_, err := s.Update(ctx, "job-5", []job.Status{job.StatusPending}, func(j *job.Job) error {
			now := time.Now().UTC()
			j.Status = job.StatusFailed
			j.Error = &job.ErrorInfo{Code: job.CodeEnqueueFailed, Message: "redis down", Details: "dial tcp"}
			j.CompletedAt = &now
			return nil
		})
		require.NoError(t, err)

		got, err := s.Get(ctx, "job-5")
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, job.CodeEnqueueFailed, got.Error.Code)
		assert.Equal(t, "dial tcp", got.Error.Details)
		assert.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.Result)
	})

	t.Run("ConcurrentCAS", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		ctx := context.Background()
		require.NoError(t, s.Create(ctx, newPending("race")))
		_, err := s.Update(ctx, "race", []job.Status{job.StatusPending}, toQueued)
		require.NoError(t, err)

		var winners, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "race", []job.Status{job.StatusQueued}, func(j *job.Job) error {
					j.Status = job.StatusProcessing
					j.AttemptCount++
					return nil
				})
				switch {
				case err == nil:
					winners.Add(1)
				case errors.Is(err, job.ErrConflict):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
		assert.Equal(t, int32(7), conflicts.Load())
		got, err := s.Get(ctx, "race")
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("ListStale", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		ctx := context.Background()

		require.NoError(t, s.Create(ctx, newPending("old-queued")))
		_, err := s.Update(ctx, "old-queued", []job.Status{job.StatusPending}, toQueued)
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, newPending("old-failed")))
		_, err = s.Update(ctx, "old-failed", []job.Status{job.StatusPending}, func(j *job.Job) error {
			j.Status = job.StatusFailed
			j.Error = &job.ErrorInfo{Code: job.CodeEnqueueFailed}
			return nil
		})
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)
		require.NoError(t, s.Create(ctx, newPending("fresh")))

		stale, err := s.ListStale(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "old-queued", stale[0].ID)

		stale, err = s.ListStale(ctx, 5*time.Minute, job.StatusProcessing)
		require.NoError(t, err)
		assert.Empty(t, stale)

		stale, err = s.ListStale(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, stale, 1, "fresh job is updated exactly at the cutoff")
	})
}
