// Package notify reports jobs that reached a terminal state.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mohans/genqueue/job"
)

// Notifier is told about every terminal transition. Delivery is best effort:
// callers log a returned error and carry on.
type Notifier interface {
	Notify(ctx context.Context, j *job.Job) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, j *job.Job) error

func (f Func) Notify(ctx context.Context, j *job.Job) error { return f(ctx, j) }

// Event is the published form of a terminal transition.
type Event struct {
	JobID        string         `json:"job_id"`
	Status       job.Status     `json:"status"`
	ErrorCode    job.ErrorCode  `json:"error_code,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Error        *job.ErrorInfo `json:"error,omitempty"`
}

// NewEvent builds the event for j.
func NewEvent(j *job.Job) Event {
	ev := Event{
		JobID:        j.ID,
		Status:       j.Status,
		AttemptCount: j.AttemptCount,
		CompletedAt:  j.CompletedAt,
		Error:        j.Error,
	}
	if j.Error != nil {
		ev.ErrorCode = j.Error.Code
	}
	return ev
}

// Log writes terminal transitions to a logger.
type Log struct {
	L zerolog.Logger
}

func (n Log) Notify(_ context.Context, j *job.Job) error {
	ev := n.L.Info()
	if j.Status == job.StatusFailed {
		ev = n.L.Warn()
		if j.Error != nil {
			ev = ev.Str("error_code", string(j.Error.Code)).Str("error", j.Error.Message)
		}
	}
	ev.Str("job_id", j.ID).
		Str("status", string(j.Status)).
		Int("attempt_count", j.AttemptCount).
		Msg("job finished")
	return nil
}

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "genqueue:jobs:terminal"

// Redis publishes an Event as JSON on a pub/sub channel.
type Redis struct {
	client  goredis.UniversalClient
	channel string
}

func NewRedis(client goredis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{client: client, channel: channel}
}

func (n *Redis) Notify(ctx context.Context, j *job.Job) error {
	b, err := json.Marshal(NewEvent(j))
	if err != nil {
		return fmt.Errorf("genqueue/notify: encode event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, b).Err(); err != nil {
		return fmt.Errorf("genqueue/notify: publish %s: %w", j.ID, err)
	}
	return nil
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, j *job.Job) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
