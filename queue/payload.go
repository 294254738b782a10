package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Task types.
const (
	TypeGenerate  = "genqueue:generate"
	TypeReconcile = "genqueue:reconcile"
)

// Payload is the body of a generate task.
type Payload struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

func (p Payload) validate() error {
	if p.JobID == "" {
		return errors.New("genqueue/queue: payload without job_id")
	}
	if p.Attempt < 1 {
		return fmt.Errorf("genqueue/queue: payload attempt %d < 1", p.Attempt)
	}
	return nil
}

// taskID dedupes enqueues of the same attempt.
func (p Payload) taskID() string { return fmt.Sprintf("%s:%d", p.JobID, p.Attempt) }

// Delivery is one hand-off of a generate task to a worker.
type Delivery struct {
	Payload
	TaskID   string
	Retry    int       // queue-level redeliveries so far
	Deadline time.Time // dispatch deadline; zero when unknown
}

// ParsePayload decodes and validates a generate payload.
func ParsePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("genqueue/queue: decode payload: %w", err)
	}
	if err := p.validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// NewDelivery builds a Delivery from an asynq handler context and task.
func NewDelivery(ctx context.Context, t *asynq.Task) (Delivery, error) {
	p, err := ParsePayload(t.Payload())
	if err != nil {
		return Delivery{}, err
	}
	d := Delivery{Payload: p}
	if id, ok := asynq.GetTaskID(ctx); ok {
		d.TaskID = id
	}
	if n, ok := asynq.GetRetryCount(ctx); ok {
		d.Retry = n
	}
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	return d, nil
}
