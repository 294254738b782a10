package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer hands a payload to the dispatch mechanism.
type Enqueuer interface {
	Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (*TaskInfo, error)
}

// TaskInfo describes an enqueued task.
type TaskInfo struct {
	ID    string
	Queue string
	// Deduplicated is set when a task for the same attempt already existed.
	Deduplicated bool
}

// EnqueueOption tweaks a single enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay   time.Duration
	noDedup bool
}

// WithDelay schedules the delivery no earlier than d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithoutDedupe lets the queue assign a fresh task id. Used when a previous
// task for the same attempt may still exist but will never be delivered.
func WithoutDedupe() EnqueueOption {
	return func(o *enqueueOptions) { o.noDedup = true }
}

// Client wraps asynq.Client for generate tasks.
type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

type ClientOptions struct {
	Queue string
	// MaxRetry bounds queue-level redeliveries after infrastructure errors.
	MaxRetry int
	// Timeout is the dispatch deadline of each delivery.
	Timeout time.Duration
}

func NewClient(redisOpt asynq.RedisConnOpt, opts ClientOptions) *Client {
	q := opts.Queue
	if q == "" {
		q = "default"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	maxRetry := opts.MaxRetry
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    q,
		maxRetry: maxRetry,
		timeout:  timeout,
	}
}

// Enqueue durably writes a generate task for p.
func (c *Client) Enqueue(ctx context.Context, p Payload, opts ...EnqueueOption) (*TaskInfo, error) {
	if c.client == nil {
		return nil, errors.New("genqueue/queue: nil asynq client")
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	var eo enqueueOptions
	for _, o := range opts {
		o(&eo)
	}
	payloadBytes, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	taskOpts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	}
	if !eo.noDedup {
		taskOpts = append(taskOpts, asynq.TaskID(p.taskID()))
	}
	if eo.delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(eo.delay))
	}

	t := asynq.NewTask(TypeGenerate, payloadBytes)
	info, err := c.client.EnqueueContext(ctx, t, taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return &TaskInfo{ID: p.taskID(), Queue: c.queue, Deduplicated: true}, nil
		}
		return nil, fmt.Errorf("genqueue/queue: enqueue %s: %w", p.taskID(), err)
	}
	return &TaskInfo{ID: info.ID, Queue: info.Queue}, nil
}

func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
