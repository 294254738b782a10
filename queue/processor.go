package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mohans/genqueue/internal/logging"
)

// RateLimitError is returned by the dispatch-rate middleware. It is not a
// failure: the task is requeued after RetryIn without consuming a retry.
type RateLimitError struct {
	RetryIn time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("genqueue/queue: dispatch rate exceeded, retry in %s", e.RetryIn)
}

// IsRateLimitError reports whether err came from the dispatch-rate limit.
func IsRateLimitError(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Processor runs asynq workers for generate and reconcile tasks.
type Processor struct {
	server  *asynq.Server
	limiter *rate.Limiter
	log     zerolog.Logger
}

type ProcessorConfig struct {
	Concurrency int
	Queues      map[string]int
	// Backoff drives queue-level redelivery after a handler error.
	Backoff Backoff
	// DispatchRate caps generate deliveries per second; <= 0 disables it.
	DispatchRate  float64
	DispatchBurst int
	// ShutdownTimeout is how long Shutdown waits for in-flight handlers.
	ShutdownTimeout time.Duration
	// PollInterval is how often delayed and retried tasks are promoted.
	PollInterval time.Duration
}

func NewProcessor(redisOpt asynq.RedisConnOpt, cfg ProcessorConfig, log zerolog.Logger) *Processor {
	con := cfg.Concurrency
	if con <= 0 {
		con = 10
	}
	qs := cfg.Queues
	if qs == nil {
		qs = map[string]int{"default": 1}
	}
	bo := cfg.Backoff
	if bo.Initial <= 0 {
		bo = DefaultBackoff()
	}

	p := &Processor{log: log.With().Str("component", "processor").Logger()}
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}

	p.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:              con,
		Queues:                   qs,
		ShutdownTimeout:          cfg.ShutdownTimeout,
		DelayedTaskCheckInterval: cfg.PollInterval,
		Logger:                   logging.Asynq{L: p.log},
		LogLevel:                 asynq.WarnLevel,
		RetryDelayFunc: func(n int, err error, _ *asynq.Task) time.Duration {
			var rl *RateLimitError
			if errors.As(err, &rl) {
				return rl.RetryIn
			}
			return bo.Delay(n + 1)
		},
		IsFailure: func(err error) bool { return !IsRateLimitError(err) },
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			if IsRateLimitError(err) {
				return
			}
			id, _ := asynq.GetTaskID(ctx)
			retry, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			p.log.Warn().Err(err).
				Str("task_id", id).
				Str("task_type", t.Type()).
				Int("retry", retry).
				Int("max_retry", maxRetry).
				Msg("task failed; queue will redeliver until retries run out")
		}),
	})
	return p
}

// rateLimit throttles generate deliveries.
func (p *Processor) rateLimit(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		if p.limiter == nil || t.Type() != TypeGenerate {
			return next.ProcessTask(ctx, t)
		}
		r := p.limiter.Reserve()
		if d := r.Delay(); d > 0 {
			r.Cancel()
			return &RateLimitError{RetryIn: d}
		}
		return next.ProcessTask(ctx, t)
	})
}

// logTask records the outcome and duration of every delivery.
func (p *Processor) logTask(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		id, _ := asynq.GetTaskID(ctx)
		ev := p.log.Debug()
		if err != nil && !IsRateLimitError(err) {
			ev = p.log.Error().Err(err)
		}
		ev.Str("task_id", id).
			Str("task_type", t.Type()).
			Dur("took", time.Since(start)).
			Msg("task processed")
		return err
	})
}

// Handler wraps h with the processor middleware chain.
func (p *Processor) Handler(h asynq.Handler) asynq.Handler {
	return p.logTask(p.rateLimit(h))
}

// Start launches the workers without blocking.
func (p *Processor) Start(mux *asynq.ServeMux) error {
	if mux == nil {
		mux = asynq.NewServeMux()
	}
	return p.server.Start(p.Handler(mux))
}

// Run starts the workers and blocks until ctx is done.
func (p *Processor) Run(ctx context.Context, mux *asynq.ServeMux) error {
	if err := p.Start(mux); err != nil {
		return fmt.Errorf("genqueue/queue: start processor: %w", err)
	}
	<-ctx.Done()
	p.Shutdown()
	return nil
}

func (p *Processor) Shutdown() { p.server.Shutdown() }
