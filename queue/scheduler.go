package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/mohans/genqueue/internal/logging"
)

// Scheduler periodically enqueues the reconcile task.
type Scheduler struct {
	scheduler *asynq.Scheduler
	log       zerolog.Logger
}

type SchedulerConfig struct {
	// Spec is a cron spec or "@every <duration>".
	Spec  string
	Queue string
	// Unique suppresses duplicate sweeps enqueued by several schedulers.
	Unique time.Duration
}

func NewScheduler(redisOpt asynq.RedisConnOpt, cfg SchedulerConfig, log zerolog.Logger) (*Scheduler, error) {
	log = log.With().Str("component", "scheduler").Logger()
	s := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logging.Asynq{L: log},
		LogLevel: asynq.WarnLevel,
	})
	q := cfg.Queue
	if q == "" {
		q = "default"
	}
	opts := []asynq.Option{asynq.Queue(q), asynq.MaxRetry(0)}
	if cfg.Unique > 0 {
		opts = append(opts, asynq.Unique(cfg.Unique))
	}
	entryID, err := s.Register(cfg.Spec, asynq.NewTask(TypeReconcile, nil), opts...)
	if err != nil {
		return nil, fmt.Errorf("genqueue/queue: register reconcile %q: %w", cfg.Spec, err)
	}
	log.Info().Str("entry_id", entryID).Str("spec", cfg.Spec).Msg("reconcile sweep scheduled")
	return &Scheduler{scheduler: s, log: log}, nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("genqueue/queue: start scheduler: %w", err)
	}
	<-ctx.Done()
	s.scheduler.Shutdown()
	return nil
}
