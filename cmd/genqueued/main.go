// Command genqueued runs the job API, the queue workers and the reconcile
// scheduler in one process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/mohans/genqueue/internal/config"
	"github.com/mohans/genqueue/internal/generator"
	"github.com/mohans/genqueue/internal/httpapi"
	"github.com/mohans/genqueue/internal/logging"
	"github.com/mohans/genqueue/manager"
	"github.com/mohans/genqueue/notify"
	"github.com/mohans/genqueue/progress"
	"github.com/mohans/genqueue/queue"
	"github.com/mohans/genqueue/store"
	"github.com/mohans/genqueue/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "genqueued: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("genqueued: stopped with error")
	}
	logger.Info().Msg("genqueued: stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}

	st, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer st.Close()

	client := queue.NewClient(redisOpt, queue.ClientOptions{
		Queue:    cfg.QueueName,
		MaxRetry: cfg.QueueMaxRetry,
		Timeout:  cfg.DispatchTimeout,
	})
	defer client.Close()

	backoff := queue.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax, Jitter: true}
	notifier := notify.Multi{
		notify.Log{L: logger.With().Str("component", "notify").Logger()},
		notify.NewRedis(rdb, cfg.NotifyChannel),
	}
	mgr := manager.New(st, client, notifier, manager.Config{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     backoff,
		StaleAfter:  cfg.StaleAfter,
	}, logger)

	gen, err := newGenerator(cfg, logger)
	if err != nil {
		return err
	}
	handler := worker.NewHandler(mgr, gen, worker.Config{
		GeneratorTimeout:   cfg.GeneratorTimeout,
		CancelPollInterval: cfg.CancelPollInterval,
		Progress:           progress.Options{FlushRate: cfg.ProgressFlushRate},
	}, logger)

	mux := asynq.NewServeMux()
	handler.Register(mux)
	processor := queue.NewProcessor(redisOpt, queue.ProcessorConfig{
		Concurrency:     cfg.WorkerConcurrency,
		Queues:          map[string]int{cfg.QueueName: 1},
		Backoff:         backoff,
		DispatchRate:    cfg.DispatchRate,
		DispatchBurst:   cfg.DispatchBurst,
		ShutdownTimeout: 30 * time.Second,
	}, logger)

	scheduler, err := queue.NewScheduler(redisOpt, queue.SchedulerConfig{
		Spec:   cfg.ReconcileSpec,
		Queue:  cfg.QueueName,
		Unique: 30 * time.Second,
	}, logger)
	if err != nil {
		return err
	}

	api := httpapi.New(mgr, handler, httpapi.Options{WorkerToken: cfg.WorkerToken}, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// the push endpoint runs a whole delivery inline
		WriteTimeout: cfg.DispatchTimeout,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return processor.Run(gCtx, mux)
	})

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreDriver).Msg("api server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info().Msg("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, rdb goredis.UniversalClient) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverRedis:
		return store.NewRedisStore(rdb), nil
	default:
		db, err := sql.Open("sqlite", cfg.SQLiteDSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite serialises writers; one connection avoids SQLITE_BUSY under load
		db.SetMaxOpenConns(1)
		s := store.NewSQLStore(db)
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	}
}

func newGenerator(cfg *config.Config, logger zerolog.Logger) (worker.Generator, error) {
	if cfg.GeneratorURL == "" {
		logger.Warn().Msg("GENERATOR_URL not set, using synthetic generation")
		return generator.Synthetic{StepDelay: 500 * time.Millisecond}, nil
	}
	return generator.NewHTTP(generator.Options{
		URL:    cfg.GeneratorURL,
		Logger: logger.With().Str("component", "generator").Logger(),
	})
}
