// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv   string
	HTTPAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreDriver string
	SQLiteDSN   string

	QueueName         string
	WorkerConcurrency int
	QueueMaxRetry     int
	DispatchTimeout   time.Duration
	DispatchRate      float64
	DispatchBurst     int

	MaxAttempts        int
	GeneratorTimeout   time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ProgressFlushRate  float64
	CancelPollInterval time.Duration

	ReconcileSpec string
	StaleAfter    time.Duration

	WorkerToken   string
	GeneratorURL  string
	NotifyChannel string
}

// Load reads an optional .env file and then the environment. Variables set
// in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	var p parser
	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.int("REDIS_DB", 0),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
		SQLiteDSN:   getEnv("SQLITE_DSN", "file:genqueue.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),

		QueueName:         getEnv("QUEUE_NAME", "genqueue"),
		WorkerConcurrency: p.int("WORKER_CONCURRENCY", 10),
		QueueMaxRetry:     p.int("QUEUE_MAX_RETRY", 10),
		DispatchTimeout:   p.duration("DISPATCH_TIMEOUT", 10*time.Minute),
		DispatchRate:      p.float("DISPATCH_RATE", 0),
		DispatchBurst:     p.int("DISPATCH_BURST", 1),

		MaxAttempts:        p.int("MAX_ATTEMPTS", 5),
		GeneratorTimeout:   p.duration("GENERATOR_TIMEOUT", 5*time.Minute),
		BackoffInitial:     p.duration("BACKOFF_INITIAL", 5*time.Second),
		BackoffMax:         p.duration("BACKOFF_MAX", 3*time.Minute),
		ProgressFlushRate:  p.float("PROGRESS_FLUSH_RATE", 4),
		CancelPollInterval: p.duration("CANCEL_POLL_INTERVAL", 2*time.Second),

		ReconcileSpec: getEnv("RECONCILE_SPEC", "@every 1m"),
		StaleAfter:    p.duration("STALE_AFTER", 15*time.Minute),

		WorkerToken:   os.Getenv("WORKER_TOKEN"),
		GeneratorURL:  os.Getenv("GENERATOR_URL"),
		NotifyChannel: getEnv("NOTIFY_CHANNEL", "genqueue:jobs:terminal"),
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and the timeout ordering the queue relies on:
// a generator call must end before the dispatch deadline, and neither a
// dispatch nor a retry delay may outlast the point where the reconcile sweep
// treats the job as stalled.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLiteDSN == "" {
			errs = append(errs, errors.New("SQLITE_DSN is required for the sqlite store"))
		}
	case DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverRedis, c.StoreDriver))
	}
	if c.RedisAddr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("MAX_ATTEMPTS must be at least 1"))
	}
	if c.QueueMaxRetry < 0 {
		errs = append(errs, errors.New("QUEUE_MAX_RETRY must not be negative"))
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		errs = append(errs, errors.New("BACKOFF_INITIAL must be positive and not above BACKOFF_MAX"))
	}
	if c.DispatchRate < 0 || c.DispatchBurst < 1 {
		errs = append(errs, errors.New("DISPATCH_RATE must not be negative and DISPATCH_BURST must be at least 1"))
	}
	if c.GeneratorTimeout <= 0 || c.GeneratorTimeout >= c.DispatchTimeout {
		errs = append(errs, fmt.Errorf("GENERATOR_TIMEOUT (%s) must be positive and below DISPATCH_TIMEOUT (%s)", c.GeneratorTimeout, c.DispatchTimeout))
	}
	if c.DispatchTimeout >= c.StaleAfter {
		errs = append(errs, fmt.Errorf("DISPATCH_TIMEOUT (%s) must be below STALE_AFTER (%s)", c.DispatchTimeout, c.StaleAfter))
	}
	if c.BackoffMax >= c.StaleAfter {
		errs = append(errs, fmt.Errorf("BACKOFF_MAX (%s) must be below STALE_AFTER (%s)", c.BackoffMax, c.StaleAfter))
	}
	if c.ReconcileSpec == "" {
		errs = append(errs, errors.New("RECONCILE_SPEC is required"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// parser collects coercion errors so every bad variable is reported at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	i, err := cast.ToIntE(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return i
}

func (p *parser) float(key string, fallback float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	f, err := cast.ToFloat64E(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return f
}

// duration accepts Go duration strings ("90s") or a bare number of seconds.
func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	v = strings.TrimSpace(v)
	if secs, err := cast.ToInt64E(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
