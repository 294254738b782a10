// Package httpapi exposes the job API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mohans/genqueue/job"
	"github.com/mohans/genqueue/queue"
)

// Jobs is the part of manager.Manager the API serves.
type Jobs interface {
	Create(ctx context.Context, request json.RawMessage) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	GetIfModified(ctx context.Context, id string, since time.Time) (*job.Job, bool, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
}

// Deliverer runs one delivery pushed over HTTP.
type Deliverer interface {
	Handle(ctx context.Context, d queue.Delivery) error
}

type Options struct {
	// WorkerToken guards the internal push endpoint. Empty rejects every call.
	WorkerToken string
	// MaxBodyBytes caps request bodies. Default 1 MiB.
	MaxBodyBytes int64
}

type App struct {
	jobs    Jobs
	workers Deliverer
	opts    Options
	log     zerolog.Logger
}

func New(jobs Jobs, workers Deliverer, opts Options, log zerolog.Logger) *App {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &App{
		jobs:    jobs,
		workers: workers,
		opts:    opts,
		log:     log.With().Str("component", "httpapi").Logger(),
	}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger(a.log),
	)

	r.Get("/healthz", a.health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", a.createJob)
		r.Get("/{id}", a.getJob)
		r.Post("/{id}/cancel", a.cancelJob)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(a.requireWorkerToken)
		r.Post("/tasks/generate", a.pushDelivery)
	})

	return r
}

func (a *App) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
