// Package progress carries step and percentage updates from a running
// generator to the job store without ever blocking the generator.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mohans/genqueue/job"
)

// Reporter is handed to the generator.
type Reporter interface {
	// Report marks step as current and raises the percentage to percent.
	Report(step string, percent float64)
	SetTotalSteps(n int)
}

// Sink persists progress snapshots.
type Sink interface {
	RecordProgress(ctx context.Context, jobID string, p job.Progress) error
}

type nop struct{}

func (nop) Report(string, float64) {}
func (nop) SetTotalSteps(int)      {}

// Nop discards all updates.
var Nop Reporter = nop{}

type Options struct {
	// FlushRate caps sink writes per second. Default 4.
	FlushRate float64
	// WriteTimeout bounds a single sink write. Default 5s.
	WriteTimeout time.Duration
}

// Async coalesces updates into a snapshot and writes the latest snapshot to
// the sink from its own goroutine, throttled by FlushRate. Sink errors are
// logged and never reach the generator.
type Async struct {
	sink         Sink
	jobID        string
	log          zerolog.Logger
	limiter      *rate.Limiter
	writeTimeout time.Duration
	base         context.Context

	mu    sync.Mutex
	snap  job.Progress
	dirty bool

	signal    chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewAsync starts the flusher. The caller must Close it.
func NewAsync(ctx context.Context, sink Sink, jobID string, log zerolog.Logger, opts Options) *Async {
	if opts.FlushRate <= 0 {
		opts.FlushRate = 4
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	a := &Async{
		sink:         sink,
		jobID:        jobID,
		log:          log.With().Str("component", "progress").Str("job_id", jobID).Logger(),
		limiter:      rate.NewLimiter(rate.Limit(opts.FlushRate), 1),
		writeTimeout: opts.WriteTimeout,
		// writes outlive the generator's deadline
		base:   context.WithoutCancel(ctx),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Report(step string, percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	a.mu.Lock()
	if step != "" && step != a.snap.CurrentStep {
		if a.snap.CurrentStep != "" {
			a.snap.CompletedSteps = append(a.snap.CompletedSteps, a.snap.CurrentStep)
		}
		a.snap.CurrentStep = step
	}
	if percent > a.snap.Percentage {
		a.snap.Percentage = percent
	}
	a.dirty = true
	a.mu.Unlock()
	a.notify()
}

func (a *Async) SetTotalSteps(n int) {
	a.mu.Lock()
	a.snap.TotalSteps = n
	a.dirty = true
	a.mu.Unlock()
	a.notify()
}

// Snapshot returns the current in-memory progress.
func (a *Async) Snapshot() job.Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copyProgress(a.snap)
}

// Close writes any pending snapshot and stops the flusher.
func (a *Async) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { close(a.stop) })
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) notify() {
	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case <-a.signal:
			r := a.limiter.Reserve()
			if d := r.Delay(); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-t.C:
				case <-a.stop:
					t.Stop()
					a.flush()
					return
				}
			}
			a.flush()
		case <-a.stop:
			a.flush()
			return
		}
	}
}

func (a *Async) flush() {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return
	}
	snap := copyProgress(a.snap)
	a.dirty = false
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(a.base, a.writeTimeout)
	defer cancel()
	if err := a.sink.RecordProgress(ctx, a.jobID, snap); err != nil {
		a.log.Warn().Err(err).Float64("percentage", snap.Percentage).Msg("progress write failed")
	}
}

func copyProgress(p job.Progress) job.Progress {
	if p.CompletedSteps != nil {
		p.CompletedSteps = append([]string(nil), p.CompletedSteps...)
	}
	return p
}
