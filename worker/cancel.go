package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mohans/genqueue/job"
)

// cancelWatch polls a running job and cancels the generator context once the
// job is CANCELLED.
type cancelWatch struct {
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func (h *Handler) watchCancellation(ctx context.Context, cancel context.CancelFunc, id string, log zerolog.Logger) *cancelWatch {
	w := &cancelWatch{stop: make(chan struct{}), done: make(chan struct{})}
	if h.cfg.CancelPollInterval <= 0 {
		close(w.done)
		return w
	}
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(h.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				j, err := h.jobs.Get(ctx, id)
				if err != nil {
					log.Debug().Err(err).Msg("cancellation check failed")
					continue
				}
				if j.Status == job.StatusCancelled {
					log.Info().Msg("job cancelled; stopping generator")
					w.cancelled.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return w
}

// Stop ends polling and waits for the watcher to exit.
func (w *cancelWatch) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

// Cancelled reports whether the watcher stopped the generator.
func (w *cancelWatch) Cancelled() bool { return w.cancelled.Load() }
