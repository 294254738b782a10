package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/genqueue/job"
)

type recordingSink struct {
	mu    sync.Mutex
	snaps []job.Progress
	err   error
	block chan struct{}
}

func (s *recordingSink) RecordProgress(ctx context.Context, _ string, p job.Progress) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, p)
	return s.err
}

func (s *recordingSink) all() []job.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]job.Progress(nil), s.snaps...)
}

func TestAsync_CoalescesAndFlushesOnClose(t *testing.T) {
	sink := &recordingSink{}
	a := NewAsync(context.Background(), sink, "j1", zerolog.Nop(), Options{FlushRate: 1000})

	a.SetTotalSteps(3)
	a.Report("outline", 10)
	a.Report("draft", 40)
	a.Report("draft", 35) // lower percentage is ignored
	a.Report("polish", 90)
	require.NoError(t, a.Close(context.Background()))

	snaps := sink.all()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, "polish", last.CurrentStep)
	assert.Equal(t, 3, last.TotalSteps)
	assert.Equal(t, 90.0, last.Percentage)
	assert.Equal(t, []string{"outline", "draft"}, last.CompletedSteps)

	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Percentage, snaps[i-1].Percentage)
	}
}

func TestAsync_ReportNeverBlocks(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	a := NewAsync(context.Background(), sink, "j1", zerolog.Nop(), Options{FlushRate: 1000})

	done := make(chan struct{})
	go func() {
		for i := 0; i <= 100; i++ {
			a.Report("render", float64(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Report blocked on a slow sink")
	}

	close(sink.block)
	require.NoError(t, a.Close(context.Background()))
	snaps := sink.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, 100.0, snaps[len(snaps)-1].Percentage)
	assert.LessOrEqual(t, len(snaps), 3, "updates are coalesced")
}

func TestAsync_SinkErrorIsSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("store down")}
	a := NewAsync(context.Background(), sink, "j1", zerolog.Nop(), Options{})
	a.Report("x", 150)
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()), "Close is idempotent")

	snaps := sink.all()
	require.Len(t, snaps, 1)
	assert.Equal(t, 100.0, snaps[0].Percentage)
}

func TestNop(t *testing.T) {
	Nop.SetTotalSteps(2)
	Nop.Report("x", 50)
}

func TestAsync_Snapshot(t *testing.T) {
	a := NewAsync(context.Background(), &recordingSink{}, "j1", zerolog.Nop(), Options{})
	defer a.Close(context.Background())

	a.SetTotalSteps(3)
	a.Report("outline", 120)
	a.Report("draft", 40)
	a.Report("", -5)

	snap := a.Snapshot()
	assert.Equal(t, 3, snap.TotalSteps)
	assert.Equal(t, "draft", snap.CurrentStep)
	assert.Equal(t, []string{"outline"}, snap.CompletedSteps)
	assert.Equal(t, 100.0, snap.Percentage)

	// the returned slice is a copy
	snap.CompletedSteps[0] = "changed"
	assert.Equal(t, []string{"outline"}, a.Snapshot().CompletedSteps)
}
