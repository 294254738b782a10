package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func pollUntil(t *testing.T, timeout time.Duration, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(50))

	j := Backoff{Initial: time.Second, Max: 10 * time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		d := j.Delay(3)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 4*time.Second)
	}
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(`{"job_id":"j1","attempt":2}`))
	require.NoError(t, err)
	assert.Equal(t, Payload{JobID: "j1", Attempt: 2}, p)

	for _, raw := range []string{`{`, `{"attempt":1}`, `{"job_id":"j1","attempt":0}`} {
		_, err := ParsePayload([]byte(raw))
		assert.Errorf(t, err, "payload %s", raw)
	}
}

func TestClient_EnqueueDedupe(t *testing.T) {
	s := startMiniRedis(t)
	c := NewClient(asynq.RedisClientOpt{Addr: s.Addr()}, ClientOptions{Queue: "gen"})
	defer c.Close()
	ctx := context.Background()

	first, err := c.Enqueue(ctx, Payload{JobID: "j1", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, "j1:1", first.ID)
	assert.Equal(t, "gen", first.Queue)
	assert.False(t, first.Deduplicated)

	again, err := c.Enqueue(ctx, Payload{JobID: "j1", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)

	fresh, err := c.Enqueue(ctx, Payload{JobID: "j1", Attempt: 1}, WithoutDedupe(), WithDelay(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, "j1:1", fresh.ID)

	_, err = c.Enqueue(ctx, Payload{Attempt: 1})
	assert.Error(t, err)
}

func TestProcessor_RateLimitMiddleware(t *testing.T) {
	p := NewProcessor(asynq.RedisClientOpt{Addr: "127.0.0.1:0"}, ProcessorConfig{DispatchRate: 0.001, DispatchBurst: 1}, zerolog.Nop())
	calls := 0
	h := p.Handler(asynq.HandlerFunc(func(context.Context, *asynq.Task) error {
		calls++
		return nil
	}))
	task := asynq.NewTask(TypeGenerate, []byte(`{"job_id":"j","attempt":1}`))

	require.NoError(t, h.ProcessTask(context.Background(), task))
	err := h.ProcessTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, IsRateLimitError(err))
	assert.Equal(t, 1, calls)

	// reconcile tasks are never throttled
	require.NoError(t, h.ProcessTask(context.Background(), asynq.NewTask(TypeReconcile, nil)))
	assert.Equal(t, 2, calls)
}

func TestProcessor_Integration_Delivery(t *testing.T) {
	s := startMiniRedis(t)
	redis := asynq.RedisClientOpt{Addr: s.Addr()}

	processor := NewProcessor(redis, ProcessorConfig{
		Concurrency:  2,
		Queues:       map[string]int{"gen": 1},
		Backoff:      Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		PollInterval: 50 * time.Millisecond,
	}, zerolog.Nop())

	var mu sync.Mutex
	var got []Delivery
	failOnce := true
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeGenerate, func(ctx context.Context, t *asynq.Task) error {
		d, err := NewDelivery(ctx, t)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d)
		if failOnce {
			failOnce = false
			return errors.New("store unreachable")
		}
		return nil
	})
	require.NoError(t, processor.Start(mux))
	defer processor.Shutdown()

	client := NewClient(redis, ClientOptions{Queue: "gen", MaxRetry: 3, Timeout: time.Minute})
	defer client.Close()
	_, err := client.Enqueue(context.Background(), Payload{JobID: "j1", Attempt: 1})
	require.NoError(t, err)

	pollUntil(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "j1", got[0].JobID)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "j1:1", got[0].TaskID)
	assert.Equal(t, 0, got[0].Retry)
	assert.Equal(t, 1, got[1].Retry, "handler error is redelivered by the queue")
	assert.False(t, got[0].Deadline.IsZero())
}
