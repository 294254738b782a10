package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/genqueue/job"
)

func failedJob() *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:           "j1",
		Status:       job.StatusFailed,
		AttemptCount: 5,
		CompletedAt:  &now,
		Error:        &job.ErrorInfo{Code: job.CodeAttemptsExhausted, Message: "rate limited"},
	}
}

func TestRedis_Publishes(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, DefaultChannel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewRedis(client, "").Notify(ctx, failedJob()))

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "j1", ev.JobID)
		assert.Equal(t, job.StatusFailed, ev.Status)
		assert.Equal(t, job.CodeAttemptsExhausted, ev.ErrorCode)
		assert.Equal(t, 5, ev.AttemptCount)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Log{L: zerolog.New(&buf)}.Notify(context.Background(), failedJob()))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "ATTEMPTS_EXHAUSTED", line["error_code"])
}

func TestMulti_JoinsErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	m := Multi{
		Func(func(context.Context, *job.Job) error { calls++; return boom }),
		nil,
		Func(func(context.Context, *job.Job) error { calls++; return nil }),
	}
	err := m.Notify(context.Background(), failedJob())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}
