package store

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohans/genqueue/job"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *fakeClock) Store {
		_, client := newTestRedis(t)
		return NewRedisStore(client, WithClock(clock.Now))
	})
}

func TestRedisStore_ActiveIndex(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, newPending("idx")))
	ok, err := mr.ZMembers(activeKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"idx"}, ok)

	_, err = s.Update(ctx, "idx", []job.Status{job.StatusPending}, func(j *job.Job) error {
		j.Status = job.StatusFailed
		j.Error = &job.ErrorInfo{Code: job.CodeEnqueueFailed}
		return nil
	})
	require.NoError(t, err)

	members, _ := mr.ZMembers(activeKey)
	assert.Empty(t, members, "terminal jobs leave the active index")
	assert.True(t, mr.Exists(jobKey("idx")))
}

func TestRedisStore_CloseLeavesClientOpen(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	require.NoError(t, s.Close())
	require.NoError(t, client.Ping(ctx).Err())
	require.NoError(t, s.Create(ctx, newPending("after-close")))
}
