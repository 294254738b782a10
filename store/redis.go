package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mohans/genqueue/job"
)

// Redis key naming. All keys are prefixed with "genqueue:" to avoid collisions.
const keyPrefix = "genqueue:"

// jobKey returns the key holding a job document: genqueue:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// activeKey is the Sorted Set of non-terminal job IDs scored by UpdatedAt (ms).
const activeKey = keyPrefix + "jobs:active"

// RedisStore is a Store keeping one JSON document per job. Conditional
// updates use WATCH/MULTI so a concurrent writer aborts the transaction.
// The client is borrowed and stays open after Close.
type RedisStore struct {
	client goredis.UniversalClient
	now    func() time.Time
}

func NewRedisStore(client goredis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, now: buildOptions(opts).now}
}

func (s *RedisStore) Create(ctx context.Context, j *job.Job) error {
	if err := prepareCreate(j, s.now()); err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("genqueue/store: encode job: %w", err)
	}
	key := jobKey(j.ID)
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", job.ErrAlreadyExists, j.ID)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			indexJob(ctx, p, j)
			return nil
		})
		return err
	}, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, job.ErrAlreadyExists):
		return err
	case errors.Is(err, goredis.TxFailedErr):
		return fmt.Errorf("%w: %s", job.ErrAlreadyExists, j.ID)
	default:
		return fmt.Errorf("genqueue/store: create job: %w", err)
	}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.get(ctx, s.client, id)
}

func (s *RedisStore) get(ctx context.Context, c stringGetter, id string) (*job.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		return nil, fmt.Errorf("genqueue/store: get job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("genqueue/store: decode job %s: %w", id, err)
	}
	return &j, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, from []job.Status, mutate Mutation) (*job.Job, error) {
	key := jobKey(id)
	for i := 0; i < maxCASAttempts; i++ {
		var next *job.Job
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			cur, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			next, err = apply(cur, from, mutate, s.now())
			if err != nil {
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("genqueue/store: encode job: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				p.Set(ctx, key, data, 0)
				indexJob(ctx, p, next)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: job %s: too many concurrent writers", job.ErrConflict, id)
}

func (s *RedisStore) ListStale(ctx context.Context, olderThan time.Duration, statuses ...job.Status) ([]*job.Job, error) {
	statuses = staleStatuses(statuses)
	cutoff := s.now().UTC().Add(-olderThan).UnixMilli()
	ids, err := s.client.ZRangeByScore(ctx, activeKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("genqueue/store: list stale: %w", err)
	}

	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) {
				continue // index entry without document
			}
			return nil, err
		}
		if !hasStatus(statuses, j.Status) {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Close is a no-op: the client is shared with the caller, who closes it.
func (s *RedisStore) Close() error { return nil }

// stringGetter is satisfied by both the client and a WATCH transaction.
type stringGetter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func indexJob(ctx context.Context, p goredis.Pipeliner, j *job.Job) {
	if j.Status.Terminal() {
		p.ZRem(ctx, activeKey, j.ID)
		return
	}
	p.ZAdd(ctx, activeKey, goredis.Z{Score: float64(j.UpdatedAt.UnixMilli()), Member: j.ID})
}
