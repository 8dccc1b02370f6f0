// Package redisstore implements store.Store on Redis. Jobs and calls are JSON
// documents; pending calls are indexed in a sorted set scored by their scheduled
// time and running calls in a lease set scored by their start time. Transactions
// use WATCH on every key they read and commit their writes in one MULTI/EXEC.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
)

// DefaultRetention is how long finished calls stay readable.
const DefaultRetention = 24 * time.Hour

// Store coordinates job documents and the call indexes in Redis.
type Store struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	now       func() time.Time
	retry     store.RetryPolicy
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the transaction clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy overrides how WATCH conflicts are retried.
func WithRetryPolicy(p store.RetryPolicy) Option {
	return func(s *Store) { s.retry = p }
}

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithRetention sets the TTL applied to finished calls.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:    client,
		prefix:    "sched:",
		retention: DefaultRetention,
		now:       time.Now,
		retry:     store.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return New(client, opts...), nil
}

// Client exposes the underlying connection for components that share it.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) jobKey(id string) string { return s.prefix + "job:" + id }
func (s *Store) jobsKey() string { return s.prefix + "jobs" }
func (s *Store) nameKey(name string) string { return s.prefix + "jobname:" + name }
func (s *Store) callKey(h models.Handle) string { return s.prefix + "call:" + string(h) }
func (s *Store) pendingKey() string { return s.prefix + "calls:pending" }
func (s *Store) inflightKey() string { return s.prefix + "calls:inflight" }

// Transact runs fn against a WATCHed connection and commits its buffered writes
// atomically. A concurrent change to any key fn read aborts and retries the whole body.
func (s *Store) Transact(ctx context.Context, fn store.TxFunc) error {
	return s.retry.Retry(ctx, isConflict, func() error {
		return s.client.Watch(ctx, func(rtx *redis.Tx) error {
			t := newTx(s, rtx)
			if err := fn(ctx, t); err != nil {
				return err
			}
			return t.commit(ctx)
		})
	})
}

func isConflict(err error) bool {
	return errors.Is(err, redis.TxFailedErr)
}

// DueCalls returns pending calls scheduled at or before now.
func (s *Store) DueCalls(ctx context.Context, now time.Time, limit int) ([]models.ScheduledCall, error) {
	return s.callsByScore(ctx, s.pendingKey(), now, limit)
}

// NextDue returns the earliest pending scheduled time.
func (s *Store) NextDue(ctx context.Context) (time.Time, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.pendingKey(), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, "read next due call")
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(int64(zs[0].Score)).UTC(), true, nil
}

// StaleCalls returns in_progress calls whose lease started at or before startedBefore.
func (s *Store) StaleCalls(ctx context.Context, startedBefore time.Time, limit int) ([]models.ScheduledCall, error) {
	return s.callsByScore(ctx, s.inflightKey(), startedBefore, limit)
}

// PruneCalls is a no-op: finished calls expire through their TTL.
func (s *Store) PruneCalls(ctx context.Context, finishedBefore time.Time) (int64, error) {
	return 0, nil
}

func (s *Store) callsByScore(ctx context.Context, key string, max time.Time, limit int) ([]models.ScheduledCall, error) {
	handles, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", max.UnixMilli()),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "range %s", key)
	}
	if len(handles) == 0 {
		return nil, nil
	}

	keys := make([]string, len(handles))
	for i, h := range handles {
		keys[i] = s.callKey(models.Handle(h))
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load calls")
	}
	calls := make([]models.ScheduledCall, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			// Document gone between the two reads.
			continue
		}
		call, err := decodeCall(str)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func decodeJob(raw string) (models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.Job{}, errors.Wrap(err, "unmarshal job")
	}
	job.Args = store.NormalizeArgs(job.Args)
	return job, nil
}

func decodeCall(raw string) (models.ScheduledCall, error) {
	var call models.ScheduledCall
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return models.ScheduledCall{}, errors.Wrap(err, "unmarshal call")
	}
	call.Args = store.NormalizeArgs(call.Args)
	return call, nil
}
