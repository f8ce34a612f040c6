// Package store is the typed surface over Redis that every engine talks
// through. All broker state lives behind it: hashes for registries, lists
// with blocking pop for queues, sorted sets for rate buckets, per-key TTL.
//
// Failures are classified through a circuit breaker: once Redis stops
// answering, calls short-circuit into COORDINATOR_UNAVAILABLE instead of
// piling up on a dead socket.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/michaelansel/c3po/internal/domain/model"
)

// ErrNotFound is returned by lookups that miss. Distinct from store
// unavailability: the round-trip succeeded, the key just isn't there.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	rdb     redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
}

func New(rdb redis.UniversalClient) *Store {
	return &Store{
		rdb: rdb,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "redis",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 10 * time.Second,
		}),
	}
}

// Client exposes the underlying connection for lifecycle management.
func (s *Store) Client() redis.UniversalClient { return s.rdb }

// Probe round-trips a PING. Called once at startup before serving traffic.
func (s *Store) Probe(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return model.ErrUnavailable(err)
	}
	return nil
}

// do routes a store round-trip through the breaker. redis.Nil is a miss,
// not a failure, and must not trip the breaker.
func (s *Store) do(fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		if err := fn(); err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return model.ErrUnavailable(err)
	}
	return nil
}

// --- hashes ---

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.do(func() error { return s.rdb.HSet(ctx, key, field, value).Err() })
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	var val string
	var miss bool
	err := s.do(func() error {
		v, err := s.rdb.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			miss = true
			return err
		}
		val = v
		return err
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *Store) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	var n int64
	err := s.do(func() error {
		var err error
		n, err = s.rdb.HDel(ctx, key, fields...).Result()
		return err
	})
	return n, err
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := s.do(func() error {
		var err error
		m, err = s.rdb.HGetAll(ctx, key).Result()
		return err
	})
	return m, err
}

// --- lists ---

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.do(func() error { return s.rdb.RPush(ctx, key, args...).Err() })
}

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.do(func() error { return s.rdb.LPush(ctx, key, args...).Err() })
}

func (s *Store) LPop(ctx context.Context, key string) (string, error) {
	var val string
	var miss bool
	err := s.do(func() error {
		v, err := s.rdb.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			miss = true
			return err
		}
		val = v
		return err
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", ErrNotFound
	}
	return val, nil
}

// BLPop blocks until an element arrives at the head of key or the timeout
// elapses. The floor is 1 s: Redis treats 0 as "block forever". A miss
// (timeout) returns ErrNotFound.
func (s *Store) BLPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	var val string
	var miss bool
	err := s.do(func() error {
		res, err := s.rdb.BLPop(ctx, timeout, key).Result()
		if errors.Is(err, redis.Nil) {
			miss = true
			return err
		}
		if err != nil {
			return err
		}
		val = res[1]
		return nil
	})
	if err != nil {
		return "", err
	}
	if miss {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var items []string
	err := s.do(func() error {
		var err error
		items, err = s.rdb.LRange(ctx, key, start, stop).Result()
		return err
	})
	return items, err
}

func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(func() error {
		var err error
		n, err = s.rdb.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

// --- sets ---

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	var n int64
	err := s.do(func() error {
		var err error
		n, err = s.rdb.SAdd(ctx, key, args...).Result()
		return err
	})
	return n, err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.do(func() error {
		var err error
		members, err = s.rdb.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(func() error {
		var err error
		n, err = s.rdb.SCard(ctx, key).Result()
		return err
	})
	return n, err
}

// --- sorted sets ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.do(func() error {
		return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return s.do(func() error { return s.rdb.ZRemRangeByScore(ctx, key, min, max).Err() })
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.do(func() error {
		var err error
		n, err = s.rdb.ZCard(ctx, key).Result()
		return err
	})
	return n, err
}

// --- keyspace ---

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.do(func() error { return s.rdb.Expire(ctx, key, ttl).Err() })
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.do(func() error { return s.rdb.Del(ctx, keys...).Err() })
}

// Pipelined issues a grouped multi-op transaction (MULTI/EXEC). Multi-step
// updates that must not expose partial state to other writers on the same
// keys go through here.
func (s *Store) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	return s.do(func() error {
		_, err := s.rdb.TxPipelined(ctx, fn)
		return err
	})
}
