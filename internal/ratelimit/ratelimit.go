// Package ratelimit admits requests through sliding-window counters, one
// sorted set per (operation, identity), scored by arrival time.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/michaelansel/c3po/infra/store"
)

// Limit is (max requests, window) for one operation.
type Limit struct {
	Max    int
	Window time.Duration
}

// DefaultLimit applies to operations missing from the table.
var DefaultLimit = Limit{Max: 60, Window: 60 * time.Second}

// Limits is the fixed per-operation admission table.
var Limits = map[string]Limit{
	"send_message":       {100, 60 * time.Second},
	"reply":              {100, 60 * time.Second},
	"get_messages":       {30, 60 * time.Second},
	"wait_for_message":   {30, 60 * time.Second},
	"wait_for_response":  {30, 60 * time.Second},
	"ack_messages":       {30, 60 * time.Second},
	"list_agents":        {30, 60 * time.Second},
	"rest_register":      {5, 60 * time.Second},
	"rest_pending":       {30, 60 * time.Second},
	"rest_unregister":    {5, 60 * time.Second},
	"upload_blob":        {10, 60 * time.Second},
	"fetch_blob":         {30, 60 * time.Second},
	"rest_blob_upload":   {10, 60 * time.Second},
	"rest_blob_download": {30, 60 * time.Second},
}

// Limiter is the admission surface consumed by the broker service.
type Limiter interface {
	CheckAndRecord(ctx context.Context, operation, identity string) (bool, int64, Limit, error)
	CheckOnly(ctx context.Context, operation, identity string) (bool, int64, error)
}

var _ Limiter = (*RateLimiter)(nil)

type RateLimiter struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(s *store.Store, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{store: s, logger: logger, now: time.Now}
}

func limitFor(operation string) Limit {
	if l, ok := Limits[operation]; ok {
		return l
	}
	return DefaultLimit
}

// CheckAndRecord trims the bucket to the window, counts, and if under the
// limit records this arrival and refreshes the bucket TTL (2x window).
func (rl *RateLimiter) CheckAndRecord(ctx context.Context, operation, identity string) (bool, int64, Limit, error) {
	limit := limitFor(operation)
	key := store.RateKey(operation, identity)
	now := float64(rl.now().UnixNano()) / 1e9
	windowStart := now - limit.Window.Seconds()

	var cardCmd *redis.IntCmd
	err := rl.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", windowStart))
		cardCmd = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return false, 0, limit, err
	}
	count := cardCmd.Val()

	if count >= int64(limit.Max) {
		rl.logger.Warn("rate limited",
			"operation", operation, "identity", identity, "count", count, "limit", limit.Max)
		return false, count, limit, nil
	}

	member := fmt.Sprintf("%.9f", now)
	err = rl.store.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: now, Member: member})
		pipe.Expire(ctx, key, 2*limit.Window)
		return nil
	})
	if err != nil {
		return false, count, limit, err
	}
	return true, count + 1, limit, nil
}

// CheckOnly performs the read without recording an arrival.
func (rl *RateLimiter) CheckOnly(ctx context.Context, operation, identity string) (bool, int64, error) {
	limit := limitFor(operation)
	key := store.RateKey(operation, identity)
	now := float64(rl.now().UnixNano()) / 1e9
	windowStart := now - limit.Window.Seconds()

	if err := rl.store.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", windowStart)); err != nil {
		return false, 0, err
	}
	count, err := rl.store.ZCard(ctx, key)
	if err != nil {
		return false, 0, err
	}
	return count < int64(limit.Max), count, nil
}
