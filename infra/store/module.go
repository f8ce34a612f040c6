package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/michaelansel/c3po/config"
)

var Module = fx.Module("store",
	fx.Provide(
		NewClient,
		New,
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Store) {
		lc.Append(fx.Hook{
			// Probe the store with a round-trip before serving traffic.
			OnStart: func(ctx context.Context) error {
				return s.Probe(ctx)
			},
			OnStop: func(ctx context.Context) error {
				return s.Client().Close()
			},
		})
	}),
)

func NewClient(cfg *config.Config) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	// Blocking pops may hold a connection for up to 10 s slices; the
	// client read timeout must not cut them short.
	opts.ReadTimeout = -1
	return redis.NewClient(opts), nil
}
