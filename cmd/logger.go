package cmd

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.uber.org/fx"

	"github.com/michaelansel/c3po/config"
	otelinfra "github.com/michaelansel/c3po/infra/otel"
)

// ProvideLogger builds the process logger: a text handler on stderr by
// default, or the otelslog bridge when an OTLP endpoint is configured.
// The OTEL providers are shut down with the app so buffered records flush.
func ProvideLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, error) {
	if cfg.Otel.Endpoint == "" {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.SlogLevel(),
		}))
		slog.SetDefault(logger)
		return logger, nil
	}

	providers, err := otelinfra.Init(context.Background(), cfg.Otel.Endpoint)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return providers.Shutdown(ctx)
		},
	})

	handler := otelslog.NewHandler(otelinfra.ServiceName,
		otelslog.WithLoggerProvider(providers.Logs))
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
