package inbox

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/michaelansel/c3po/internal/registry"
)

var Module = fx.Module("inbox",
	fx.Provide(
		// Long polls refresh presence through the registry so waiting
		// agents do not flap offline.
		func(reg registry.Registrar, logger *slog.Logger) TouchFunc {
			return func(ctx context.Context, agentID string) {
				if _, err := reg.Touch(ctx, agentID); err != nil {
					logger.Debug("heartbeat refresh failed", "agent", agentID, "err", err)
				}
			}
		},
		fx.Annotate(
			New,
			fx.As(new(Mailboxer)),
		),
	),
)
