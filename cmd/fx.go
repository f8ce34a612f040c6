package cmd

import (
	"go.uber.org/fx"

	"github.com/michaelansel/c3po/config"
	httpsrv "github.com/michaelansel/c3po/infra/server/http"
	"github.com/michaelansel/c3po/infra/store"
	"github.com/michaelansel/c3po/internal/audit"
	"github.com/michaelansel/c3po/internal/auth"
	"github.com/michaelansel/c3po/internal/blob"
	"github.com/michaelansel/c3po/internal/handler/rest"
	"github.com/michaelansel/c3po/internal/handler/rpc"
	"github.com/michaelansel/c3po/internal/handler/ws"
	"github.com/michaelansel/c3po/internal/inbox"
	"github.com/michaelansel/c3po/internal/ratelimit"
	"github.com/michaelansel/c3po/internal/registry"
	"github.com/michaelansel/c3po/internal/service"
	"github.com/michaelansel/c3po/internal/shutdown"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			shutdown.New,
		),
		store.Module,
		registry.Module,
		inbox.Module,
		auth.Module,
		ratelimit.Module,
		audit.Module,
		blob.Module,
		service.Module,
		rpc.Module,
		rest.Module,
		ws.Module,
		httpsrv.Module,
	)
}
