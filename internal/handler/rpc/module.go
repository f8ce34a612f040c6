package rpc

import "go.uber.org/fx"

var Module = fx.Module("handler_rpc",
	fx.Provide(NewHandler),
)
