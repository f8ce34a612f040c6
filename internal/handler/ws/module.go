package ws

import "go.uber.org/fx"

var Module = fx.Module("handler_ws",
	fx.Provide(NewHandler),
)
