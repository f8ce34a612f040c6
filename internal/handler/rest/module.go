package rest

import "go.uber.org/fx"

var Module = fx.Module("handler_rest",
	fx.Provide(NewHandler),
)
