package auth

import "go.uber.org/fx"

var Module = fx.Module("auth",
	fx.Provide(
		NewManager,
		func(m *Manager) Auther { return m },
		func(m *Manager) KeyAdmin { return m },
	),
)
