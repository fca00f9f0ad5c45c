package planresolver

import "go.uber.org/fx"

// Module exposes the plan resolver via Fx.
var Module = fx.Options(
	fx.Provide(New),
)
