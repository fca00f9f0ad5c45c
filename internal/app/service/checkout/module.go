package checkout

import "go.uber.org/fx"

// Module exposes the checkout flow via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
