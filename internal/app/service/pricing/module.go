package pricing

import "go.uber.org/fx"

// Module exposes the pricing engine via Fx.
var Module = fx.Options(
	fx.Provide(NewEngine),
)
