package dispatcher

import "go.uber.org/fx"

// Module wires the event dispatcher and the stuck-event sweeper.
var Module = fx.Options(
	fx.Provide(NewHandlers),
	fx.Provide(NewDispatcher),
	fx.Provide(NewSweeper),
	fx.Invoke(registerSweeper),
)
