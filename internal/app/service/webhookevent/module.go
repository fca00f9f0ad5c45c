package webhookevent

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	cfgpkg "github.com/coursekit/billing/pkg/config"
)

// Module exposes the idempotency ledger via Fx.
var Module = fx.Options(
	fx.Provide(func(db *gorm.DB, log *zap.SugaredLogger, cfg *cfgpkg.Config) *Service {
		return New(db, log, cfg.Sweep.StuckAfter)
	}),
)
