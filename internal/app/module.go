package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/coursekit/billing/internal/app/api/server"
	"github.com/coursekit/billing/internal/app/service/checkout"
	"github.com/coursekit/billing/internal/app/service/dispatcher"
	"github.com/coursekit/billing/internal/app/service/notifier"
	"github.com/coursekit/billing/internal/app/service/planresolver"
	"github.com/coursekit/billing/internal/app/service/pricing"
	"github.com/coursekit/billing/internal/app/service/subscription"
	"github.com/coursekit/billing/internal/app/service/transactionledger"
	"github.com/coursekit/billing/internal/app/service/webhookevent"
	"github.com/coursekit/billing/internal/platform/db"
	"github.com/coursekit/billing/internal/platform/processor"
	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	processor.Module,
	server.Module,
	subscription.Module,
	webhookevent.Module,
	planresolver.Module,
	transactionledger.Module,
	pricing.Module,
	notifier.Module,
	dispatcher.Module,
	checkout.Module,
	// The subscription ledger answers plan-holding questions for pricing.
	fx.Provide(func(s *subscription.Service) pricing.PlanHolder { return s }),
)
