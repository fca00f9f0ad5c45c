package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/types"
)

// ErrNotEligible means the user does not satisfy the plan's prerequisites.
var ErrNotEligible = errors.New("user is not eligible for this plan")

// PlanHolder answers whether a user currently holds a given plan.
type PlanHolder interface {
	HoldsActivePlan(ctx context.Context, userID string, plan types.PlanID) (bool, error)
}

// Quote is a fully-resolved price. All amounts are minor units.
type Quote struct {
	Plan           types.PlanID        `json:"plan"`
	PaymentMethod  types.PaymentMethod `json:"payment_method"`
	Base           int64               `json:"base"`
	Discount       int64               `json:"discount"`
	DiscountReason string              `json:"discount_reason,omitempty"`
	SurchargeRate  float64             `json:"surcharge_rate"`
	Final          int64               `json:"final"`
	Currency       string              `json:"currency"`
}

// Engine computes deterministic quotes from the configured plan catalog,
// discount rules and payment-method surcharges.
type Engine struct {
	cfg    *config.Config
	holder PlanHolder
	log    *zap.SugaredLogger
}

func NewEngine(cfg *config.Config, holder PlanHolder, log *zap.SugaredLogger) *Engine {
	return &Engine{cfg: cfg, holder: holder, log: log}
}

// Price resolves base price, applicable discount and payment-method
// surcharge for one purchase. final = round((base - discount) * (1 + rate)).
func (e *Engine) Price(ctx context.Context, userID string, planID types.PlanID, method types.PaymentMethod) (*Quote, error) {
	plan := e.cfg.PlanByID(planID)
	if plan == nil {
		return nil, fmt.Errorf("unknown plan %q", planID)
	}

	q := &Quote{
		Plan:          planID,
		PaymentMethod: method,
		Base:          plan.BasePrice,
		Currency:      plan.Currency,
	}

	rule, ok := lo.Find(e.cfg.Pricing.DiscountRules, func(r *config.DiscountRule) bool {
		return r.Plan == planID
	})
	if ok {
		holds, err := e.holder.HoldsActivePlan(ctx, userID, rule.FreeIfHolds)
		if err != nil {
			return nil, fmt.Errorf("failed to check discount eligibility: %w", err)
		}
		if holds {
			q.Discount = plan.BasePrice
			q.DiscountReason = rule.Reason
		}
	}

	if rate, ok := e.cfg.Pricing.Surcharges[string(method)]; ok {
		q.SurchargeRate = rate
	}

	net := float64(q.Base - q.Discount)
	q.Final = int64(math.Round(net * (1 + q.SurchargeRate)))
	return q, nil
}

// ValidateEligibility enforces plan prerequisites, e.g. an add-on that
// requires holding one of a set of base plans.
func (e *Engine) ValidateEligibility(ctx context.Context, userID string, planID types.PlanID) error {
	rule, ok := lo.Find(e.cfg.Pricing.EligibilityRules, func(r *config.EligibilityRule) bool {
		return r.Plan == planID
	})
	if !ok {
		return nil
	}
	for _, required := range rule.RequiresAny {
		holds, err := e.holder.HoldsActivePlan(ctx, userID, required)
		if err != nil {
			return fmt.Errorf("failed to check eligibility: %w", err)
		}
		if holds {
			return nil
		}
	}
	e.log.Infow("eligibility check failed",
		"user_id", userID, "plan", planID, "reason", rule.Reason)
	return fmt.Errorf("%w: %s", ErrNotEligible, rule.Reason)
}
