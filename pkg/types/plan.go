package types

import "time"

type Environment string

const (
	EnvironmentDev  Environment = "dev"
	EnvironmentProd Environment = "prod"
)

type PlanID string

const (
	PlanWeekly  PlanID = "weekly"
	PlanMonthly PlanID = "monthly"
	PlanYearly  PlanID = "yearly"
	// PlanMentorship is an add-on tier that requires an active base plan.
	PlanMentorship PlanID = "mentorship"
)

type BillingCycle string

const (
	BillingCycleWeekly  BillingCycle = "weekly"
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// PaymentMethod is the method selected at checkout. Deferred (buy-now-pay-later)
// methods carry a percentage surcharge, see pricing.
type PaymentMethod string

const (
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodDeferred PaymentMethod = "deferred"
)

// Plan describes an internal subscription tier and its mapping to the
// external processor's price identifier for one environment.
type Plan struct {
	ID              PlanID       `json:"id" mapstructure:"id"`
	Environment     Environment  `json:"environment" mapstructure:"environment"`
	ExternalPriceID string       `json:"external_price_id" mapstructure:"external_price_id"`
	BillingCycle    BillingCycle `json:"billing_cycle" mapstructure:"billing_cycle"`
	// BasePrice is in the currency's minor unit (cents).
	BasePrice int64  `json:"base_price" mapstructure:"base_price"`
	Currency  string `json:"currency" mapstructure:"currency"`
	// Rank orders tiers for upgrade/downgrade classification.
	Rank int `json:"rank" mapstructure:"rank"`
	// Renewable plans are driven by processor subscription objects; a
	// non-renewable plan is a fixed-duration access pass.
	Renewable bool `json:"renewable" mapstructure:"renewable"`
}

// Duration returns the access period granted by one paid cycle.
func (p *Plan) Duration() time.Duration {
	switch p.BillingCycle {
	case BillingCycleWeekly:
		return 7 * 24 * time.Hour
	case BillingCycleMonthly:
		return 30 * 24 * time.Hour
	case BillingCycleYearly:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}
