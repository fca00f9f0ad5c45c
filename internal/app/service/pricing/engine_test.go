package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/types"
)

type fakeHolder struct {
	held map[types.PlanID]bool
}

func (f *fakeHolder) HoldsActivePlan(_ context.Context, _ string, plan types.PlanID) (bool, error) {
	return f.held[plan], nil
}

func newTestEngine(held map[types.PlanID]bool) *Engine {
	cfg := &config.Config{
		Env:   types.EnvironmentDev,
		Plans: config.DefaultPlans(),
		Pricing: config.PricingConfig{
			DiscountRules: []*config.DiscountRule{
				{Plan: types.PlanMentorship, FreeIfHolds: types.PlanYearly, Reason: "included with yearly"},
			},
			EligibilityRules: []*config.EligibilityRule{
				{
					Plan:        types.PlanMentorship,
					RequiresAny: []types.PlanID{types.PlanMonthly, types.PlanYearly},
					Reason:      "mentorship requires an active base plan",
				},
			},
			Surcharges: map[string]float64{string(types.PaymentMethodDeferred): 0.0644},
		},
	}
	return NewEngine(cfg, &fakeHolder{held: held}, zap.NewNop().Sugar())
}

func TestPriceCardNoSurcharge(t *testing.T) {
	e := newTestEngine(nil)
	q, err := e.Price(context.Background(), "u1", types.PlanWeekly, types.PaymentMethodCard)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, q.Base)
	assert.EqualValues(t, 0, q.Discount)
	assert.EqualValues(t, 5000, q.Final)
	assert.Equal(t, "usd", q.Currency)
}

func TestPriceDeferredSurchargeRounding(t *testing.T) {
	e := newTestEngine(nil)
	// 500.00 * 1.0644 = 532.20
	q, err := e.Price(context.Background(), "u1", types.PlanMentorship, types.PaymentMethodDeferred)
	require.NoError(t, err)
	assert.EqualValues(t, 50000, q.Base)
	assert.InDelta(t, 0.0644, q.SurchargeRate, 1e-9)
	assert.EqualValues(t, 53220, q.Final)
}

func TestPriceFullDiscountWhenHoldingBundledPlan(t *testing.T) {
	e := newTestEngine(map[types.PlanID]bool{types.PlanYearly: true})
	q, err := e.Price(context.Background(), "u1", types.PlanMentorship, types.PaymentMethodDeferred)
	require.NoError(t, err)
	assert.EqualValues(t, 50000, q.Discount)
	// Surcharge applies to the discounted net, so a free plan stays free.
	assert.EqualValues(t, 0, q.Final)
	assert.Equal(t, "included with yearly", q.DiscountReason)
}

func TestPriceUnknownPlan(t *testing.T) {
	e := newTestEngine(nil)
	_, err := e.Price(context.Background(), "u1", types.PlanID("platinum"), types.PaymentMethodCard)
	assert.Error(t, err)
}

func TestValidateEligibility(t *testing.T) {
	e := newTestEngine(nil)
	err := e.ValidateEligibility(context.Background(), "u1", types.PlanMentorship)
	assert.ErrorIs(t, err, ErrNotEligible)

	// Plans without rules are always purchasable.
	assert.NoError(t, e.ValidateEligibility(context.Background(), "u1", types.PlanWeekly))

	e = newTestEngine(map[types.PlanID]bool{types.PlanMonthly: true})
	assert.NoError(t, e.ValidateEligibility(context.Background(), "u1", types.PlanMentorship))
}
