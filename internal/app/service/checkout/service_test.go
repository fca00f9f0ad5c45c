package checkout

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursekit/billing/internal/app/service/pricing"
	"github.com/coursekit/billing/internal/app/service/subscription"
	"github.com/coursekit/billing/internal/models"
	"github.com/coursekit/billing/internal/platform/db"
	"github.com/coursekit/billing/internal/platform/processor"
	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/tool"
	"github.com/coursekit/billing/pkg/types"
)

type fakeProcessor struct {
	retrieved   []string
	retrieveSub *stripe.Subscription
	cancelled   []string
	sessions    int
}

func (f *fakeProcessor) RetrieveSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	f.retrieved = append(f.retrieved, id)
	return f.retrieveSub, nil
}

func (f *fakeProcessor) CancelSubscription(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeProcessor) CreateCheckoutSession(context.Context, *processor.CheckoutSessionSpec) (*processor.CheckoutSession, error) {
	f.sessions++
	return &processor.CheckoutSession{ID: "cs_test", URL: "https://pay.example/cs_test"}, nil
}

func (f *fakeProcessor) CreateRefund(context.Context, string, int64) (string, error) {
	return "re_test", nil
}

func newTestService(t *testing.T) (*Service, *subscription.Service, *fakeProcessor, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	log := zap.NewNop().Sugar()
	cfg := &config.Config{
		Env:   types.EnvironmentDev,
		Plans: config.DefaultPlans(),
		Pricing: config.PricingConfig{
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
	subs := subscription.NewService(cfg, gdb, log)
	engine := pricing.NewEngine(cfg, subs, log)
	proc := &fakeProcessor{}
	return NewService(cfg, subs, engine, proc, log), subs, proc, gdb
}

func TestCreateCheckoutOpensSession(t *testing.T) {
	svc, _, proc, _ := newTestService(t)

	res, err := svc.CreateCheckout(context.Background(), &Request{
		UserID: "u1",
		Plan:   types.PlanWeekly,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test", res.SessionID)
	assert.EqualValues(t, 5000, res.Quote.Final)
	assert.Equal(t, 1, proc.sessions)
}

func TestCreateCheckoutBlockedByActiveEntry(t *testing.T) {
	svc, subs, proc, _ := newTestService(t)
	ctx := context.Background()

	_, err := subs.InsertPassEntry(ctx, "u1", types.PlanWeekly, time.Now().Add(3*24*time.Hour))
	require.NoError(t, err)

	_, err = svc.CreateCheckout(ctx, &Request{UserID: "u1", Plan: types.PlanWeekly})
	assert.ErrorIs(t, err, ErrAlreadyActive)
	assert.Zero(t, proc.sessions)
}

func TestCreateCheckoutRetiresStaleEntry(t *testing.T) {
	svc, _, proc, gdb := newTestService(t)
	ctx := context.Background()

	// An expired renewable entry: it no longer grants access but still
	// references an upstream subscription that must be stopped.
	stale := &models.SubscriptionEntry{
		ID:                     tool.GenerateUUIDV7(),
		UserID:                 "u1",
		Plan:                   types.PlanMonthly,
		ExternalSubscriptionID: lo.ToPtr("sub_stale"),
		Status:                 types.SubscriptionStatusActive,
		ExpiresAt:              time.Now().Add(-24 * time.Hour),
	}
	require.NoError(t, gdb.Create(stale).Error)

	res, err := svc.CreateCheckout(ctx, &Request{UserID: "u1", Plan: types.PlanMonthly})
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionURL)
	assert.Equal(t, []string{"sub_stale"}, proc.retrieved)
	assert.Equal(t, []string{"sub_stale"}, proc.cancelled)

	var count int64
	require.NoError(t, gdb.Model(&models.SubscriptionEntry{}).Where("id = ?", stale.ID).Count(&count).Error)
	assert.Zero(t, count, "stale upstream-backed entry is removed from the ledger")
}

func TestCreateCheckoutSkipsCancelWhenUpstreamAlreadyCancelled(t *testing.T) {
	svc, _, proc, gdb := newTestService(t)
	ctx := context.Background()
	proc.retrieveSub = &stripe.Subscription{
		ID:     "sub_stale",
		Status: stripe.SubscriptionStatusCanceled,
	}

	stale := &models.SubscriptionEntry{
		ID:                     tool.GenerateUUIDV7(),
		UserID:                 "u1",
		Plan:                   types.PlanMonthly,
		ExternalSubscriptionID: lo.ToPtr("sub_stale"),
		Status:                 types.SubscriptionStatusActive,
		ExpiresAt:              time.Now().Add(-24 * time.Hour),
	}
	require.NoError(t, gdb.Create(stale).Error)

	_, err := svc.CreateCheckout(ctx, &Request{UserID: "u1", Plan: types.PlanMonthly})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_stale"}, proc.retrieved)
	assert.Empty(t, proc.cancelled, "upstream already settled, no cancel call")

	var count int64
	require.NoError(t, gdb.Model(&models.SubscriptionEntry{}).Where("id = ?", stale.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateCheckoutExpiresStalePass(t *testing.T) {
	svc, _, proc, gdb := newTestService(t)
	ctx := context.Background()

	stale := &models.SubscriptionEntry{
		ID:        tool.GenerateUUIDV7(),
		UserID:    "u1",
		Plan:      types.PlanWeekly,
		Status:    types.SubscriptionStatusActive,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, gdb.Create(stale).Error)

	_, err := svc.CreateCheckout(ctx, &Request{UserID: "u1", Plan: types.PlanWeekly})
	require.NoError(t, err)
	assert.Empty(t, proc.cancelled)

	var updated models.SubscriptionEntry
	require.NoError(t, gdb.Where("id = ?", stale.ID).First(&updated).Error)
	assert.Equal(t, types.SubscriptionStatusExpired, updated.Status)
}

func TestCreateCheckoutEnforcesEligibility(t *testing.T) {
	svc, subs, proc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateCheckout(ctx, &Request{UserID: "u1", Plan: types.PlanMentorship})
	assert.ErrorIs(t, err, pricing.ErrNotEligible)
	assert.Zero(t, proc.sessions)

	_, err = subs.InsertPassEntry(ctx, "u1", types.PlanMonthly, time.Now().Add(30*24*time.Hour))
	require.NoError(t, err)

	res, err := svc.CreateCheckout(ctx, &Request{UserID: "u1", Plan: types.PlanMentorship})
	require.NoError(t, err)
	assert.Equal(t, "cs_test", res.SessionID)
}

func TestQuoteDeferredSurcharge(t *testing.T) {
	svc, subs, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := subs.InsertPassEntry(ctx, "u1", types.PlanMonthly, time.Now().Add(30*24*time.Hour))
	require.NoError(t, err)

	q, err := svc.Quote(ctx, "u1", types.PlanMentorship, types.PaymentMethodDeferred)
	require.NoError(t, err)
	assert.EqualValues(t, 53220, q.Final)
}

func TestUnknownPlanRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.CreateCheckout(context.Background(), &Request{UserID: "u1", Plan: types.PlanID("platinum")})
	assert.Error(t, err)
}
