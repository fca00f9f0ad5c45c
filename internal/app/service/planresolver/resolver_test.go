package planresolver

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursekit/billing/internal/platform/db"
	"github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/types"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	cfg := &config.Config{Env: types.EnvironmentDev, Plans: config.DefaultPlans()}
	return New(gdb, cfg, zap.NewNop().Sugar())
}

func TestResolveFromCatalog(t *testing.T) {
	r := newTestResolver(t)
	plan, err := r.Resolve(context.Background(), "price_dev_weekly")
	require.NoError(t, err)
	assert.Equal(t, types.PlanWeekly, plan)
}

func TestResolveIsEnvironmentScoped(t *testing.T) {
	r := newTestResolver(t)
	// Production price ids are invisible to a dev resolver.
	_, err := r.Resolve(context.Background(), "price_prod_weekly")
	assert.ErrorIs(t, err, ErrUnmappedPrice)
}

func TestResolveUnmappedPrice(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "price_brand_new")
	assert.ErrorIs(t, err, ErrUnmappedPrice)

	_, err = r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnmappedPrice)
}

func TestMappingTableTakesPrecedence(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, r.AddMapping(ctx, "price_dev_weekly", types.PlanMonthly))
	plan, err := r.Resolve(ctx, "price_dev_weekly")
	require.NoError(t, err)
	assert.Equal(t, types.PlanMonthly, plan)

	// A newer version supersedes without touching the old row.
	require.NoError(t, r.AddMapping(ctx, "price_dev_weekly", types.PlanYearly))
	plan, err = r.Resolve(ctx, "price_dev_weekly")
	require.NoError(t, err)
	assert.Equal(t, types.PlanYearly, plan)
}

func TestAddMappingUnlocksNewPrice(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "price_campaign_2026")
	require.ErrorIs(t, err, ErrUnmappedPrice)

	require.NoError(t, r.AddMapping(ctx, "price_campaign_2026", types.PlanMonthly))
	plan, err := r.Resolve(ctx, "price_campaign_2026")
	require.NoError(t, err)
	assert.Equal(t, types.PlanMonthly, plan)
}
