package planresolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/coursekit/billing/internal/models"
	cfgpkg "github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/metrics"
	"github.com/coursekit/billing/pkg/types"
)

// ErrUnmappedPrice means a new external price was introduced without a plan
// mapping. This is an operational alert, never a silent drop: the event is
// marked FAILED with the price id and becomes retryable once the mapping
// lands.
var ErrUnmappedPrice = errors.New("external price has no plan mapping")

// Resolver maps external price ids to internal plans. Lookup order:
// versioned environment-scoped mapping table, then the configured catalog,
// then the compiled fallback table.
type Resolver struct {
	db  *gorm.DB
	cfg *cfgpkg.Config
	log *zap.SugaredLogger
}

func New(db *gorm.DB, cfg *cfgpkg.Config, log *zap.SugaredLogger) *Resolver {
	return &Resolver{db: db, cfg: cfg, log: log}
}

func (r *Resolver) Resolve(ctx context.Context, externalPriceID string) (types.PlanID, error) {
	if externalPriceID == "" {
		return "", fmt.Errorf("%w: empty price id", ErrUnmappedPrice)
	}

	var m models.PlanMapping
	err := r.db.WithContext(ctx).
		Where("environment = ? AND external_price_id = ? AND active = ?", r.cfg.Env, externalPriceID, true).
		Order("version desc").
		First(&m).Error
	switch {
	case err == nil:
		return m.PlanID, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return "", fmt.Errorf("failed to query plan mapping: %w", err)
	}

	if p := r.cfg.PlanByExternalPriceID(r.cfg.Env, externalPriceID); p != nil {
		return p.ID, nil
	}

	if id, ok := staticFallback[r.cfg.Env][externalPriceID]; ok {
		return id, nil
	}

	metrics.UnmappedPriceTotal.Inc()
	logctx.FromCtx(ctx, r.log).Errorw("unmapped external price",
		"external_price_id", externalPriceID, "env", r.cfg.Env)
	return "", fmt.Errorf("%w: %s (env %s)", ErrUnmappedPrice, externalPriceID, r.cfg.Env)
}

// AddMapping inserts a new mapping version. Operators use this instead of
// editing existing rows.
func (r *Resolver) AddMapping(ctx context.Context, externalPriceID string, plan types.PlanID) error {
	var maxVersion int
	err := r.db.WithContext(ctx).Model(&models.PlanMapping{}).
		Where("environment = ? AND external_price_id = ?", r.cfg.Env, externalPriceID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&maxVersion).Error
	if err != nil {
		return fmt.Errorf("failed to read mapping version: %w", err)
	}
	m := &models.PlanMapping{
		Environment:     r.cfg.Env,
		ExternalPriceID: externalPriceID,
		Version:         maxVersion + 1,
		PlanID:          plan,
		Active:          true,
	}
	m.ID = newMappingID()
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to insert plan mapping: %w", err)
	}
	return nil
}
