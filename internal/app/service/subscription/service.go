package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursekit/billing/internal/models"
	cfgpkg "github.com/coursekit/billing/pkg/config"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/tool"
	"github.com/coursekit/billing/pkg/types"
)

// ErrStorageConflict means a compare-and-swap lost against a concurrent
// writer even after the internal retry.
var ErrStorageConflict = errors.New("subscription storage conflict")

// ErrEntryNotFound means no entry matches and the patch carries too little
// to insert one (typically an update event arriving before its create).
var ErrEntryNotFound = errors.New("subscription entry not found")

// Outcome reports what UpsertByExternalID did.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeInserted
	OutcomeAlreadyExists
)

// Patch is the set of fields an event may change on an entry. Nil fields
// are left untouched; the upsert never replaces whole rows.
type Patch struct {
	Plan             *types.PlanID
	Status           *types.SubscriptionStatus
	CurrentPeriodEnd *time.Time
	ExpiresAt        *time.Time
}

// Service is the authoritative subscription ledger. All writes are
// per-row conditional SQL; there is no cross-request lock.
type Service struct {
	cfg *cfgpkg.Config
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(cfg *cfgpkg.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, log: log}
}

// UpsertByExternalID applies patch to the entry matching (userID,
// externalSubscriptionID), inserting it when absent. The update is a
// conditional single-row UPDATE; the insert is guarded by the unique index
// on external_subscription_id, so two concurrent handlers for the same id
// cannot both insert. A lost race is retried once before surfacing
// ErrStorageConflict.
//
// Monotonicity: current_period_end and expires_at never move backward
// here. An inbound value earlier than stored is an out-of-order delivery;
// it is logged as an anomaly and the stored later value kept. Explicit
// cancellation/expiration transitions are the only exceptions, see
// CancelAtPeriodEnd and MarkExpired.
func (s *Service) UpsertByExternalID(ctx context.Context, userID, externalSubscriptionID string, patch Patch) (Outcome, error) {
	s.logBackwardAnomaly(ctx, externalSubscriptionID, patch)

	applied, err := s.tryPatch(ctx, userID, externalSubscriptionID, patch)
	if err != nil {
		return OutcomeApplied, err
	}
	if applied {
		return OutcomeApplied, nil
	}

	inserted, err := s.tryInsert(ctx, userID, externalSubscriptionID, patch)
	if err != nil {
		return OutcomeApplied, err
	}
	if inserted {
		return OutcomeInserted, nil
	}

	// Lost the insert race: the row exists now, retry the patch once.
	applied, err = s.tryPatch(ctx, userID, externalSubscriptionID, patch)
	if err != nil {
		return OutcomeApplied, err
	}
	if applied {
		return OutcomeApplied, nil
	}
	return OutcomeApplied, fmt.Errorf("%w: external_subscription_id=%s", ErrStorageConflict, externalSubscriptionID)
}

func (s *Service) tryPatch(ctx context.Context, userID, externalSubscriptionID string, patch Patch) (bool, error) {
	updates := map[string]any{}
	if patch.Plan != nil {
		updates["plan"] = *patch.Plan
	}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.CurrentPeriodEnd != nil {
		t := *patch.CurrentPeriodEnd
		updates["current_period_end"] = gorm.Expr(
			"CASE WHEN current_period_end IS NULL OR current_period_end < ? THEN ? ELSE current_period_end END", t, t)
	}
	if patch.ExpiresAt != nil {
		t := *patch.ExpiresAt
		updates["expires_at"] = gorm.Expr(
			"CASE WHEN expires_at < ? THEN ? ELSE expires_at END", t, t)
	}
	if len(updates) == 0 {
		return false, fmt.Errorf("empty subscription patch")
	}

	res := s.db.WithContext(ctx).Model(&models.SubscriptionEntry{}).
		Where("user_id = ? AND external_subscription_id = ?", userID, externalSubscriptionID).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to patch subscription entry: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) tryInsert(ctx context.Context, userID, externalSubscriptionID string, patch Patch) (bool, error) {
	if patch.Plan == nil || patch.ExpiresAt == nil {
		return false, fmt.Errorf("%w: user_id=%s external_subscription_id=%s", ErrEntryNotFound, userID, externalSubscriptionID)
	}
	status := types.SubscriptionStatusActive
	if patch.Status != nil {
		status = *patch.Status
	}
	entry := &models.SubscriptionEntry{
		ID:                     tool.GenerateUUIDV7(),
		UserID:                 userID,
		Plan:                   *patch.Plan,
		ExternalSubscriptionID: &externalSubscriptionID,
		Status:                 status,
		CurrentPeriodEnd:       patch.CurrentPeriodEnd,
		ExpiresAt:              *patch.ExpiresAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert subscription entry: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) logBackwardAnomaly(ctx context.Context, externalSubscriptionID string, patch Patch) {
	if patch.CurrentPeriodEnd == nil && patch.ExpiresAt == nil {
		return
	}
	existing, err := s.EntryByExternalID(ctx, externalSubscriptionID)
	if err != nil || existing == nil {
		return
	}
	if patch.CurrentPeriodEnd != nil && existing.CurrentPeriodEnd != nil &&
		patch.CurrentPeriodEnd.Before(*existing.CurrentPeriodEnd) {
		logctx.FromCtx(ctx, s.log).Warnw("out-of-order period end, keeping stored value",
			"external_subscription_id", externalSubscriptionID,
			"inbound", patch.CurrentPeriodEnd, "stored", existing.CurrentPeriodEnd)
	}
	if patch.ExpiresAt != nil && patch.ExpiresAt.Before(existing.ExpiresAt) {
		logctx.FromCtx(ctx, s.log).Warnw("out-of-order expiry, keeping stored value",
			"external_subscription_id", externalSubscriptionID,
			"inbound", patch.ExpiresAt, "stored", existing.ExpiresAt)
	}
}

// InsertPassEntry creates an entry with no external subscription id (a
// fixed-duration access pass). The partial unique index on active
// (user_id, plan) makes the insert the compare-and-swap: a concurrent
// duplicate comes back as OutcomeAlreadyExists.
func (s *Service) InsertPassEntry(ctx context.Context, userID string, plan types.PlanID, expiresAt time.Time) (Outcome, error) {
	entry := &models.SubscriptionEntry{
		ID:        tool.GenerateUUIDV7(),
		UserID:    userID,
		Plan:      plan,
		Status:    types.SubscriptionStatusActive,
		ExpiresAt: expiresAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return OutcomeAlreadyExists, nil
		}
		return OutcomeAlreadyExists, fmt.Errorf("failed to insert pass entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return OutcomeAlreadyExists, nil
	}
	return OutcomeInserted, nil
}

// CancelAtPeriodEnd marks the entry cancelled with access lapsing at the
// end of the paid period rather than immediately. This is an explicit
// transition and may move expires_at earlier than a renewal would have.
func (s *Service) CancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string, periodEnd *time.Time) error {
	entry, err := s.EntryByExternalID(ctx, externalSubscriptionID)
	if err != nil {
		return err
	}
	if entry == nil {
		logctx.FromCtx(ctx, s.log).Warnw("cancel for unknown subscription",
			"external_subscription_id", externalSubscriptionID)
		return nil
	}
	at := entry.ExpiresAt
	if periodEnd != nil && !periodEnd.IsZero() {
		at = *periodEnd
	} else if entry.CurrentPeriodEnd != nil {
		at = *entry.CurrentPeriodEnd
	}
	res := s.db.WithContext(ctx).Model(&models.SubscriptionEntry{}).
		Where("external_subscription_id = ?", externalSubscriptionID).
		Updates(map[string]any{
			"status":     types.SubscriptionStatusCancelled,
			"expires_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel subscription entry: %w", res.Error)
	}
	return nil
}

// MarkExpired is the explicit expiration transition used by the guard.
func (s *Service) MarkExpired(ctx context.Context, entryID string) error {
	return s.db.WithContext(ctx).Model(&models.SubscriptionEntry{}).
		Where("id = ?", entryID).
		Update("status", types.SubscriptionStatusExpired).Error
}

// RemoveByExternalID is one of the two deletion paths (cancellation flow
// and the reconciliation guard).
func (s *Service) RemoveByExternalID(ctx context.Context, externalSubscriptionID string) error {
	err := s.db.WithContext(ctx).
		Where("external_subscription_id = ?", externalSubscriptionID).
		Delete(&models.SubscriptionEntry{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove subscription entry: %w", err)
	}
	return nil
}

// RemoveByPlan removes all of a user's entries for plan.
func (s *Service) RemoveByPlan(ctx context.Context, userID string, plan types.PlanID) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND plan = ?", userID, plan).
		Delete(&models.SubscriptionEntry{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove subscription entries: %w", err)
	}
	return nil
}

func (s *Service) EntryByExternalID(ctx context.Context, externalSubscriptionID string) (*models.SubscriptionEntry, error) {
	var entry models.SubscriptionEntry
	err := s.db.WithContext(ctx).
		Where("external_subscription_id = ?", externalSubscriptionID).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription entry: %w", err)
	}
	return &entry, nil
}

func (s *Service) EntriesForPlan(ctx context.Context, userID string, plan types.PlanID) ([]*models.SubscriptionEntry, error) {
	var entries []*models.SubscriptionEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND plan = ?", userID, plan).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription entries: %w", err)
	}
	return entries, nil
}

func (s *Service) EntriesForUser(ctx context.Context, userID string) ([]*models.SubscriptionEntry, error) {
	var entries []*models.SubscriptionEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription entries: %w", err)
	}
	return entries, nil
}

// HoldsActivePlan reports whether userID currently holds a valid,
// non-cancelled entry for plan. Used by pricing eligibility and discounts.
func (s *Service) HoldsActivePlan(ctx context.Context, userID string, plan types.PlanID) (bool, error) {
	entries, err := s.EntriesForPlan(ctx, userID, plan)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, e := range entries {
		if e.Blocking(now) {
			return true, nil
		}
	}
	return false, nil
}
