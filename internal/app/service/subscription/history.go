package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/coursekit/billing/internal/models"
	"github.com/coursekit/billing/pkg/tool"
	"github.com/coursekit/billing/pkg/types"
)

// HistoryEntry is the input to AppendHistory.
type HistoryEntry struct {
	UserID         string
	Plan           types.PlanID
	PreviousPlan   *types.PlanID
	Action         types.HistoryAction
	Price          int64
	EffectiveDate  time.Time
	ExpirationDate *time.Time
}

// AppendHistory writes one row to the append-only transition audit trail.
func (s *Service) AppendHistory(ctx context.Context, h *HistoryEntry) error {
	if h == nil {
		return fmt.Errorf("nil history entry")
	}
	effective := h.EffectiveDate
	if effective.IsZero() {
		effective = time.Now()
	}
	rec := &models.SubscriptionHistory{
		ID:             tool.GenerateUUIDV7(),
		UserID:         h.UserID,
		Plan:           h.Plan,
		PreviousPlan:   h.PreviousPlan,
		Action:         h.Action,
		Price:          h.Price,
		EffectiveDate:  effective,
		ExpirationDate: h.ExpirationDate,
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to append subscription history: %w", err)
	}
	return nil
}

// HistoryForUser lists transitions, newest first.
func (s *Service) HistoryForUser(ctx context.Context, userID string, limit int) ([]*models.SubscriptionHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*models.SubscriptionHistory
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscription history: %w", err)
	}
	return recs, nil
}
