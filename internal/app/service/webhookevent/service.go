package webhookevent

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursekit/billing/internal/models"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/tool"
)

// Begin is the outcome of BeginProcessing.
type Begin int

const (
	// BeginFresh means this request owns the event and must process it.
	BeginFresh Begin = iota
	// BeginAlreadyProcessed means another delivery got there first; the
	// caller must short-circuit with a success response.
	BeginAlreadyProcessed
)

// Service is the idempotency ledger over WebhookEvent records. The
// unique-constraint insert in BeginProcessing is the synchronization point
// for concurrent deliveries of the same event id.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	// stuckAfter is how long a record may sit in RECEIVED or PROCESSING
	// before a redelivery or the sweeper may reclaim it.
	stuckAfter time.Duration
}

func New(db *gorm.DB, log *zap.SugaredLogger, stuckAfter time.Duration) *Service {
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &Service{db: db, log: log, stuckAfter: stuckAfter}
}

// BeginProcessing atomically inserts a RECEIVED record for eventID. On
// conflict, FAILED records are reclaimed immediately, and PROCESSING or
// RECEIVED records older than the stuck timeout are reclaimed too
// (redelivery is the recovery path for all three); everything else
// short-circuits as already processed.
func (s *Service) BeginProcessing(ctx context.Context, eventID, eventType string, payload []byte) (Begin, error) {
	rec := &models.WebhookEvent{
		ID:              tool.GenerateUUIDV7(),
		ExternalEventID: eventID,
		EventType:       eventType,
		Status:          models.WebhookEventStatusReceived,
		Payload:         payload,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_event_id"}},
			DoNothing: true,
		}).
		Create(rec)
	if res.Error != nil {
		return BeginAlreadyProcessed, fmt.Errorf("failed to insert webhook event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return BeginFresh, nil
	}

	var existing models.WebhookEvent
	if err := s.db.WithContext(ctx).
		Where("external_event_id = ?", eventID).
		First(&existing).Error; err != nil {
		return BeginAlreadyProcessed, fmt.Errorf("failed to load webhook event: %w", err)
	}

	switch existing.Status {
	case models.WebhookEventStatusFailed:
		return s.reclaim(ctx, eventID, existing.Status)
	case models.WebhookEventStatusProcessing:
		if time.Since(existing.UpdatedAt) > s.stuckAfter {
			logctx.FromCtx(ctx, s.log).Warnw("reclaiming stuck webhook event",
				"event_id", eventID, "stuck_since", existing.UpdatedAt)
			return s.reclaim(ctx, eventID, existing.Status)
		}
		return BeginAlreadyProcessed, nil
	case models.WebhookEventStatusReceived:
		// A fresh RECEIVED record belongs to the delivery that just won the
		// insert. One stalled past the stuck timeout was orphaned between
		// the insert and MarkProcessing (crash, or the transition itself
		// failed) and must be reclaimable like stuck PROCESSING, or the
		// event is lost for good.
		if time.Since(existing.UpdatedAt) > s.stuckAfter {
			logctx.FromCtx(ctx, s.log).Warnw("reclaiming stalled webhook event",
				"event_id", eventID, "stalled_since", existing.UpdatedAt)
			return s.reclaimReceived(ctx, eventID)
		}
		return BeginAlreadyProcessed, nil
	default:
		// PROCESSED, IGNORED.
		return BeginAlreadyProcessed, nil
	}
}

// reclaim flips the record back to RECEIVED with a status CAS so only one
// of several concurrent redeliveries wins.
func (s *Service) reclaim(ctx context.Context, eventID string, from models.WebhookEventStatus) (Begin, error) {
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("external_event_id = ? AND status = ?", eventID, from).
		Updates(map[string]any{
			"status":        models.WebhookEventStatusReceived,
			"error_message": nil,
		})
	if res.Error != nil {
		return BeginAlreadyProcessed, fmt.Errorf("failed to reclaim webhook event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return BeginFresh, nil
	}
	return BeginAlreadyProcessed, nil
}

// reclaimReceived re-arms a record stalled in RECEIVED. The status does
// not change, so it cannot serve as the CAS pivot; the staleness window
// does instead: bumping updated_at means only one of several concurrent
// redeliveries crosses it.
func (s *Service) reclaimReceived(ctx context.Context, eventID string) (Begin, error) {
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("external_event_id = ? AND status = ? AND updated_at < ?",
			eventID, models.WebhookEventStatusReceived, time.Now().Add(-s.stuckAfter)).
		Update("updated_at", time.Now())
	if res.Error != nil {
		return BeginAlreadyProcessed, fmt.Errorf("failed to reclaim webhook event: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return BeginFresh, nil
	}
	return BeginAlreadyProcessed, nil
}

// MarkProcessing transitions RECEIVED -> PROCESSING. Safe to call twice.
func (s *Service) MarkProcessing(ctx context.Context, eventID string) error {
	return s.transition(ctx, eventID, models.WebhookEventStatusProcessing, map[string]any{
		"status": models.WebhookEventStatusProcessing,
	}, models.WebhookEventStatusReceived, models.WebhookEventStatusProcessing)
}

// MarkProcessed finalizes the record. A PROCESSED record is immutable.
func (s *Service) MarkProcessed(ctx context.Context, eventID string) error {
	return s.transition(ctx, eventID, models.WebhookEventStatusProcessed, map[string]any{
		"status":       models.WebhookEventStatusProcessed,
		"processed_at": lo.ToPtr(time.Now()),
	}, models.WebhookEventStatusProcessing, models.WebhookEventStatusReceived)
}

// MarkFailed captures the handler error on the record so redelivery can
// retry and operators can alert on FAILED rows.
func (s *Service) MarkFailed(ctx context.Context, eventID string, handlerErr error) error {
	msg := ""
	if handlerErr != nil {
		msg = handlerErr.Error()
	}
	return s.transition(ctx, eventID, models.WebhookEventStatusFailed, map[string]any{
		"status":        models.WebhookEventStatusFailed,
		"error_message": lo.ToPtr(msg),
	}, models.WebhookEventStatusProcessing, models.WebhookEventStatusReceived)
}

// MarkIgnored records that no handler is registered for the event type.
func (s *Service) MarkIgnored(ctx context.Context, eventID string) error {
	return s.transition(ctx, eventID, models.WebhookEventStatusIgnored, map[string]any{
		"status": models.WebhookEventStatusIgnored,
	}, models.WebhookEventStatusReceived, models.WebhookEventStatusProcessing)
}

func (s *Service) transition(ctx context.Context, eventID string, to models.WebhookEventStatus, updates map[string]any, from ...models.WebhookEventStatus) error {
	res := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("external_event_id = ? AND status IN ?", eventID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to mark webhook event %s: %w", to, res.Error)
	}
	if res.RowsAffected == 0 {
		// Already in the target (double call) or finalized by someone else.
		logctx.FromCtx(ctx, s.log).Debugw("webhook event transition skipped",
			"event_id", eventID, "to", to)
	}
	return nil
}

// ListStuck returns RECEIVED and PROCESSING records untouched since
// before cutoff. A crash anywhere between BeginProcessing and
// MarkProcessed leaves records in one of the two; they are re-drive
// candidates, never already-done.
func (s *Service) ListStuck(ctx context.Context, cutoff time.Time) ([]*models.WebhookEvent, error) {
	var recs []*models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.WebhookEventStatus{models.WebhookEventStatusReceived, models.WebhookEventStatusProcessing},
			cutoff).
		Order("updated_at asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck webhook events: %w", err)
	}
	return recs, nil
}

// ListByStatus serves the admin alerting view.
func (s *Service) ListByStatus(ctx context.Context, status models.WebhookEventStatus, limit int) ([]*models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []*models.WebhookEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	return recs, nil
}

// StuckAfter exposes the reclaim timeout for the sweeper.
func (s *Service) StuckAfter() time.Duration {
	return s.stuckAfter
}
