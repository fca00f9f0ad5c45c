package transactionledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursekit/billing/internal/models"
	"github.com/coursekit/billing/pkg/logctx"
	"github.com/coursekit/billing/pkg/tool"
	"github.com/coursekit/billing/pkg/types"
)

// Outcome reports whether Record inserted a new row.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeAlreadyExists
)

// RecordFields is the payload of a new transaction row.
type RecordFields struct {
	UserID          *string
	Plan            types.PlanID
	Type            types.TransactionType
	BillingCycle    types.BillingCycle
	Status          types.TransactionStatus
	Amount          int64
	DiscountApplied int64
	Currency        string
	Metadata        map[string]any
}

// Service is the append-only money-movement ledger, deduplicated by the
// processor's payment identifier.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Record inserts a transaction keyed by externalPaymentKey. The dedup
// check and the insert are one statement (insert-or-nothing on the unique
// key), so concurrent duplicate deliveries cannot both create a row.
func (s *Service) Record(ctx context.Context, externalPaymentKey string, f RecordFields) (Outcome, error) {
	if externalPaymentKey == "" {
		return OutcomeAlreadyExists, fmt.Errorf("empty external payment key")
	}
	meta := f.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	txn := &models.Transaction{
		ID:                 tool.GenerateUUIDV7(),
		ExternalPaymentKey: externalPaymentKey,
		UserID:             f.UserID,
		Plan:               f.Plan,
		Type:               f.Type,
		BillingCycle:       f.BillingCycle,
		Status:             f.Status,
		Amount:             f.Amount,
		DiscountApplied:    f.DiscountApplied,
		Currency:           f.Currency,
		Metadata:           datatypes.JSONMap(meta),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_payment_key"}},
			DoNothing: true,
		}).
		Create(txn)
	if res.Error != nil {
		return OutcomeAlreadyExists, fmt.Errorf("failed to record transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		logctx.FromCtx(ctx, s.log).Infow("duplicate payment key, transaction not recorded",
			"external_payment_key", externalPaymentKey)
		return OutcomeAlreadyExists, nil
	}
	return OutcomeCreated, nil
}

// ApplyRefund updates refund bookkeeping on an existing transaction,
// dedup-guarded by refund id: replaying the same refund id is a no-op.
// refundedAmount is the processor's cumulative refunded total.
func (s *Service) ApplyRefund(ctx context.Context, externalPaymentKey, refundID string, refundedAmount int64, fullyRefunded bool) error {
	if refundID == "" {
		return fmt.Errorf("empty refund id")
	}
	status := types.TransactionStatusPartiallyRefunded
	if fullyRefunded {
		status = types.TransactionStatusRefunded
	}
	res := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("external_payment_key = ? AND (refund_id IS NULL OR refund_id <> ?)", externalPaymentKey, refundID).
		Updates(map[string]any{
			"refund_id":       refundID,
			"refunded_amount": refundedAmount,
			"status":          status,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to apply refund: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		txn, err := s.ByExternalPaymentKey(ctx, externalPaymentKey)
		if err != nil {
			return err
		}
		if txn == nil {
			logctx.FromCtx(ctx, s.log).Errorw("refund for unknown payment",
				"external_payment_key", externalPaymentKey, "refund_id", refundID)
			return nil
		}
		// Same refund id replayed; nothing to do.
		logctx.FromCtx(ctx, s.log).Infow("duplicate refund ignored",
			"external_payment_key", externalPaymentKey, "refund_id", refundID)
	}
	return nil
}

func (s *Service) ByExternalPaymentKey(ctx context.Context, key string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.WithContext(ctx).
		Where("external_payment_key = ?", key).
		First(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &txn, nil
}

// filtersAnd combines multiple CommonFilter into a single clause.Expression
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	if len(w.filters) == 0 {
		builder.WriteString("1=1")
		return
	}
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		exprs = append(exprs, f)
	}
	clause.And(exprs...).Build(builder)
}

type ScanRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanResponse struct {
	Items []*models.Transaction `json:"items"`
	Total int64                 `json:"total"`
}

// Scan implements the paginated/filtered admin listing.
func (s *Service) Scan(ctx context.Context, req *ScanRequest) (*ScanResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if req.Size <= 0 {
		req.Size = 10
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.Transaction{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	q := tx.Limit(req.Size)
	if req.From > 0 {
		q = q.Offset(req.From)
	}
	if req.SortBy != "" {
		q = q.Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: req.SortBy}, Desc: req.SortOrder != "asc"}}})
	}

	var rows []*models.Transaction
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return &ScanResponse{Items: rows, Total: total}, nil
}
