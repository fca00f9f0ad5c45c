package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/coursekit/billing/pkg/types"
)

// Transaction is an append-only record of money movement, deduplicated by
// the processor's payment identifier. Rows are mutated only for refund
// bookkeeping.
type Transaction struct {
	ID string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	// ExternalPaymentKey is the processor-side payment identifier
	// (payment intent, invoice or session id) and the dedup key.
	ExternalPaymentKey string                  `gorm:"column:external_payment_key;type:varchar(128);not null;uniqueIndex" json:"external_payment_key"`
	UserID             *string                 `gorm:"column:user_id;type:varchar(64);index" json:"user_id"`
	Plan               types.PlanID            `gorm:"column:plan;type:varchar(64);not null" json:"plan"`
	Type               types.TransactionType   `gorm:"column:type;type:varchar(32);not null" json:"type"`
	BillingCycle       types.BillingCycle      `gorm:"column:billing_cycle;type:varchar(32)" json:"billing_cycle"`
	Status             types.TransactionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	// Amounts are in the currency's minor unit.
	Amount          int64             `gorm:"column:amount;type:bigint;not null" json:"amount"`
	DiscountApplied int64             `gorm:"column:discount_applied;type:bigint;not null;default:0" json:"discount_applied"`
	Currency        string            `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	RefundID        *string           `gorm:"column:refund_id;type:varchar(128)" json:"refund_id"`
	RefundedAmount  int64             `gorm:"column:refunded_amount;type:bigint;not null;default:0" json:"refunded_amount"`
	Metadata        datatypes.JSONMap `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transaction"
}
