package models

import (
	"time"

	"github.com/coursekit/billing/pkg/types"
)

// SubscriptionHistory is the append-only transition audit trail.
// Use case: troubleshooting and support.
type SubscriptionHistory struct {
	ID           string              `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string              `gorm:"column:user_id;type:varchar(64);not null;index:idx_history_user_id,priority:1" json:"user_id"`
	Plan         types.PlanID        `gorm:"column:plan;type:varchar(64);not null" json:"plan"`
	PreviousPlan *types.PlanID       `gorm:"column:previous_plan;type:varchar(64)" json:"previous_plan"`
	Action       types.HistoryAction `gorm:"column:action;type:varchar(32);not null" json:"action"`
	// Price is in the currency's minor unit.
	Price          int64      `gorm:"column:price;type:bigint;not null;default:0" json:"price"`
	EffectiveDate  time.Time  `gorm:"column:effective_date;not null" json:"effective_date"`
	ExpirationDate *time.Time `gorm:"column:expiration_date;default:null" json:"expiration_date"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (SubscriptionHistory) TableName() string {
	return "subscription_history"
}
