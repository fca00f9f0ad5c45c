package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/coursekit/billing/pkg/types"
)

// SubscriptionEntry is one granted access period for a user and plan.
// Entries driven by a processor subscription carry ExternalSubscriptionID
// (unique across all users); fixed-duration passes leave it nil.
//
// The partial unique index uniq_subscription_entry_active_plan (created in
// platform/db) enforces at most one active entry per (user_id, plan).
type SubscriptionEntry struct {
	ID                     string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID                 string                   `gorm:"column:user_id;type:varchar(64);not null;index:idx_entry_user_plan,priority:1" json:"user_id"`
	Plan                   types.PlanID             `gorm:"column:plan;type:varchar(64);not null;index:idx_entry_user_plan,priority:2" json:"plan"`
	ExternalSubscriptionID *string                  `gorm:"column:external_subscription_id;type:varchar(128);uniqueIndex" json:"external_subscription_id"`
	Status                 types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	// CurrentPeriodEnd mirrors the processor's paid-through timestamp.
	CurrentPeriodEnd *time.Time `gorm:"column:current_period_end;default:null" json:"current_period_end"`
	// ExpiresAt is when access lapses. Cancellation keeps it at the end of
	// the paid period rather than revoking immediately.
	ExpiresAt time.Time      `gorm:"column:expires_at;not null" json:"expires_at"`
	Extra     datatypes.JSON `gorm:"column:extra;type:jsonb;default:'{}'" json:"extra"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (SubscriptionEntry) TableName() string {
	return "subscription_entry"
}

// Valid reports whether the entry still grants access at ts. Cancelled
// entries stay valid until their expiry (cooperative cutoff).
func (e *SubscriptionEntry) Valid(ts time.Time) bool {
	if e == nil {
		return false
	}
	if e.Status == types.SubscriptionStatusExpired {
		return false
	}
	return e.ExpiresAt.After(ts)
}

// Blocking reports whether the entry must block a new checkout for its
// plan: still within its validity window and not cancelled.
func (e *SubscriptionEntry) Blocking(ts time.Time) bool {
	return e.Valid(ts) && e.Status != types.SubscriptionStatusCancelled
}
