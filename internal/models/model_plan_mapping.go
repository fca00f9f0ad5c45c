package models

import (
	"time"

	"github.com/coursekit/billing/pkg/types"
)

// PlanMapping maps an external price id to an internal plan for one
// environment. Mappings are versioned; the highest active version wins.
// Operators insert a new version instead of editing rows in place.
type PlanMapping struct {
	ID              string            `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Environment     types.Environment `gorm:"column:environment;type:varchar(16);not null;uniqueIndex:uniq_plan_mapping,priority:1" json:"environment"`
	ExternalPriceID string            `gorm:"column:external_price_id;type:varchar(128);not null;uniqueIndex:uniq_plan_mapping,priority:2" json:"external_price_id"`
	Version         int               `gorm:"column:version;not null;uniqueIndex:uniq_plan_mapping,priority:3" json:"version"`
	PlanID          types.PlanID      `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	Active          bool              `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (PlanMapping) TableName() string {
	return "plan_mapping"
}
