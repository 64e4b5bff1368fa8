package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/shopspring/decimal"
)

// Closeout is an end-of-shift register count. Consumed only by the nightly
// reconciliation sweep (closeout aggregates + cash variance).
type Closeout struct {
	ID         string `gorm:"size:64;primary_key" json:"id"`
	StoreId    string `gorm:"size:64;not null;index:idx_closeouts_store_at,priority:1" json:"store_id"`
	RegisterId string `gorm:"size:64" json:"register_id"`

	CountedTotal  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"counted_total"`
	ExpectedTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"expected_total"`

	At        time.Time `gorm:"not null;index:idx_closeouts_store_at,priority:2" json:"at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type NewCloseout struct {
	RegisterId    string          `json:"register_id"`
	CountedTotal  decimal.Decimal `json:"counted_total"`
	ExpectedTotal decimal.Decimal `json:"expected_total"`
	At            *time.Time      `json:"at"`
}

func (input *NewCloseout) Validate(ctx context.Context, storeId string) error {
	if storeId == "" {
		return utils.InvalidArgument("store id is required")
	}
	return nil
}
