package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/shopspring/decimal"
)

// Receipt records a stock intake from a supplier.
type Receipt struct {
	ID        string `gorm:"size:64;primary_key" json:"id"`
	StoreId   string `gorm:"size:64;not null;index:idx_receipts_store_created,priority:1" json:"store_id"`
	ProductId string `gorm:"size:64;not null;index" json:"product_id"`

	Qty       int    `gorm:"not null" json:"qty"`
	Supplier  string `gorm:"size:255;not null" json:"supplier"`
	Reference string `gorm:"size:255;not null" json:"reference"`

	UnitCost  *decimal.Decimal `gorm:"type:decimal(20,4)" json:"unit_cost"`
	TotalCost *decimal.Decimal `gorm:"type:decimal(20,4)" json:"total_cost"`

	CreatedAt time.Time `gorm:"index:idx_receipts_store_created,priority:2" json:"created_at"`
}

type NewReceipt struct {
	ProductId string           `json:"product_id" binding:"required"`
	Qty       int              `json:"qty" binding:"required,gt=0"`
	Supplier  string           `json:"supplier" binding:"required"`
	Reference string           `json:"reference" binding:"required"`
	UnitCost  *decimal.Decimal `json:"unit_cost"`
}

func (input *NewReceipt) Validate(ctx context.Context, storeId string) error {
	if storeId == "" {
		return utils.InvalidArgument("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.InvalidArgument(err.Error())
	}
	if input.UnitCost != nil && input.UnitCost.IsNegative() {
		return utils.InvalidArgument("unit cost must not be negative")
	}
	return nil
}

// ComputedTotalCost is round(unitCost × qty, 2); nil when unit cost was not
// supplied.
func (input *NewReceipt) ComputedTotalCost() *decimal.Decimal {
	if input.UnitCost == nil {
		return nil
	}
	total := utils.Round2(input.UnitCost.Mul(decimal.NewFromInt(int64(input.Qty))))
	return &total
}
