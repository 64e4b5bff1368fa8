package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/retailops_backend/utils"
)

type Customer struct {
	ID      string `gorm:"size:64;primary_key" json:"id"`
	StoreId string `gorm:"size:64;not null;index:idx_customers_store_created,priority:1" json:"store_id"`
	Name    string `gorm:"size:255;not null" json:"name"`
	Email   string `gorm:"size:255" json:"email"`
	Phone   string `gorm:"size:64" json:"phone"`

	CreatedAt time.Time `gorm:"index:idx_customers_store_created,priority:2" json:"created_at"`
}

type NewCustomer struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"omitempty,email"`
	Phone string `json:"phone"`
}

func (input *NewCustomer) Validate(ctx context.Context, storeId string) error {
	if storeId == "" {
		return utils.InvalidArgument("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.InvalidArgument(err.Error())
	}
	return nil
}
