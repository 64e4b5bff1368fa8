package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID      string `gorm:"size:64;primary_key" json:"id"`
	StoreId string `gorm:"size:64;not null;index:idx_products_store,priority:1" json:"store_id"`
	Name    string `gorm:"size:255;not null" json:"name"`

	Price decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`

	// StockCount is only mutated inside a commit transaction (sale/receipt).
	// Negative values are possible: sale commits do not floor-check (the
	// ledger remains the source of truth for reconciling real counts).
	StockCount       int `gorm:"not null;default:0" json:"stock_count"`
	ReorderThreshold int `gorm:"not null;default:0" json:"reorder_threshold"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
