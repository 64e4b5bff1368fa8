package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/shopspring/decimal"
)

// TenderMap holds amount-per-tender ("cash": 20.00, "card": 14.50) as a JSON
// column. Offline clients send either this map or a single payment method.
type TenderMap map[string]decimal.Decimal

func (m TenderMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *TenderMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported tender map column type")
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Sale is immutable once committed. The id is the caller-supplied idempotency
// key: a duplicate submission (offline-queue retry) must fail AlreadyExists.
type Sale struct {
	ID         string `gorm:"size:64;primary_key" json:"id"`
	StoreId    string `gorm:"size:64;not null;index:idx_sales_store_created,priority:1" json:"store_id"`
	BranchId   string `gorm:"size:64" json:"branch_id"`
	CashierId  string `gorm:"size:64" json:"cashier_id"`
	CustomerId string `gorm:"size:64" json:"customer_id"`

	SubTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sub_total"`
	TaxTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_total"`
	Total    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`

	// Exactly one of PaymentMethod / Tender carries the payment split.
	PaymentMethod string    `gorm:"size:20" json:"payment_method"`
	Tender        TenderMap `gorm:"type:json" json:"tender"`

	Items []SaleItem `gorm:"foreignKey:SaleId;references:ID" json:"items"`

	CreatedAt time.Time `gorm:"index:idx_sales_store_created,priority:2" json:"created_at"`
}

type SaleItem struct {
	ID        int    `gorm:"primary_key" json:"id"`
	SaleId    string `gorm:"size:64;not null;index" json:"sale_id"`
	StoreId   string `gorm:"size:64;not null;index" json:"store_id"`
	ProductId string `gorm:"size:64;not null;index" json:"product_id"`
	Name      string `gorm:"size:255" json:"name"`

	Qty     int             `gorm:"not null" json:"qty"`
	Price   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	TaxRate decimal.Decimal `gorm:"type:decimal(10,4);default:0" json:"tax_rate"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Revenue is the line's contribution to leaderboard revenue (price × qty).
func (i SaleItem) Revenue() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Qty)))
}

type NewSaleItem struct {
	ProductId string          `json:"product_id" binding:"required"`
	Name      string          `json:"name"`
	Qty       int             `json:"qty" binding:"required"`
	Price     decimal.Decimal `json:"price"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
}

type NewSaleTotals struct {
	SubTotal decimal.Decimal `json:"sub_total"`
	TaxTotal decimal.Decimal `json:"tax_total"`
	Total    decimal.Decimal `json:"total"`
}

type NewSalePayment struct {
	Method string                     `json:"method"`
	Tender map[string]decimal.Decimal `json:"tender"`
}

type NewSale struct {
	SaleId     string         `json:"sale_id" binding:"required"`
	BranchId   string         `json:"branch_id"`
	CashierId  string         `json:"cashier_id"`
	CustomerId string         `json:"customer_id"`
	Items      []NewSaleItem  `json:"items" binding:"required,min=1,dive"`
	Totals     NewSaleTotals  `json:"totals"`
	Payment    NewSalePayment `json:"payment"`
}

// Validate guards the transaction boundary: nothing is written unless the
// input is well-formed and carries the tenant id.
func (input *NewSale) Validate(ctx context.Context, storeId string) error {
	if input.SaleId == "" {
		return utils.InvalidArgument("sale id is required")
	}
	if storeId == "" {
		return utils.InvalidArgument("store id is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.InvalidArgument(err.Error())
	}
	return nil
}
