package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TopProductsLimit bounds the per-summary leaderboard. Full history stays
// recoverable from sale_items / ledger_entries.
const TopProductsLimit = 5

// ProductStat is one leaderboard entry inside a summary document.
type ProductStat struct {
	Name      string          `json:"name"`
	UnitsSold int             `json:"units_sold"`
	Revenue   decimal.Decimal `json:"revenue"`
}

// ProductStatsMap is a JSON column keyed by product id.
type ProductStatsMap map[string]ProductStat

func (m ProductStatsMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *ProductStatsMap) Scan(value any) error {
	return scanJSONColumn(value, m)
}

// StringList is a JSON column holding an ordered list of product ids.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value any) error {
	return scanJSONColumn(value, l)
}

func scanJSONColumn(value any, dest any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("unsupported json column type")
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

// DailySummary is the per-store-per-day dashboard aggregate.
//
// Grain: (store_id, date_key), id = "{storeId}_{YYYY-MM-DD}".
// Scalar counters are merged incrementally by the aggregator and recomputed
// wholesale by the nightly reconciliation sweep. The leaderboard fields are
// real-time-only: the sweep carries them over untouched.
//
// NOTE: this document is derived data and can always be rebuilt from the
// source collections.
type DailySummary struct {
	ID      string `gorm:"size:80;primary_key" json:"id"`
	StoreId string `gorm:"size:64;not null;index:idx_ds_store_date,priority:1" json:"store_id"`
	DateKey string `gorm:"size:10;not null;index:idx_ds_store_date,priority:2" json:"date_key"`

	SalesCount int             `gorm:"not null;default:0" json:"sales_count"`
	SalesTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_total"`
	CashTotal  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"cash_total"`
	CardTotal  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"card_total"`

	ReceiptsCount    int             `gorm:"not null;default:0" json:"receipts_count"`
	UnitsReceived    int             `gorm:"not null;default:0" json:"units_received"`
	ReceiptCostTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"receipt_cost_total"`

	NewCustomersCount int `gorm:"not null;default:0" json:"new_customers_count"`

	CloseoutsCount        int             `gorm:"not null;default:0" json:"closeouts_count"`
	CloseoutCountedTotal  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closeout_counted_total"`
	CloseoutExpectedTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closeout_expected_total"`
	CloseoutVarianceTotal decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"closeout_variance_total"`

	LastActivityAt *time.Time `json:"last_activity_at"`

	ProductStats      ProductStatsMap `gorm:"type:json" json:"product_stats"`
	ProductStatsOrder StringList      `gorm:"type:json" json:"product_stats_order"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func SummaryId(storeId string, dateKey string) string {
	return storeId + "_" + dateKey
}

// NewDailySummary returns an empty summary document for a store day.
func NewDailySummary(storeId string, dateKey string) *DailySummary {
	return &DailySummary{
		ID:      SummaryId(storeId, dateKey),
		StoreId: storeId,
		DateKey: dateKey,
	}
}
