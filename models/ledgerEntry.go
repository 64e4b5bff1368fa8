package models

import "time"

// LedgerEntry is the append-only audit trail of signed stock movements. For
// any product the sum of QtyChange reconstructs its stock deltas; nothing
// ever updates or deletes these rows.
type LedgerEntry struct {
	ID        int    `gorm:"primary_key" json:"id"`
	StoreId   string `gorm:"size:64;not null;index:idx_ledger_store_product,priority:1" json:"store_id"`
	ProductId string `gorm:"size:64;not null;index:idx_ledger_store_product,priority:2" json:"product_id"`

	QtyChange int             `gorm:"not null" json:"qty_change"` // negative for sales, positive for receipts
	Type      LedgerEntryType `gorm:"type:enum('sale','receipt');not null" json:"type"`
	RefId     string          `gorm:"size:64;not null;index" json:"ref_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
