package models

import (
	"time"
)

// Store is the tenant: an isolated retail business unit. Every other record
// in the system is partitioned by StoreId.
type Store struct {
	ID       string `gorm:"size:64;primary_key" json:"id"`
	Name     string `gorm:"size:255;not null" json:"name"`
	Timezone string `gorm:"size:64" json:"timezone"` // IANA identifier; empty/invalid falls back to UTC
	Currency string `gorm:"size:8;default:'USD'" json:"currency"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
