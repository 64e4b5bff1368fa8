package models

import "time"

// ActivityEntry is an append-only feed row shown on the store dashboard.
// StoreId and DateKey can arrive empty from older writers; the nightly
// reconciliation deletes entries with no store and backfills missing date
// keys from At and the store timezone.
type ActivityEntry struct {
	ID      int          `gorm:"primary_key;AUTO_INCREMENT" json:"id"`
	StoreId string       `gorm:"size:64;index:idx_act_store_date,priority:1" json:"store_id"`
	DateKey string       `gorm:"size:10;index:idx_act_store_date,priority:2" json:"date_key"`
	Type    ActivityType `gorm:"size:20;not null" json:"type"`
	RefId   string       `gorm:"size:64;not null" json:"ref_id"`
	Summary string       `gorm:"size:255;not null" json:"summary"`
	At      time.Time    `gorm:"not null" json:"at"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
