package models

import (
	"log"

	"github.com/mmdatafocus/retailops_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Store{}, &Product{}, &Customer{},
		&Sale{}, &SaleItem{}, &Receipt{}, &Closeout{},
		&LedgerEntry{},
		&DailySummary{}, &ActivityEntry{},
		&DomainEventRecord{}, &IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
