package workflow

import (
	"fmt"
	"time"

	"github.com/mmdatafocus/retailops_backend/models"
)

// Activity rows are written inside the same transaction as the summary merge
// so the feed and the counters never disagree.

func saleActivity(storeId string, dateKey string, sale *models.Sale, at time.Time) *models.ActivityEntry {
	units := 0
	for _, item := range sale.Items {
		qty := item.Qty
		if qty < 0 {
			qty = -qty
		}
		units += qty
	}
	return &models.ActivityEntry{
		StoreId: storeId,
		DateKey: dateKey,
		Type:    models.ActivityTypeSale,
		RefId:   sale.ID,
		Summary: fmt.Sprintf("Sale of %d unit(s) for %s", units, sale.Total.StringFixed(2)),
		At:      at,
	}
}

func receiptActivity(storeId string, dateKey string, receipt *models.Receipt, at time.Time) *models.ActivityEntry {
	return &models.ActivityEntry{
		StoreId: storeId,
		DateKey: dateKey,
		Type:    models.ActivityTypeReceipt,
		RefId:   receipt.ID,
		Summary: fmt.Sprintf("Received %d unit(s) from %s", receipt.Qty, receipt.Supplier),
		At:      at,
	}
}

func customerActivity(storeId string, dateKey string, customer *models.Customer, at time.Time) *models.ActivityEntry {
	return &models.ActivityEntry{
		StoreId: storeId,
		DateKey: dateKey,
		Type:    models.ActivityTypeCustomer,
		RefId:   customer.ID,
		Summary: "New customer " + customer.Name,
		At:      at,
	}
}
