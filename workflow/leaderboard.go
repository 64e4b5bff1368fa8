package workflow

import (
	"sort"

	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/shopspring/decimal"
)

// MergeSaleIntoLeaderboard folds a sale's line items into the summary's
// top-products block and re-ranks it. Only the top models.TopProductsLimit
// products are retained; evicted products lose their tallies and start from
// zero if they sell again later the same day.
func MergeSaleIntoLeaderboard(summary *models.DailySummary, items []models.SaleItem) {
	if summary.ProductStats == nil {
		summary.ProductStats = make(models.ProductStatsMap)
	}
	for _, item := range items {
		stat := summary.ProductStats[item.ProductId]
		if stat.Name == "" {
			stat.Name = item.Name
		}
		qty := item.Qty
		if qty < 0 {
			qty = -qty
		}
		stat.UnitsSold += qty
		stat.Revenue = stat.Revenue.Add(item.Price.Mul(decimal.NewFromInt(int64(qty))))
		summary.ProductStats[item.ProductId] = stat
	}
	trimLeaderboard(summary)
}

// trimLeaderboard orders by units sold desc, revenue desc, then product id
// for a stable tie-break, and drops everything past the display limit.
func trimLeaderboard(summary *models.DailySummary) {
	ids := make([]string, 0, len(summary.ProductStats))
	for id := range summary.ProductStats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := summary.ProductStats[ids[i]], summary.ProductStats[ids[j]]
		if a.UnitsSold != b.UnitsSold {
			return a.UnitsSold > b.UnitsSold
		}
		if !a.Revenue.Equal(b.Revenue) {
			return a.Revenue.GreaterThan(b.Revenue)
		}
		return ids[i] < ids[j]
	})

	if len(ids) > models.TopProductsLimit {
		for _, id := range ids[models.TopProductsLimit:] {
			delete(summary.ProductStats, id)
		}
		ids = ids[:models.TopProductsLimit]
	}
	summary.ProductStatsOrder = models.StringList(ids)
}
