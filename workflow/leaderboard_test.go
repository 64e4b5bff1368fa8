package workflow

import (
	"reflect"
	"testing"

	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/shopspring/decimal"
)

func item(productId string, qty int, price string) models.SaleItem {
	return models.SaleItem{
		ProductId: productId,
		Name:      "product " + productId,
		Qty:       qty,
		Price:     decimal.RequireFromString(price),
	}
}

func TestLeaderboard_TopFiveRankingAndEviction(t *testing.T) {
	summary := models.NewDailySummary("store-1", "2024-03-02")

	// First sale: a sells 2 units for $60 total, b sells 1 unit for $60.
	MergeSaleIntoLeaderboard(summary, []models.SaleItem{
		item("a", 2, "30"),
		item("b", 1, "60"),
	})
	// Second sale pushes six more products through the board.
	MergeSaleIntoLeaderboard(summary, []models.SaleItem{
		item("a", 1, "40"),
		item("c", 4, "10"),
		item("d", 5, "5"),
		item("e", 2, "20"),
		item("f", 3, "15"),
		item("g", 6, "3"),
	})

	wantOrder := []string{"g", "d", "c", "a", "f"}
	if !reflect.DeepEqual([]string(summary.ProductStatsOrder), wantOrder) {
		t.Fatalf("order = %v, want %v", summary.ProductStatsOrder, wantOrder)
	}
	if len(summary.ProductStats) != models.TopProductsLimit {
		t.Fatalf("stats size = %d, want %d", len(summary.ProductStats), models.TopProductsLimit)
	}
	for _, evicted := range []string{"b", "e"} {
		if _, ok := summary.ProductStats[evicted]; ok {
			t.Fatalf("product %q should have been evicted", evicted)
		}
	}

	a := summary.ProductStats["a"]
	if a.UnitsSold != 3 {
		t.Fatalf("a units = %d, want 3", a.UnitsSold)
	}
	if !a.Revenue.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("a revenue = %s, want 100", a.Revenue)
	}
}

func TestLeaderboard_UnitsTieBrokenByRevenue(t *testing.T) {
	summary := models.NewDailySummary("store-1", "2024-03-02")
	MergeSaleIntoLeaderboard(summary, []models.SaleItem{
		item("cheap", 3, "1"),
		item("dear", 3, "10"),
	})
	want := []string{"dear", "cheap"}
	if !reflect.DeepEqual([]string(summary.ProductStatsOrder), want) {
		t.Fatalf("order = %v, want %v", summary.ProductStatsOrder, want)
	}
}

func TestLeaderboard_EvictedProductRestartsFromZero(t *testing.T) {
	summary := models.NewDailySummary("store-1", "2024-03-02")
	MergeSaleIntoLeaderboard(summary, []models.SaleItem{
		item("a", 10, "1"), item("b", 9, "1"), item("c", 8, "1"),
		item("d", 7, "1"), item("e", 6, "1"), item("f", 1, "1"),
	})
	if _, ok := summary.ProductStats["f"]; ok {
		t.Fatalf("f should be evicted while off the board")
	}

	// f sells again: its earlier unit is gone, the tally restarts.
	MergeSaleIntoLeaderboard(summary, []models.SaleItem{item("f", 9, "1")})
	f, ok := summary.ProductStats["f"]
	if !ok {
		t.Fatalf("f should be back on the board")
	}
	if f.UnitsSold != 9 {
		t.Fatalf("f units = %d, want 9 (restart after eviction)", f.UnitsSold)
	}
}

func TestLeaderboard_NegativeQtyCountsByMagnitude(t *testing.T) {
	summary := models.NewDailySummary("store-1", "2024-03-02")
	MergeSaleIntoLeaderboard(summary, []models.SaleItem{item("a", -4, "2")})
	a := summary.ProductStats["a"]
	if a.UnitsSold != 4 {
		t.Fatalf("a units = %d, want 4", a.UnitsSold)
	}
}
