package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/repository"
	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DB-free: the aggregator runs against the in-memory repository, which gives
// the same transaction and idempotency semantics as MySQL for these paths.

func newTestAggregator(t *testing.T) (*Aggregator, *repository.MemoryRepos) {
	t.Helper()
	repos := repository.NewMemoryRepos()
	repos.SeedStore(&models.Store{ID: "store-1", Name: "Main St", Timezone: "America/New_York"})
	clock := utils.FixedClock{At: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)}
	logger := logrus.New()
	return NewAggregator(repos, clock, logger), repos
}

func saleEvent(t *testing.T, eventId string, sale *models.Sale, occurredAt time.Time) config.PubSubMessage {
	t.Helper()
	payload, err := json.Marshal(sale)
	if err != nil {
		t.Fatal(err)
	}
	return config.PubSubMessage{
		EventId:     eventId,
		StoreId:     sale.StoreId,
		EventType:   string(models.EventTypeSaleCreated),
		OccurredAt:  occurredAt,
		ReferenceId: sale.ID,
		Payload:     payload,
	}
}

func mustSummary(t *testing.T, repos *repository.MemoryRepos, storeId string, dateKey string) *models.DailySummary {
	t.Helper()
	summary, err := repos.Summaries().Get(context.Background(), storeId, dateKey)
	if err != nil {
		t.Fatalf("summary %s_%s: %v", storeId, dateKey, err)
	}
	return summary
}

func TestAggregator_SaleMergesIntoLocalDay(t *testing.T) {
	agg, repos := newTestAggregator(t)

	// 02:30 UTC on March 2nd is 21:30 March 1st in New York.
	occurredAt := time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC)
	sale := &models.Sale{
		ID:      "sale-1",
		StoreId: "store-1",
		Total:   decimal.RequireFromString("34.50"),
		Tender: models.TenderMap{
			"cash": decimal.RequireFromString("20.00"),
			"card": decimal.RequireFromString("14.50"),
		},
		Items: []models.SaleItem{item("a", 2, "17.25")},
	}

	if err := agg.Apply(context.Background(), saleEvent(t, "evt-1", sale, occurredAt)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	summary := mustSummary(t, repos, "store-1", "2024-03-01")
	if summary.SalesCount != 1 {
		t.Fatalf("SalesCount = %d, want 1", summary.SalesCount)
	}
	if !summary.SalesTotal.Equal(decimal.RequireFromString("34.50")) {
		t.Fatalf("SalesTotal = %s, want 34.50", summary.SalesTotal)
	}
	if !summary.CashTotal.Equal(decimal.RequireFromString("20.00")) {
		t.Fatalf("CashTotal = %s, want 20.00", summary.CashTotal)
	}
	if !summary.CardTotal.Equal(decimal.RequireFromString("14.50")) {
		t.Fatalf("CardTotal = %s, want 14.50", summary.CardTotal)
	}
	if summary.LastActivityAt == nil || !summary.LastActivityAt.Equal(occurredAt) {
		t.Fatalf("LastActivityAt = %v, want %v", summary.LastActivityAt, occurredAt)
	}

	entries, err := repos.Activities().ListByStoreDate(context.Background(), "store-1", "2024-03-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Type != models.ActivityTypeSale || entries[0].RefId != "sale-1" {
		t.Fatalf("activity entries = %+v, want one sale entry for sale-1", entries)
	}
}

func TestAggregator_DuplicateDeliveryAppliedOnce(t *testing.T) {
	agg, repos := newTestAggregator(t)

	occurredAt := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	sale := &models.Sale{
		ID:            "sale-1",
		StoreId:       "store-1",
		Total:         decimal.RequireFromString("10.00"),
		PaymentMethod: models.PaymentMethodCash,
		Items:         []models.SaleItem{item("a", 1, "10.00")},
	}
	msg := saleEvent(t, "evt-1", sale, occurredAt)

	for i := 0; i < 3; i++ {
		if err := agg.Apply(context.Background(), msg); err != nil {
			t.Fatalf("Apply #%d: %v", i+1, err)
		}
	}

	summary := mustSummary(t, repos, "store-1", "2024-03-02")
	if summary.SalesCount != 1 {
		t.Fatalf("SalesCount = %d after redeliveries, want 1", summary.SalesCount)
	}
	if !summary.SalesTotal.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("SalesTotal = %s after redeliveries, want 10.00", summary.SalesTotal)
	}
}

func TestAggregator_PaymentMethodFallbackSplit(t *testing.T) {
	agg, repos := newTestAggregator(t)
	occurredAt := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)

	cash := &models.Sale{ID: "s-cash", StoreId: "store-1", Total: decimal.RequireFromString("5.00"), PaymentMethod: models.PaymentMethodCash}
	card := &models.Sale{ID: "s-card", StoreId: "store-1", Total: decimal.RequireFromString("7.00"), PaymentMethod: models.PaymentMethodCard}

	if err := agg.Apply(context.Background(), saleEvent(t, "evt-cash", cash, occurredAt)); err != nil {
		t.Fatal(err)
	}
	if err := agg.Apply(context.Background(), saleEvent(t, "evt-card", card, occurredAt.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}

	summary := mustSummary(t, repos, "store-1", "2024-03-02")
	if !summary.CashTotal.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("CashTotal = %s, want 5.00", summary.CashTotal)
	}
	if !summary.CardTotal.Equal(decimal.RequireFromString("7.00")) {
		t.Fatalf("CardTotal = %s, want 7.00", summary.CardTotal)
	}
	if summary.LastActivityAt == nil || !summary.LastActivityAt.Equal(occurredAt.Add(time.Minute)) {
		t.Fatalf("LastActivityAt = %v, want the later sale time", summary.LastActivityAt)
	}
}

func TestAggregator_LastActivityAtNeverMovesBackwards(t *testing.T) {
	agg, repos := newTestAggregator(t)
	later := time.Date(2024, 3, 2, 18, 0, 0, 0, time.UTC)
	earlier := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)

	s1 := &models.Sale{ID: "s-1", StoreId: "store-1", Total: decimal.New(1, 0)}
	s2 := &models.Sale{ID: "s-2", StoreId: "store-1", Total: decimal.New(1, 0)}
	if err := agg.Apply(context.Background(), saleEvent(t, "evt-1", s1, later)); err != nil {
		t.Fatal(err)
	}
	// Out-of-order delivery of an earlier event.
	if err := agg.Apply(context.Background(), saleEvent(t, "evt-2", s2, earlier)); err != nil {
		t.Fatal(err)
	}

	summary := mustSummary(t, repos, "store-1", "2024-03-02")
	if summary.LastActivityAt == nil || !summary.LastActivityAt.Equal(later) {
		t.Fatalf("LastActivityAt = %v, want %v", summary.LastActivityAt, later)
	}
	if summary.SalesCount != 2 {
		t.Fatalf("SalesCount = %d, want 2", summary.SalesCount)
	}
}

func TestAggregator_ReceiptAndCustomerEvents(t *testing.T) {
	agg, repos := newTestAggregator(t)
	occurredAt := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)

	cost := decimal.RequireFromString("125.00")
	receipt := &models.Receipt{ID: "rcpt-1", StoreId: "store-1", Qty: 24, Supplier: "Acme", TotalCost: &cost}
	payload, _ := json.Marshal(receipt)
	if err := agg.Apply(context.Background(), config.PubSubMessage{
		EventId: "evt-r", StoreId: "store-1",
		EventType:  string(models.EventTypeReceiptCreated),
		OccurredAt: occurredAt, ReferenceId: receipt.ID, Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}

	customer := &models.Customer{ID: "cust-1", StoreId: "store-1", Name: "Ada"}
	payload, _ = json.Marshal(customer)
	if err := agg.Apply(context.Background(), config.PubSubMessage{
		EventId: "evt-c", StoreId: "store-1",
		EventType:  string(models.EventTypeCustomerCreated),
		OccurredAt: occurredAt.Add(time.Minute), ReferenceId: customer.ID, Payload: payload,
	}); err != nil {
		t.Fatal(err)
	}

	summary := mustSummary(t, repos, "store-1", "2024-03-02")
	if summary.ReceiptsCount != 1 || summary.UnitsReceived != 24 {
		t.Fatalf("receipts = %d units = %d, want 1 / 24", summary.ReceiptsCount, summary.UnitsReceived)
	}
	if !summary.ReceiptCostTotal.Equal(cost) {
		t.Fatalf("ReceiptCostTotal = %s, want %s", summary.ReceiptCostTotal, cost)
	}
	if summary.NewCustomersCount != 1 {
		t.Fatalf("NewCustomersCount = %d, want 1", summary.NewCustomersCount)
	}
}

// brokenSummaries fails every Save until allowed, simulating a transient
// storage failure inside the merge transaction.
type brokenSummaries struct {
	repository.Summaries
	broken *bool
}

func (s *brokenSummaries) Save(ctx context.Context, summary *models.DailySummary) error {
	if *s.broken {
		return errors.New("storage offline")
	}
	return s.Summaries.Save(ctx, summary)
}

type brokenRepos struct {
	repository.Repos
	broken *bool
}

func (r *brokenRepos) Summaries() repository.Summaries {
	return &brokenSummaries{Summaries: r.Repos.Summaries(), broken: r.broken}
}

func (r *brokenRepos) Transaction(ctx context.Context, fn func(repository.Repos) error) error {
	return r.Repos.Transaction(ctx, func(tx repository.Repos) error {
		return fn(&brokenRepos{Repos: tx, broken: r.broken})
	})
}

func TestAggregator_FailedMergeIsRetriableAfterRedelivery(t *testing.T) {
	mem := repository.NewMemoryRepos()
	mem.SeedStore(&models.Store{ID: "store-1", Timezone: "UTC"})
	broken := true
	repos := &brokenRepos{Repos: mem, broken: &broken}
	clock := utils.FixedClock{At: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)}
	agg := NewAggregator(repos, clock, logrus.New())

	occurredAt := time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)
	sale := &models.Sale{ID: "sale-1", StoreId: "store-1", Total: decimal.RequireFromString("10.00")}
	msg := saleEvent(t, "evt-1", sale, occurredAt)

	if err := agg.Apply(context.Background(), msg); err == nil {
		t.Fatalf("Apply should surface the merge failure for redelivery")
	}
	// The failed attempt must not leave a summary behind.
	if _, err := mem.Summaries().Get(context.Background(), "store-1", "2024-03-02"); err != repository.ErrNotFound {
		t.Fatalf("summary after failed merge: err=%v, want ErrNotFound", err)
	}
	// The claim row rolled back with the transaction, so MarkFailed must have
	// written a fresh FAILED row with the cause.
	claim := mem.IdempotencyClaim("store-1", aggregatorHandlerName, "evt-1")
	if claim == nil || claim.Status != models.IdempotencyStatusFailed || claim.LastError == nil {
		t.Fatalf("claim = %+v, want FAILED with last error recorded", claim)
	}

	// Redelivery after the failure applies cleanly: the FAILED claim left by
	// the first attempt is reclaimed, not treated as in-progress.
	broken = false
	if err := agg.Apply(context.Background(), msg); err != nil {
		t.Fatalf("redelivered Apply: %v", err)
	}
	summary := mustSummary(t, mem, "store-1", "2024-03-02")
	if summary.SalesCount != 1 {
		t.Fatalf("SalesCount = %d after redelivery, want 1", summary.SalesCount)
	}
}

func TestAggregator_UnknownEventTypeIsAcked(t *testing.T) {
	agg, repos := newTestAggregator(t)
	err := agg.Apply(context.Background(), config.PubSubMessage{
		EventId: "evt-x", StoreId: "store-1",
		EventType:  "refund.created",
		OccurredAt: time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unknown event type should ack (nil), got %v", err)
	}
	if _, err := repos.Summaries().Get(context.Background(), "store-1", "2024-03-02"); err != repository.ErrNotFound {
		t.Fatalf("no summary should exist, got err=%v", err)
	}
}
