package pos

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/repository"
	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func newTestService(t *testing.T) (*Service, *repository.MemoryRepos) {
	t.Helper()
	repos := repository.NewMemoryRepos()
	repos.SeedStore(&models.Store{ID: "store-1", Name: "Main St", Timezone: "UTC"})
	repos.SeedProduct(&models.Product{ID: "prod-a", StoreId: "store-1", Name: "Widget", Price: decimal.RequireFromString("17.25"), StockCount: 10})
	repos.SeedProduct(&models.Product{ID: "prod-b", StoreId: "store-1", Name: "Gadget", Price: decimal.RequireFromString("5.00"), StockCount: 4})
	clock := utils.FixedClock{At: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)}
	return NewService(repos, clock, logrus.New()), repos
}

func newSaleInput(saleId string) *models.NewSale {
	return &models.NewSale{
		SaleId: saleId,
		Items: []models.NewSaleItem{
			{ProductId: "prod-a", Qty: 2, Price: decimal.RequireFromString("17.25")},
		},
		Totals: models.NewSaleTotals{
			SubTotal: decimal.RequireFromString("34.50"),
			Total:    decimal.RequireFromString("34.50"),
		},
		Payment: models.NewSalePayment{Method: models.PaymentMethodCash},
	}
}

func stockOf(t *testing.T, repos *repository.MemoryRepos, productId string) int {
	t.Helper()
	product, err := repos.Products().GetForUpdate(context.Background(), "store-1", productId)
	if err != nil {
		t.Fatalf("product %s: %v", productId, err)
	}
	return product.StockCount
}

func TestCommitSale_PersistsSaleStockAndLedger(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	sale, err := svc.CommitSale(ctx, "store-1", newSaleInput("sale-1"))
	if err != nil {
		t.Fatalf("CommitSale: %v", err)
	}
	if sale.ID != "sale-1" || len(sale.Items) != 1 {
		t.Fatalf("sale = %+v, want one item under id sale-1", sale)
	}

	if got := stockOf(t, repos, "prod-a"); got != 8 {
		t.Fatalf("stock = %d, want 8", got)
	}

	sum, err := repos.Ledger().SumQtyChange(ctx, "store-1", "prod-a")
	if err != nil {
		t.Fatal(err)
	}
	if sum != -2 {
		t.Fatalf("ledger sum = %d, want -2", sum)
	}

	events := repos.AppendedEvents()
	if len(events) != 1 || events[0].EventType != models.EventTypeSaleCreated || events[0].ReferenceId != "sale-1" {
		t.Fatalf("events = %+v, want one sale.created for sale-1", events)
	}
}

func TestCommitSale_DuplicateIsRejectedAndWritesNothing(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CommitSale(ctx, "store-1", newSaleInput("sale-1")); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	_, err := svc.CommitSale(ctx, "store-1", newSaleInput("sale-1"))
	if utils.CodeOf(err) != utils.CodeAlreadyExists {
		t.Fatalf("duplicate commit error = %v, want ALREADY_EXISTS", err)
	}

	// The retry must not touch stock, ledger, or the outbox again.
	if got := stockOf(t, repos, "prod-a"); got != 8 {
		t.Fatalf("stock = %d after duplicate, want 8", got)
	}
	sum, _ := repos.Ledger().SumQtyChange(ctx, "store-1", "prod-a")
	if sum != -2 {
		t.Fatalf("ledger sum = %d after duplicate, want -2", sum)
	}
	if events := repos.AppendedEvents(); len(events) != 1 {
		t.Fatalf("events = %d after duplicate, want 1", len(events))
	}
}

func TestCommitSale_MissingProductRollsBackWholeSale(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	input := newSaleInput("sale-1")
	input.Items = append(input.Items, models.NewSaleItem{ProductId: "prod-missing", Qty: 1})

	_, err := svc.CommitSale(ctx, "store-1", input)
	if utils.CodeOf(err) != utils.CodeFailedPrecondition {
		t.Fatalf("error = %v, want FAILED_PRECONDITION", err)
	}

	// First item's decrement must have rolled back with the transaction.
	if got := stockOf(t, repos, "prod-a"); got != 10 {
		t.Fatalf("stock = %d after rollback, want 10", got)
	}
	sum, _ := repos.Ledger().SumQtyChange(ctx, "store-1", "prod-a")
	if sum != 0 {
		t.Fatalf("ledger sum = %d after rollback, want 0", sum)
	}
	if _, err := repos.Sales().GetById(ctx, "store-1", "sale-1"); err != repository.ErrNotFound {
		t.Fatalf("sale lookup err = %v, want ErrNotFound", err)
	}
	if events := repos.AppendedEvents(); len(events) != 0 {
		t.Fatalf("events = %d after rollback, want 0", len(events))
	}
}

func TestCommitSale_ValidationErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input *models.NewSale
	}{
		{"missing sale id", &models.NewSale{Items: []models.NewSaleItem{{ProductId: "prod-a", Qty: 1}}}},
		{"no items", &models.NewSale{SaleId: "sale-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CommitSale(ctx, "store-1", tc.input)
			if utils.CodeOf(err) != utils.CodeInvalidArgument {
				t.Fatalf("error = %v, want INVALID_ARGUMENT", err)
			}
		})
	}

	if _, err := svc.CommitSale(ctx, "", newSaleInput("sale-1")); utils.CodeOf(err) != utils.CodeInvalidArgument {
		t.Fatalf("empty store id should be INVALID_ARGUMENT")
	}
}

func TestCommitSale_NegativeQtyDecrementsByMagnitude(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	input := newSaleInput("sale-1")
	input.Items[0].Qty = -2

	if _, err := svc.CommitSale(ctx, "store-1", input); err != nil {
		t.Fatalf("CommitSale: %v", err)
	}
	if got := stockOf(t, repos, "prod-a"); got != 8 {
		t.Fatalf("stock = %d, want 8 (decrement by magnitude)", got)
	}
}

func TestCommitSale_StockMayGoNegative(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	input := newSaleInput("sale-1")
	input.Items[0].Qty = 25

	if _, err := svc.CommitSale(ctx, "store-1", input); err != nil {
		t.Fatalf("CommitSale: %v", err)
	}
	if got := stockOf(t, repos, "prod-a"); got != -15 {
		t.Fatalf("stock = %d, want -15 (no floor check)", got)
	}
}

func TestReceiveStock_AddsStockLedgerAndRoundedCost(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	unitCost := decimal.RequireFromString("1.005")
	receipt, err := svc.ReceiveStock(ctx, "store-1", &models.NewReceipt{
		ProductId: "prod-b",
		Qty:       3,
		Supplier:  "Acme",
		Reference: "PO-77",
		UnitCost:  &unitCost,
	})
	if err != nil {
		t.Fatalf("ReceiveStock: %v", err)
	}

	if receipt.TotalCost == nil || receipt.TotalCost.String() != "3.02" {
		t.Fatalf("TotalCost = %v, want 3.02 (1.005 x 3 rounded)", receipt.TotalCost)
	}
	if got := stockOf(t, repos, "prod-b"); got != 7 {
		t.Fatalf("stock = %d, want 7", got)
	}
	sum, _ := repos.Ledger().SumQtyChange(ctx, "store-1", "prod-b")
	if sum != 3 {
		t.Fatalf("ledger sum = %d, want 3", sum)
	}
	events := repos.AppendedEvents()
	if len(events) != 1 || events[0].EventType != models.EventTypeReceiptCreated {
		t.Fatalf("events = %+v, want one receipt.created", events)
	}
}

func TestReceiveStock_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		input *models.NewReceipt
	}{
		{"zero qty", &models.NewReceipt{ProductId: "prod-b", Qty: 0, Supplier: "Acme", Reference: "PO-1"}},
		{"negative qty", &models.NewReceipt{ProductId: "prod-b", Qty: -3, Supplier: "Acme", Reference: "PO-1"}},
		{"missing supplier", &models.NewReceipt{ProductId: "prod-b", Qty: 3, Reference: "PO-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ReceiveStock(ctx, "store-1", tc.input)
			if utils.CodeOf(err) != utils.CodeInvalidArgument {
				t.Fatalf("error = %v, want INVALID_ARGUMENT", err)
			}
		})
	}

	_, err := svc.ReceiveStock(ctx, "store-1", &models.NewReceipt{ProductId: "nope", Qty: 1, Supplier: "Acme", Reference: "PO-1"})
	if utils.CodeOf(err) != utils.CodeFailedPrecondition {
		t.Fatalf("unknown product error = %v, want FAILED_PRECONDITION", err)
	}
}

func TestConservation_LedgerMatchesStockDelta(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	initial := stockOf(t, repos, "prod-a")

	if _, err := svc.CommitSale(ctx, "store-1", newSaleInput("sale-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ReceiveStock(ctx, "store-1", &models.NewReceipt{
		ProductId: "prod-a", Qty: 5, Supplier: "Acme", Reference: "PO-9",
	}); err != nil {
		t.Fatal(err)
	}

	sum, err := repos.Ledger().SumQtyChange(ctx, "store-1", "prod-a")
	if err != nil {
		t.Fatal(err)
	}
	if got := stockOf(t, repos, "prod-a"); got-initial != sum {
		t.Fatalf("stock delta %d != ledger sum %d", got-initial, sum)
	}
}

func TestRecordCustomer_EmitsEvent(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	customer, err := svc.RecordCustomer(ctx, "store-1", &models.NewCustomer{Name: "Ada"})
	if err != nil {
		t.Fatalf("RecordCustomer: %v", err)
	}
	if customer.ID == "" {
		t.Fatalf("customer id not assigned")
	}
	events := repos.AppendedEvents()
	if len(events) != 1 || events[0].EventType != models.EventTypeCustomerCreated {
		t.Fatalf("events = %+v, want one customer.created", events)
	}

	_, err = svc.RecordCustomer(ctx, "store-1", &models.NewCustomer{Name: "Bad", Email: "not-an-email"})
	if utils.CodeOf(err) != utils.CodeInvalidArgument {
		t.Fatalf("bad email error = %v, want INVALID_ARGUMENT", err)
	}
}

func TestCommitSale_RejectionsAreLogged(t *testing.T) {
	repos := repository.NewMemoryRepos()
	repos.SeedStore(&models.Store{ID: "store-1", Timezone: "UTC"})
	repos.SeedProduct(&models.Product{ID: "prod-a", StoreId: "store-1", Name: "Widget", Price: decimal.RequireFromString("17.25"), StockCount: 10})

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	svc := NewService(repos, utils.FixedClock{At: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)}, logger)
	ctx := context.Background()

	if _, err := svc.CommitSale(ctx, "store-1", &models.NewSale{}); utils.CodeOf(err) != utils.CodeInvalidArgument {
		t.Fatalf("error = %v, want INVALID_ARGUMENT", err)
	}
	if !strings.Contains(buf.String(), "sale id is required") {
		t.Fatalf("validation rejection not logged, log = %q", buf.String())
	}

	buf.Reset()
	if _, err := svc.CommitSale(ctx, "store-1", newSaleInput("sale-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CommitSale(ctx, "store-1", newSaleInput("sale-1")); utils.CodeOf(err) != utils.CodeAlreadyExists {
		t.Fatalf("error = %v, want ALREADY_EXISTS", err)
	}
	if !strings.Contains(buf.String(), "already committed") {
		t.Fatalf("duplicate rejection not logged, log = %q", buf.String())
	}
	if !strings.Contains(buf.String(), "store-1") {
		t.Fatalf("log entry missing tenant id, log = %q", buf.String())
	}
}

func TestRecordCloseout_EmitsNoEvent(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	closeout, err := svc.RecordCloseout(ctx, "store-1", &models.NewCloseout{
		RegisterId:    "reg-1",
		CountedTotal:  decimal.RequireFromString("100.00"),
		ExpectedTotal: decimal.RequireFromString("90.00"),
	})
	if err != nil {
		t.Fatalf("RecordCloseout: %v", err)
	}
	if closeout.ID == "" {
		t.Fatalf("closeout id not assigned")
	}
	if events := repos.AppendedEvents(); len(events) != 0 {
		t.Fatalf("events = %d, want 0 (closeouts are reconciliation-only)", len(events))
	}
}
