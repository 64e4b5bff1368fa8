package pos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/repository"
	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/sirupsen/logrus"
)

const moduleName = "pos"

// maxCommitAttempts bounds the retry loop around transient lock failures
// (MySQL 1213/1205). Anything past that surfaces as Internal.
const maxCommitAttempts = 3

// Service owns the synchronous commit path: validate, persist inside one
// transaction, append an outbox event. Summaries and activity feeds are
// updated asynchronously by the event aggregator; nothing here touches them.
type Service struct {
	repos  repository.Repos
	clock  utils.Clock
	logger *logrus.Logger
}

func NewService(repos repository.Repos, clock utils.Clock, logger *logrus.Logger) *Service {
	return &Service{repos: repos, clock: clock, logger: logger}
}

// CommitSale persists an immutable sale, adjusts product stock, appends
// ledger rows and emits sale.created. The sale id is the client-generated
// idempotency key: a duplicate fails AlreadyExists and writes nothing.
func (s *Service) CommitSale(ctx context.Context, storeId string, input *models.NewSale) (*models.Sale, error) {
	if err := input.Validate(ctx, storeId); err != nil {
		s.logCommitError(ctx, "CommitSale", storeId, input, err)
		return nil, err
	}

	var sale *models.Sale
	err := s.withCommitRetry(ctx, func() error {
		return s.repos.Transaction(ctx, func(tx repository.Repos) error {
			committed, err := s.commitSaleTx(ctx, tx, storeId, input)
			if err != nil {
				return err
			}
			sale = committed
			return nil
		})
	})
	if err != nil {
		s.logCommitError(ctx, "CommitSale", storeId, input, err)
		return nil, err
	}
	return sale, nil
}

func (s *Service) commitSaleTx(ctx context.Context, tx repository.Repos, storeId string, input *models.NewSale) (*models.Sale, error) {
	if existing, err := tx.Sales().GetById(ctx, storeId, input.SaleId); err == nil && existing != nil {
		return nil, utils.AlreadyExists("sale already committed: " + input.SaleId)
	} else if err != nil && err != repository.ErrNotFound {
		return nil, err
	}

	now := s.clock.Now()
	sale := &models.Sale{
		ID:            input.SaleId,
		StoreId:       storeId,
		BranchId:      input.BranchId,
		CashierId:     input.CashierId,
		CustomerId:    input.CustomerId,
		SubTotal:      input.Totals.SubTotal,
		TaxTotal:      input.Totals.TaxTotal,
		Total:         input.Totals.Total,
		PaymentMethod: input.Payment.Method,
		Tender:        models.TenderMap(input.Payment.Tender),
		CreatedAt:     now,
	}

	for _, item := range input.Items {
		product, err := tx.Products().GetForUpdate(ctx, storeId, item.ProductId)
		if err != nil {
			if err == repository.ErrNotFound {
				return nil, utils.FailedPrecondition("product not found: " + item.ProductId)
			}
			return nil, err
		}

		// Quantities are decremented by magnitude regardless of input sign;
		// stock may go negative (the ledger stays authoritative).
		qty := item.Qty
		if qty < 0 {
			qty = -qty
		}
		product.StockCount -= qty
		if err := tx.Products().Save(ctx, product); err != nil {
			return nil, err
		}

		name := item.Name
		if name == "" {
			name = product.Name
		}
		sale.Items = append(sale.Items, models.SaleItem{
			SaleId:    sale.ID,
			StoreId:   storeId,
			ProductId: item.ProductId,
			Name:      name,
			Qty:       qty,
			Price:     item.Price,
			TaxRate:   item.TaxRate,
		})

		if err := tx.Ledger().Append(ctx, &models.LedgerEntry{
			StoreId:   storeId,
			ProductId: item.ProductId,
			QtyChange: -qty,
			Type:      models.LedgerEntryTypeSale,
			RefId:     sale.ID,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Sales().Create(ctx, sale); err != nil {
		return nil, err
	}

	if err := appendEvent(ctx, tx, storeId, models.EventTypeSaleCreated, sale.ID, now, sale); err != nil {
		return nil, err
	}
	return sale, nil
}

// ReceiveStock persists a supplier intake, bumps product stock and appends a
// positive ledger row, then emits receipt.created.
func (s *Service) ReceiveStock(ctx context.Context, storeId string, input *models.NewReceipt) (*models.Receipt, error) {
	if err := input.Validate(ctx, storeId); err != nil {
		s.logCommitError(ctx, "ReceiveStock", storeId, input, err)
		return nil, err
	}

	var receipt *models.Receipt
	err := s.withCommitRetry(ctx, func() error {
		return s.repos.Transaction(ctx, func(tx repository.Repos) error {
			committed, err := s.receiveStockTx(ctx, tx, storeId, input)
			if err != nil {
				return err
			}
			receipt = committed
			return nil
		})
	})
	if err != nil {
		s.logCommitError(ctx, "ReceiveStock", storeId, input, err)
		return nil, err
	}
	return receipt, nil
}

func (s *Service) receiveStockTx(ctx context.Context, tx repository.Repos, storeId string, input *models.NewReceipt) (*models.Receipt, error) {
	product, err := tx.Products().GetForUpdate(ctx, storeId, input.ProductId)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, utils.FailedPrecondition("product not found: " + input.ProductId)
		}
		return nil, err
	}

	now := s.clock.Now()
	receipt := &models.Receipt{
		ID:        uuid.NewString(),
		StoreId:   storeId,
		ProductId: input.ProductId,
		Qty:       input.Qty,
		Supplier:  input.Supplier,
		Reference: input.Reference,
		UnitCost:  input.UnitCost,
		TotalCost: input.ComputedTotalCost(),
		CreatedAt: now,
	}

	product.StockCount += input.Qty
	if err := tx.Products().Save(ctx, product); err != nil {
		return nil, err
	}

	if err := tx.Receipts().Create(ctx, receipt); err != nil {
		return nil, err
	}

	if err := tx.Ledger().Append(ctx, &models.LedgerEntry{
		StoreId:   storeId,
		ProductId: input.ProductId,
		QtyChange: input.Qty,
		Type:      models.LedgerEntryTypeReceipt,
		RefId:     receipt.ID,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	if err := appendEvent(ctx, tx, storeId, models.EventTypeReceiptCreated, receipt.ID, now, receipt); err != nil {
		return nil, err
	}
	return receipt, nil
}

// RecordCustomer registers a walk-in customer and emits customer.created.
func (s *Service) RecordCustomer(ctx context.Context, storeId string, input *models.NewCustomer) (*models.Customer, error) {
	if err := input.Validate(ctx, storeId); err != nil {
		s.logCommitError(ctx, "RecordCustomer", storeId, input, err)
		return nil, err
	}

	now := s.clock.Now()
	customer := &models.Customer{
		ID:        uuid.NewString(),
		StoreId:   storeId,
		Name:      input.Name,
		Email:     input.Email,
		Phone:     input.Phone,
		CreatedAt: now,
	}

	err := s.repos.Transaction(ctx, func(tx repository.Repos) error {
		if err := tx.Customers().Create(ctx, customer); err != nil {
			return err
		}
		return appendEvent(ctx, tx, storeId, models.EventTypeCustomerCreated, customer.ID, now, customer)
	})
	if err != nil {
		s.logCommitError(ctx, "RecordCustomer", storeId, input, err)
		return nil, err
	}
	return customer, nil
}

// RecordCloseout stores an end-of-shift register count. Closeouts emit no
// domain event; the nightly reconciliation folds them into the summary.
func (s *Service) RecordCloseout(ctx context.Context, storeId string, input *models.NewCloseout) (*models.Closeout, error) {
	if err := input.Validate(ctx, storeId); err != nil {
		s.logCommitError(ctx, "RecordCloseout", storeId, input, err)
		return nil, err
	}

	now := s.clock.Now()
	at := now
	if input.At != nil {
		at = *input.At
	}
	closeout := &models.Closeout{
		ID:            uuid.NewString(),
		StoreId:       storeId,
		RegisterId:    input.RegisterId,
		CountedTotal:  input.CountedTotal,
		ExpectedTotal: input.ExpectedTotal,
		At:            at,
		CreatedAt:     now,
	}

	err := s.repos.Transaction(ctx, func(tx repository.Repos) error {
		return tx.Closeouts().Create(ctx, closeout)
	})
	if err != nil {
		s.logCommitError(ctx, "RecordCloseout", storeId, input, err)
		return nil, err
	}
	return closeout, nil
}

func appendEvent(ctx context.Context, tx repository.Repos, storeId string, eventType models.DomainEventType, referenceId string, occurredAt time.Time, payload any) error {
	record, err := models.NewDomainEventRecord(ctx, storeId, eventType, referenceId, occurredAt, payload)
	if err != nil {
		return err
	}
	return tx.Events().Append(ctx, record)
}

// withCommitRetry re-runs fn on transient MySQL lock failures. Domain errors
// pass through untouched.
func (s *Service) withCommitRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err = fn()
		if err == nil || !repository.IsSerializationFailure(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return utils.Internal("commit did not settle after retries", err)
}

func (s *Service) logCommitError(ctx context.Context, funcName string, storeId string, input any, err error) {
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	data := utils.SanitizePayload(input)
	// Validation and duplicate rejections are expected traffic; keep them at
	// Warn so real failures stand out.
	switch utils.CodeOf(err) {
	case utils.CodeInvalidArgument, utils.CodeAlreadyExists:
		config.LogWarn(s.logger, moduleName, funcName, correlationId, storeId, data, err)
	default:
		config.LogError(s.logger, moduleName, funcName, correlationId, storeId, data, err)
	}
}
