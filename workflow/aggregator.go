package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/repository"
	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/sirupsen/logrus"
)

const aggregatorHandlerName = "summary_aggregator"

// ErrUnknownEventType marks a message the aggregator cannot route. Terminal:
// redelivery would fail the same way, so the subscriber acks it.
var ErrUnknownEventType = errors.New("unknown event type")

// Aggregator consumes domain events (at-least-once delivery) and folds each
// into its store-day summary document plus the activity feed. Duplicate
// deliveries are absorbed by a durable idempotency claim keyed on
// (store, handler, event id), so every event changes the summary exactly
// once.
type Aggregator struct {
	repos  repository.Repos
	clock  utils.Clock
	logger *logrus.Logger
}

func NewAggregator(repos repository.Repos, clock utils.Clock, logger *logrus.Logger) *Aggregator {
	return &Aggregator{repos: repos, clock: clock, logger: logger}
}

// Apply processes one delivered event. A nil return means the message can be
// acked (applied, duplicate, or terminal); an error means redeliver.
func (a *Aggregator) Apply(ctx context.Context, msg config.PubSubMessage) error {
	timezone := ""
	store, err := a.repos.Stores().GetById(ctx, msg.StoreId)
	if err == nil {
		timezone = store.Timezone
	} else if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	dateKey := utils.ResolveDateKey(msg.OccurredAt, timezone)

	lock, err := utils.AcquireSummaryLock(ctx, msg.StoreId, dateKey)
	if err != nil && errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("summary lock busy for %s %s: %w", msg.StoreId, dateKey, err)
	}
	defer utils.ReleaseSummaryLock(ctx, lock)

	err = a.repos.Transaction(ctx, func(tx repository.Repos) error {
		skip, err := tx.Idempotency().Begin(ctx, msg.StoreId, aggregatorHandlerName, msg.EventId)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}
		if err := a.applyTx(ctx, tx, msg, dateKey); err != nil {
			return err
		}
		return tx.Idempotency().MarkSucceeded(ctx, msg.StoreId, aggregatorHandlerName, msg.EventId)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrIdempotencyInProgress) {
		return err
	}
	if errors.Is(err, ErrUnknownEventType) {
		// Ack: a malformed type never becomes valid on redelivery.
		a.logApplyError(ctx, msg, err)
		return nil
	}

	a.logApplyError(ctx, msg, err)
	if markErr := a.repos.Idempotency().MarkFailed(ctx, msg.StoreId, aggregatorHandlerName, msg.EventId, err); markErr != nil {
		a.logApplyError(ctx, msg, markErr)
	}
	return err
}

func (a *Aggregator) applyTx(ctx context.Context, tx repository.Repos, msg config.PubSubMessage, dateKey string) error {
	summary, err := tx.Summaries().GetForUpdate(ctx, msg.StoreId, dateKey)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		summary = models.NewDailySummary(msg.StoreId, dateKey)
	}

	var activity *models.ActivityEntry
	switch models.DomainEventType(msg.EventType) {
	case models.EventTypeSaleCreated:
		var sale models.Sale
		if err := json.Unmarshal(msg.Payload, &sale); err != nil {
			return fmt.Errorf("%w: bad sale payload: %v", ErrUnknownEventType, err)
		}
		mergeSale(summary, &sale, msg.OccurredAt)
		activity = saleActivity(msg.StoreId, dateKey, &sale, msg.OccurredAt)
	case models.EventTypeReceiptCreated:
		var receipt models.Receipt
		if err := json.Unmarshal(msg.Payload, &receipt); err != nil {
			return fmt.Errorf("%w: bad receipt payload: %v", ErrUnknownEventType, err)
		}
		mergeReceipt(summary, &receipt, msg.OccurredAt)
		activity = receiptActivity(msg.StoreId, dateKey, &receipt, msg.OccurredAt)
	case models.EventTypeCustomerCreated:
		var customer models.Customer
		if err := json.Unmarshal(msg.Payload, &customer); err != nil {
			return fmt.Errorf("%w: bad customer payload: %v", ErrUnknownEventType, err)
		}
		mergeCustomer(summary, msg.OccurredAt)
		activity = customerActivity(msg.StoreId, dateKey, &customer, msg.OccurredAt)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, msg.EventType)
	}

	if err := tx.Activities().Append(ctx, activity); err != nil {
		return err
	}
	return tx.Summaries().Save(ctx, summary)
}

func mergeSale(summary *models.DailySummary, sale *models.Sale, occurredAt time.Time) {
	summary.SalesCount++
	summary.SalesTotal = summary.SalesTotal.Add(sale.Total)

	addPaymentSplit(summary, sale)
	MergeSaleIntoLeaderboard(summary, sale.Items)
	bumpLastActivity(summary, occurredAt)
}

// addPaymentSplit attributes the sale to the cash/card buckets. A tender map
// wins when present; otherwise the single payment method takes the whole
// total.
func addPaymentSplit(summary *models.DailySummary, sale *models.Sale) {
	if len(sale.Tender) > 0 {
		if cash, ok := sale.Tender[models.PaymentMethodCash]; ok {
			summary.CashTotal = summary.CashTotal.Add(cash)
		}
		if card, ok := sale.Tender[models.PaymentMethodCard]; ok {
			summary.CardTotal = summary.CardTotal.Add(card)
		}
		return
	}
	switch sale.PaymentMethod {
	case models.PaymentMethodCash:
		summary.CashTotal = summary.CashTotal.Add(sale.Total)
	case models.PaymentMethodCard:
		summary.CardTotal = summary.CardTotal.Add(sale.Total)
	}
}

func mergeReceipt(summary *models.DailySummary, receipt *models.Receipt, occurredAt time.Time) {
	summary.ReceiptsCount++
	summary.UnitsReceived += receipt.Qty
	if receipt.TotalCost != nil {
		summary.ReceiptCostTotal = summary.ReceiptCostTotal.Add(*receipt.TotalCost)
	}
	bumpLastActivity(summary, occurredAt)
}

func mergeCustomer(summary *models.DailySummary, occurredAt time.Time) {
	summary.NewCustomersCount++
	bumpLastActivity(summary, occurredAt)
}

func bumpLastActivity(summary *models.DailySummary, at time.Time) {
	if summary.LastActivityAt == nil || at.After(*summary.LastActivityAt) {
		t := at
		summary.LastActivityAt = &t
	}
}

func (a *Aggregator) logApplyError(ctx context.Context, msg config.PubSubMessage, err error) {
	config.LogError(a.logger, "workflow", "Apply", msg.CorrelationId, msg.StoreId,
		map[string]any{"event_id": msg.EventId, "event_type": msg.EventType}, err)
}
