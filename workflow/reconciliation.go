package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/repository"
	"github.com/mmdatafocus/retailops_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Reconciler is the nightly sweep that heals drift left by the event-driven
// path: it rescans the previous day's source records and overwrites every
// scalar on the summary document. The top-products block is real-time-only
// and is carried over untouched, so rerunning the sweep is a no-op.
type Reconciler struct {
	repos  repository.Repos
	clock  utils.Clock
	logger *logrus.Logger
}

func NewReconciler(repos repository.Repos, clock utils.Clock, logger *logrus.Logger) *Reconciler {
	return &Reconciler{repos: repos, clock: clock, logger: logger}
}

// Run performs the full sweep: global activity-feed repair first, then the
// previous local day of every store. One store failing is logged and skipped;
// the rest of the fleet still reconciles.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	if err := r.repairActivityFeed(ctx); err != nil {
		return err
	}

	stores, err := r.repos.Stores().List(ctx)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	var firstErr error
	for _, store := range stores {
		dateKey, start, end := utils.PreviousDayWindow(now, store.Timezone)
		if err := r.ReconcileStoreDay(ctx, store, dateKey, start, end); err != nil {
			config.LogError(r.logger, "workflow", "Run", "", store.ID,
				map[string]any{"date_key": dateKey}, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RunStoreDate reconciles one explicit store and calendar day. Used by the
// maintenance binary.
func (r *Reconciler) RunStoreDate(ctx context.Context, storeId string, dateKey string) error {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	store, err := r.repos.Stores().GetById(ctx, storeId)
	if err != nil {
		return err
	}
	loc := utils.ResolveLocation(store.Timezone)
	day, err := time.ParseInLocation(utils.DateKeyLayout, dateKey, loc)
	if err != nil {
		return utils.InvalidArgument("invalid date key: " + dateKey)
	}
	start := day.UTC()
	end := day.AddDate(0, 0, 1).UTC()
	return r.ReconcileStoreDay(ctx, store, dateKey, start, end)
}

// repairActivityFeed deletes orphan entries that carry no store id and
// backfills missing date keys from the entry timestamp and the store
// timezone.
func (r *Reconciler) repairActivityFeed(ctx context.Context) error {
	deleted, err := r.repos.Activities().DeleteMissingStore(ctx)
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.logger.WithField("deleted", deleted).Info("removed orphan activity entries")
	}

	missing, err := r.repos.Activities().ListMissingDateKey(ctx)
	if err != nil {
		return err
	}
	for _, entry := range missing {
		timezone := ""
		if store, err := r.repos.Stores().GetById(ctx, entry.StoreId); err == nil {
			timezone = store.Timezone
		}
		dateKey := utils.ResolveDateKey(entry.At, timezone)
		if err := r.repos.Activities().UpdateDateKey(ctx, entry.ID, dateKey); err != nil {
			return err
		}
	}
	return nil
}

// ReconcileStoreDay rebuilds one summary document from the source
// collections inside a single transaction, holding the same per-store-day
// lock the aggregator uses so late events and the sweep never interleave.
func (r *Reconciler) ReconcileStoreDay(ctx context.Context, store *models.Store, dateKey string, start time.Time, end time.Time) error {
	lock, err := utils.AcquireSummaryLock(ctx, store.ID, dateKey)
	if err != nil {
		return err
	}
	defer utils.ReleaseSummaryLock(ctx, lock)

	return r.repos.Transaction(ctx, func(tx repository.Repos) error {
		summary, err := tx.Summaries().GetForUpdate(ctx, store.ID, dateKey)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			summary = models.NewDailySummary(store.ID, dateKey)
		}
		resetScalars(summary)

		sales, err := tx.Sales().ListByWindow(ctx, store.ID, start, end)
		if err != nil {
			return err
		}
		for _, sale := range sales {
			summary.SalesCount++
			summary.SalesTotal = summary.SalesTotal.Add(sale.Total)
			addPaymentSplit(summary, sale)
			bumpLastActivity(summary, sale.CreatedAt)
		}

		receipts, err := tx.Receipts().ListByWindow(ctx, store.ID, start, end)
		if err != nil {
			return err
		}
		for _, receipt := range receipts {
			summary.ReceiptsCount++
			summary.UnitsReceived += receipt.Qty
			if receipt.TotalCost != nil {
				summary.ReceiptCostTotal = summary.ReceiptCostTotal.Add(*receipt.TotalCost)
			}
			bumpLastActivity(summary, receipt.CreatedAt)
		}

		customers, err := tx.Customers().ListByWindow(ctx, store.ID, start, end)
		if err != nil {
			return err
		}
		for _, customer := range customers {
			summary.NewCustomersCount++
			bumpLastActivity(summary, customer.CreatedAt)
		}

		closeouts, err := tx.Closeouts().ListByWindow(ctx, store.ID, start, end)
		if err != nil {
			return err
		}
		for _, closeout := range closeouts {
			summary.CloseoutsCount++
			summary.CloseoutCountedTotal = summary.CloseoutCountedTotal.Add(closeout.CountedTotal)
			summary.CloseoutExpectedTotal = summary.CloseoutExpectedTotal.Add(closeout.ExpectedTotal)
			summary.CloseoutVarianceTotal = summary.CloseoutVarianceTotal.Add(closeout.CountedTotal.Sub(closeout.ExpectedTotal))
			bumpLastActivity(summary, closeout.At)
		}

		return tx.Summaries().Save(ctx, summary)
	})
}

// resetScalars zeroes every field the sweep recomputes. ProductStats and
// ProductStatsOrder are intentionally left alone.
func resetScalars(summary *models.DailySummary) {
	summary.SalesCount = 0
	summary.SalesTotal = decimal.Zero
	summary.CashTotal = decimal.Zero
	summary.CardTotal = decimal.Zero
	summary.ReceiptsCount = 0
	summary.UnitsReceived = 0
	summary.ReceiptCostTotal = decimal.Zero
	summary.NewCustomersCount = 0
	summary.CloseoutsCount = 0
	summary.CloseoutCountedTotal = decimal.Zero
	summary.CloseoutExpectedTotal = decimal.Zero
	summary.CloseoutVarianceTotal = decimal.Zero
	summary.LastActivityAt = nil
}
