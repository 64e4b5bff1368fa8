package repository

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrIdempotencyInProgress signals that another worker currently holds the
// STARTED claim for the same event. The caller should nack so the broker
// redelivers later.
var ErrIdempotencyInProgress = errors.New("idempotency in progress")

const staleStartedAfter = 5 * time.Minute

func IsDuplicateKey(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// IsSerializationFailure reports MySQL deadlock (1213) and lock wait timeout
// (1205), the two codes the commit path retries.
func IsSerializationFailure(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

type gormRepos struct {
	db *gorm.DB
}

// NewGormRepos wraps the shared GORM handle. Queries are tenant-scoped by
// the tenant guard plugin installed at connect time.
func NewGormRepos(db *gorm.DB) Repos {
	return &gormRepos{db: db}
}

func (r *gormRepos) Stores() Stores           { return (*gormStores)(r) }
func (r *gormRepos) Products() Products       { return (*gormProducts)(r) }
func (r *gormRepos) Sales() Sales             { return (*gormSales)(r) }
func (r *gormRepos) Receipts() Receipts       { return (*gormReceipts)(r) }
func (r *gormRepos) Customers() Customers     { return (*gormCustomers)(r) }
func (r *gormRepos) Closeouts() Closeouts     { return (*gormCloseouts)(r) }
func (r *gormRepos) Ledger() Ledger           { return (*gormLedger)(r) }
func (r *gormRepos) Summaries() Summaries     { return (*gormSummaries)(r) }
func (r *gormRepos) Activities() Activities   { return (*gormActivities)(r) }
func (r *gormRepos) Idempotency() Idempotency { return (*gormIdempotency)(r) }
func (r *gormRepos) Events() Events           { return (*gormEvents)(r) }

func (r *gormRepos) Transaction(ctx context.Context, fn func(Repos) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepos{db: tx})
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

type gormStores gormRepos

func (r *gormStores) GetById(ctx context.Context, id string) (*models.Store, error) {
	// Store rows are hot (every event resolves a timezone); cache them.
	cacheKey := "store:" + id
	var cached models.Store
	if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok {
		return &cached, nil
	}

	var store models.Store
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&store).Error; err != nil {
		return nil, notFound(err)
	}
	_ = config.SetRedisObject(cacheKey, &store, 10*time.Minute)
	return &store, nil
}

func (r *gormStores) List(ctx context.Context) ([]*models.Store, error) {
	var stores []*models.Store
	if err := r.db.WithContext(ctx).Order("id").Find(&stores).Error; err != nil {
		return nil, err
	}
	return stores, nil
}

type gormProducts gormRepos

func (r *gormProducts) GetForUpdate(ctx context.Context, storeId string, productId string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("store_id = ? AND id = ?", storeId, productId).
		First(&product).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &product, nil
}

func (r *gormProducts) Save(ctx context.Context, product *models.Product) error {
	return r.db.WithContext(ctx).Save(product).Error
}

type gormSales gormRepos

func (r *gormSales) GetById(ctx context.Context, storeId string, id string) (*models.Sale, error) {
	var sale models.Sale
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("store_id = ? AND id = ?", storeId, id).
		First(&sale).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sale, nil
}

func (r *gormSales) Create(ctx context.Context, sale *models.Sale) error {
	if err := r.db.WithContext(ctx).Create(sale).Error; err != nil {
		if IsDuplicateKey(err) {
			return utils.AlreadyExists("sale already committed: " + sale.ID)
		}
		return err
	}
	return nil
}

func (r *gormSales) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Sale, error) {
	var sales []*models.Sale
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("store_id = ? AND created_at >= ? AND created_at < ?", storeId, start, end).
		Order("created_at").
		Find(&sales).Error
	if err != nil {
		return nil, err
	}
	return sales, nil
}

type gormReceipts gormRepos

func (r *gormReceipts) Create(ctx context.Context, receipt *models.Receipt) error {
	return r.db.WithContext(ctx).Create(receipt).Error
}

func (r *gormReceipts) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Receipt, error) {
	var receipts []*models.Receipt
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND created_at >= ? AND created_at < ?", storeId, start, end).
		Order("created_at").
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

type gormCustomers gormRepos

func (r *gormCustomers) Create(ctx context.Context, customer *models.Customer) error {
	return r.db.WithContext(ctx).Create(customer).Error
}

func (r *gormCustomers) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Customer, error) {
	var customers []*models.Customer
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND created_at >= ? AND created_at < ?", storeId, start, end).
		Order("created_at").
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	return customers, nil
}

type gormCloseouts gormRepos

func (r *gormCloseouts) Create(ctx context.Context, closeout *models.Closeout) error {
	return r.db.WithContext(ctx).Create(closeout).Error
}

func (r *gormCloseouts) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Closeout, error) {
	var closeouts []*models.Closeout
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND at >= ? AND at < ?", storeId, start, end).
		Order("at").
		Find(&closeouts).Error
	if err != nil {
		return nil, err
	}
	return closeouts, nil
}

type gormLedger gormRepos

func (r *gormLedger) Append(ctx context.Context, entry *models.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormLedger) SumQtyChange(ctx context.Context, storeId string, productId string) (int, error) {
	var total int
	err := r.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Where("store_id = ? AND product_id = ?", storeId, productId).
		Select("COALESCE(SUM(qty_change), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}

type gormSummaries gormRepos

func (r *gormSummaries) Get(ctx context.Context, storeId string, dateKey string) (*models.DailySummary, error) {
	var summary models.DailySummary
	err := r.db.WithContext(ctx).
		Where("id = ?", models.SummaryId(storeId, dateKey)).
		First(&summary).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &summary, nil
}

func (r *gormSummaries) GetForUpdate(ctx context.Context, storeId string, dateKey string) (*models.DailySummary, error) {
	var summary models.DailySummary
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", models.SummaryId(storeId, dateKey)).
		First(&summary).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &summary, nil
}

func (r *gormSummaries) Save(ctx context.Context, summary *models.DailySummary) error {
	return r.db.WithContext(ctx).Save(summary).Error
}

type gormActivities gormRepos

func (r *gormActivities) Append(ctx context.Context, entry *models.ActivityEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *gormActivities) ListByStoreDate(ctx context.Context, storeId string, dateKey string) ([]*models.ActivityEntry, error) {
	var entries []*models.ActivityEntry
	err := r.db.WithContext(ctx).
		Where("store_id = ? AND date_key = ?", storeId, dateKey).
		Order("at DESC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *gormActivities) DeleteMissingStore(ctx context.Context) (int64, error) {
	// Cross-tenant maintenance query; the tenant guard must be bypassed by
	// the caller (reconciliation runs with SkipTenantScope).
	result := r.db.WithContext(ctx).
		Where("store_id = '' OR store_id IS NULL").
		Delete(&models.ActivityEntry{})
	return result.RowsAffected, result.Error
}

func (r *gormActivities) ListMissingDateKey(ctx context.Context) ([]*models.ActivityEntry, error) {
	var entries []*models.ActivityEntry
	err := r.db.WithContext(ctx).
		Where("(date_key = '' OR date_key IS NULL) AND store_id <> ''").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *gormActivities) UpdateDateKey(ctx context.Context, id int, dateKey string) error {
	return r.db.WithContext(ctx).Model(&models.ActivityEntry{}).
		Where("id = ?", id).
		Update("date_key", dateKey).Error
}

type gormIdempotency gormRepos

// Begin inserts STARTED. A SUCCEEDED row means "skip safely"; a fresh
// STARTED row held by another worker returns ErrIdempotencyInProgress so the
// broker redelivers; stale STARTED and FAILED rows are reclaimed.
func (r *gormIdempotency) Begin(ctx context.Context, storeId string, handlerName string, eventId string) (bool, error) {
	tx := r.db.WithContext(ctx)
	key := models.IdempotencyKey{
		StoreId:     storeId,
		HandlerName: handlerName,
		EventId:     eventId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !IsDuplicateKey(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("store_id = ? AND handler_name = ? AND event_id = ?", storeId, handlerName, eventId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < staleStartedAfter {
			return false, ErrIdempotencyInProgress
		}
		return false, r.reclaim(tx, existing.ID)
	default:
		return false, r.reclaim(tx, existing.ID)
	}
}

func (r *gormIdempotency) reclaim(tx *gorm.DB, id int) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func (r *gormIdempotency) MarkSucceeded(ctx context.Context, storeId string, handlerName string, eventId string) error {
	return r.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("store_id = ? AND handler_name = ? AND event_id = ?", storeId, handlerName, eventId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

// MarkFailed upserts: the STARTED claim usually rolled back with the failed
// transaction, so a fresh FAILED row is inserted when no claim remains.
func (r *gormIdempotency) MarkFailed(ctx context.Context, storeId string, handlerName string, eventId string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res := r.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("store_id = ? AND handler_name = ? AND event_id = ?", storeId, handlerName, eventId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Create(&models.IdempotencyKey{
		StoreId:     storeId,
		HandlerName: handlerName,
		EventId:     eventId,
		Status:      models.IdempotencyStatusFailed,
		LastError:   &msg,
	}).Error
	if IsDuplicateKey(err) {
		// Lost a race with a concurrent redelivery that re-claimed the key.
		return nil
	}
	return err
}

type gormEvents gormRepos

func (r *gormEvents) Append(ctx context.Context, record *models.DomainEventRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}
