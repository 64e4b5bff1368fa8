package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/retailops_backend/models"
)

// ErrNotFound is returned by Get-style lookups when no row matches. Callers
// translate it into the domain error appropriate for their boundary
// (FailedPrecondition for a missing product, AlreadyExists checks, etc).
var ErrNotFound = errors.New("record not found")

type Stores interface {
	GetById(ctx context.Context, id string) (*models.Store, error)
	List(ctx context.Context) ([]*models.Store, error)
}

type Products interface {
	// GetForUpdate reads the product row with a write lock so concurrent
	// commits against the same product serialize inside the transaction.
	GetForUpdate(ctx context.Context, storeId string, productId string) (*models.Product, error)
	Save(ctx context.Context, product *models.Product) error
}

type Sales interface {
	GetById(ctx context.Context, storeId string, id string) (*models.Sale, error)
	Create(ctx context.Context, sale *models.Sale) error
	ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Sale, error)
}

type Receipts interface {
	Create(ctx context.Context, receipt *models.Receipt) error
	ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Receipt, error)
}

type Customers interface {
	Create(ctx context.Context, customer *models.Customer) error
	ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Customer, error)
}

type Closeouts interface {
	Create(ctx context.Context, closeout *models.Closeout) error
	ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Closeout, error)
}

type Ledger interface {
	Append(ctx context.Context, entry *models.LedgerEntry) error
	SumQtyChange(ctx context.Context, storeId string, productId string) (int, error)
}

type Summaries interface {
	Get(ctx context.Context, storeId string, dateKey string) (*models.DailySummary, error)
	// GetForUpdate locks the summary row; ErrNotFound when the day has no
	// document yet.
	GetForUpdate(ctx context.Context, storeId string, dateKey string) (*models.DailySummary, error)
	Save(ctx context.Context, summary *models.DailySummary) error
}

type Activities interface {
	Append(ctx context.Context, entry *models.ActivityEntry) error
	ListByStoreDate(ctx context.Context, storeId string, dateKey string) ([]*models.ActivityEntry, error)
	// DeleteMissingStore removes orphan rows that carry no tenant id.
	DeleteMissingStore(ctx context.Context) (int64, error)
	ListMissingDateKey(ctx context.Context) ([]*models.ActivityEntry, error)
	UpdateDateKey(ctx context.Context, id int, dateKey string) error
}

type Idempotency interface {
	// Begin claims (storeId, handlerName, eventId). skip is true when a
	// previous attempt already succeeded; a lost race on a fresh STARTED
	// claim returns an error so the caller retries later.
	Begin(ctx context.Context, storeId string, handlerName string, eventId string) (skip bool, err error)
	MarkSucceeded(ctx context.Context, storeId string, handlerName string, eventId string) error
	MarkFailed(ctx context.Context, storeId string, handlerName string, eventId string, cause error) error
}

type Events interface {
	Append(ctx context.Context, record *models.DomainEventRecord) error
}

// Repos bundles the per-collection repositories behind one handle so
// services take a single dependency. Transaction runs fn against a handle
// whose writes all commit or all roll back together.
type Repos interface {
	Stores() Stores
	Products() Products
	Sales() Sales
	Receipts() Receipts
	Customers() Customers
	Closeouts() Closeouts
	Ledger() Ledger
	Summaries() Summaries
	Activities() Activities
	Idempotency() Idempotency
	Events() Events

	Transaction(ctx context.Context, fn func(Repos) error) error
}
