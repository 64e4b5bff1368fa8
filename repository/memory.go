package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/retailops_backend/models"
	"github.com/mmdatafocus/retailops_backend/utils"
)

// MemoryRepos is a fully in-memory Repos used by tests and local tooling.
// Transaction takes a deep snapshot up front and restores it on error, so
// rollback semantics match the real database closely enough for the commit
// and aggregation protocols to be exercised without MySQL.
type MemoryRepos struct {
	mu    sync.Mutex
	state *memoryState
	inTx  bool
}

type memoryState struct {
	stores      map[string]*models.Store
	products    map[string]*models.Product
	sales       map[string]*models.Sale
	receipts    []*models.Receipt
	customers   []*models.Customer
	closeouts   []*models.Closeout
	ledger      []*models.LedgerEntry
	summaries   map[string]*models.DailySummary
	activities  []*models.ActivityEntry
	idempotency map[string]*models.IdempotencyKey
	events      []*models.DomainEventRecord

	nextActivityId int
	nextLedgerId   int
	nextEventId    int
	nextIdemId     int
}

func NewMemoryRepos() *MemoryRepos {
	return &MemoryRepos{state: &memoryState{
		stores:         make(map[string]*models.Store),
		products:       make(map[string]*models.Product),
		sales:          make(map[string]*models.Sale),
		summaries:      make(map[string]*models.DailySummary),
		idempotency:    make(map[string]*models.IdempotencyKey),
		nextActivityId: 1,
		nextLedgerId:   1,
		nextEventId:    1,
		nextIdemId:     1,
	}}
}

// Seed helpers for tests.

func (m *MemoryRepos) SeedStore(store *models.Store) {
	m.lock()
	defer m.unlock()
	cp := *store
	m.state.stores[store.ID] = &cp
}

func (m *MemoryRepos) SeedProduct(product *models.Product) {
	m.lock()
	defer m.unlock()
	cp := *product
	m.state.products[scopedKey(product.StoreId, product.ID)] = &cp
}

func scopedKey(storeId string, id string) string {
	return storeId + "/" + id
}

func idemKey(storeId string, handlerName string, eventId string) string {
	return storeId + "|" + handlerName + "|" + eventId
}

func (m *MemoryRepos) lock() {
	if !m.inTx {
		m.mu.Lock()
	}
}

func (m *MemoryRepos) unlock() {
	if !m.inTx {
		m.mu.Unlock()
	}
}

func (m *MemoryRepos) Stores() Stores           { return (*memStores)(m) }
func (m *MemoryRepos) Products() Products       { return (*memProducts)(m) }
func (m *MemoryRepos) Sales() Sales             { return (*memSales)(m) }
func (m *MemoryRepos) Receipts() Receipts       { return (*memReceipts)(m) }
func (m *MemoryRepos) Customers() Customers     { return (*memCustomers)(m) }
func (m *MemoryRepos) Closeouts() Closeouts     { return (*memCloseouts)(m) }
func (m *MemoryRepos) Ledger() Ledger           { return (*memLedger)(m) }
func (m *MemoryRepos) Summaries() Summaries     { return (*memSummaries)(m) }
func (m *MemoryRepos) Activities() Activities   { return (*memActivities)(m) }
func (m *MemoryRepos) Idempotency() Idempotency { return (*memIdempotency)(m) }
func (m *MemoryRepos) Events() Events           { return (*memEvents)(m) }

func (m *MemoryRepos) Transaction(ctx context.Context, fn func(Repos) error) error {
	if m.inTx {
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	tx := &MemoryRepos{state: m.state, inTx: true}
	if err := fn(tx); err != nil {
		*m.state = *snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() *memoryState {
	cp := &memoryState{
		stores:         make(map[string]*models.Store, len(s.stores)),
		products:       make(map[string]*models.Product, len(s.products)),
		sales:          make(map[string]*models.Sale, len(s.sales)),
		receipts:       make([]*models.Receipt, len(s.receipts)),
		customers:      make([]*models.Customer, len(s.customers)),
		closeouts:      make([]*models.Closeout, len(s.closeouts)),
		ledger:         make([]*models.LedgerEntry, len(s.ledger)),
		summaries:      make(map[string]*models.DailySummary, len(s.summaries)),
		activities:     make([]*models.ActivityEntry, len(s.activities)),
		idempotency:    make(map[string]*models.IdempotencyKey, len(s.idempotency)),
		events:         make([]*models.DomainEventRecord, len(s.events)),
		nextActivityId: s.nextActivityId,
		nextLedgerId:   s.nextLedgerId,
		nextEventId:    s.nextEventId,
		nextIdemId:     s.nextIdemId,
	}
	for k, v := range s.stores {
		c := *v
		cp.stores[k] = &c
	}
	for k, v := range s.products {
		c := *v
		cp.products[k] = &c
	}
	for k, v := range s.sales {
		cp.sales[k] = cloneSale(v)
	}
	for i, v := range s.receipts {
		c := *v
		cp.receipts[i] = &c
	}
	for i, v := range s.customers {
		c := *v
		cp.customers[i] = &c
	}
	for i, v := range s.closeouts {
		c := *v
		cp.closeouts[i] = &c
	}
	for i, v := range s.ledger {
		c := *v
		cp.ledger[i] = &c
	}
	for k, v := range s.summaries {
		cp.summaries[k] = cloneSummary(v)
	}
	for i, v := range s.activities {
		c := *v
		cp.activities[i] = &c
	}
	for k, v := range s.idempotency {
		c := *v
		cp.idempotency[k] = &c
	}
	for i, v := range s.events {
		c := *v
		cp.events[i] = &c
	}
	return cp
}

func cloneSale(s *models.Sale) *models.Sale {
	c := *s
	if s.Items != nil {
		c.Items = make([]models.SaleItem, len(s.Items))
		copy(c.Items, s.Items)
	}
	if s.Tender != nil {
		c.Tender = make(models.TenderMap, len(s.Tender))
		for k, v := range s.Tender {
			c.Tender[k] = v
		}
	}
	return &c
}

func cloneSummary(s *models.DailySummary) *models.DailySummary {
	c := *s
	if s.ProductStats != nil {
		c.ProductStats = make(models.ProductStatsMap, len(s.ProductStats))
		for k, v := range s.ProductStats {
			c.ProductStats[k] = v
		}
	}
	if s.ProductStatsOrder != nil {
		c.ProductStatsOrder = append(models.StringList(nil), s.ProductStatsOrder...)
	}
	if s.LastActivityAt != nil {
		at := *s.LastActivityAt
		c.LastActivityAt = &at
	}
	return &c
}

type memStores MemoryRepos

func (m *memStores) GetById(ctx context.Context, id string) (*models.Store, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	store, ok := m.state.stores[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *store
	return &cp, nil
}

func (m *memStores) List(ctx context.Context) ([]*models.Store, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	stores := make([]*models.Store, 0, len(m.state.stores))
	for _, s := range m.state.stores {
		cp := *s
		stores = append(stores, &cp)
	}
	sort.Slice(stores, func(i, j int) bool { return stores[i].ID < stores[j].ID })
	return stores, nil
}

type memProducts MemoryRepos

func (m *memProducts) GetForUpdate(ctx context.Context, storeId string, productId string) (*models.Product, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	product, ok := m.state.products[scopedKey(storeId, productId)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *product
	return &cp, nil
}

func (m *memProducts) Save(ctx context.Context, product *models.Product) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	cp := *product
	m.state.products[scopedKey(product.StoreId, product.ID)] = &cp
	return nil
}

type memSales MemoryRepos

func (m *memSales) GetById(ctx context.Context, storeId string, id string) (*models.Sale, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	sale, ok := m.state.sales[scopedKey(storeId, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSale(sale), nil
}

func (m *memSales) Create(ctx context.Context, sale *models.Sale) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	key := scopedKey(sale.StoreId, sale.ID)
	if _, exists := m.state.sales[key]; exists {
		return utils.AlreadyExists("sale already committed: " + sale.ID)
	}
	m.state.sales[key] = cloneSale(sale)
	return nil
}

func (m *memSales) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Sale, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	var sales []*models.Sale
	for _, s := range m.state.sales {
		if s.StoreId == storeId && inWindow(s.CreatedAt, start, end) {
			sales = append(sales, cloneSale(s))
		}
	}
	sort.Slice(sales, func(i, j int) bool { return sales[i].CreatedAt.Before(sales[j].CreatedAt) })
	return sales, nil
}

func inWindow(t time.Time, start time.Time, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

type memReceipts MemoryRepos

func (m *memReceipts) Create(ctx context.Context, receipt *models.Receipt) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	cp := *receipt
	m.state.receipts = append(m.state.receipts, &cp)
	return nil
}

func (m *memReceipts) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Receipt, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	var receipts []*models.Receipt
	for _, r := range m.state.receipts {
		if r.StoreId == storeId && inWindow(r.CreatedAt, start, end) {
			cp := *r
			receipts = append(receipts, &cp)
		}
	}
	return receipts, nil
}

type memCustomers MemoryRepos

func (m *memCustomers) Create(ctx context.Context, customer *models.Customer) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	cp := *customer
	m.state.customers = append(m.state.customers, &cp)
	return nil
}

func (m *memCustomers) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Customer, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	var customers []*models.Customer
	for _, c := range m.state.customers {
		if c.StoreId == storeId && inWindow(c.CreatedAt, start, end) {
			cp := *c
			customers = append(customers, &cp)
		}
	}
	return customers, nil
}

type memCloseouts MemoryRepos

func (m *memCloseouts) Create(ctx context.Context, closeout *models.Closeout) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	cp := *closeout
	m.state.closeouts = append(m.state.closeouts, &cp)
	return nil
}

func (m *memCloseouts) ListByWindow(ctx context.Context, storeId string, start time.Time, end time.Time) ([]*models.Closeout, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	var closeouts []*models.Closeout
	for _, c := range m.state.closeouts {
		if c.StoreId == storeId && inWindow(c.At, start, end) {
			cp := *c
			closeouts = append(closeouts, &cp)
		}
	}
	return closeouts, nil
}

type memLedger MemoryRepos

func (m *memLedger) Append(ctx context.Context, entry *models.LedgerEntry) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	cp := *entry
	cp.ID = m.state.nextLedgerId
	m.state.nextLedgerId++
	m.state.ledger = append(m.state.ledger, &cp)
	entry.ID = cp.ID
	return nil
}

func (m *memLedger) SumQtyChange(ctx context.Context, storeId string, productId string) (int, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	total := 0
	for _, e := range m.state.ledger {
		if e.StoreId == storeId && e.ProductId == productId {
			total += e.QtyChange
		}
	}
	return total, nil
}

type memSummaries MemoryRepos

func (m *memSummaries) Get(ctx context.Context, storeId string, dateKey string) (*models.DailySummary, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	summary, ok := m.state.summaries[models.SummaryId(storeId, dateKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSummary(summary), nil
}

func (m *memSummaries) GetForUpdate(ctx context.Context, storeId string, dateKey string) (*models.DailySummary, error) {
	return m.Get(ctx, storeId, dateKey)
}

func (m *memSummaries) Save(ctx context.Context, summary *models.DailySummary) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	m.state.summaries[summary.ID] = cloneSummary(summary)
	return nil
}

type memActivities MemoryRepos

func (m *memActivities) Append(ctx context.Context, entry *models.ActivityEntry) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	cp := *entry
	cp.ID = m.state.nextActivityId
	m.state.nextActivityId++
	m.state.activities = append(m.state.activities, &cp)
	entry.ID = cp.ID
	return nil
}

func (m *memActivities) ListByStoreDate(ctx context.Context, storeId string, dateKey string) ([]*models.ActivityEntry, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	var entries []*models.ActivityEntry
	for _, e := range m.state.activities {
		if e.StoreId == storeId && e.DateKey == dateKey {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].At.After(entries[j].At) })
	return entries, nil
}

func (m *memActivities) DeleteMissingStore(ctx context.Context) (int64, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	kept := m.state.activities[:0]
	var deleted int64
	for _, e := range m.state.activities {
		if e.StoreId == "" {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.state.activities = kept
	return deleted, nil
}

func (m *memActivities) ListMissingDateKey(ctx context.Context) ([]*models.ActivityEntry, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	var entries []*models.ActivityEntry
	for _, e := range m.state.activities {
		if e.DateKey == "" && e.StoreId != "" {
			cp := *e
			entries = append(entries, &cp)
		}
	}
	return entries, nil
}

func (m *memActivities) UpdateDateKey(ctx context.Context, id int, dateKey string) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	for _, e := range m.state.activities {
		if e.ID == id {
			e.DateKey = dateKey
			return nil
		}
	}
	return ErrNotFound
}

type memIdempotency MemoryRepos

func (m *memIdempotency) Begin(ctx context.Context, storeId string, handlerName string, eventId string) (bool, error) {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	key := idemKey(storeId, handlerName, eventId)
	existing, ok := m.state.idempotency[key]
	if !ok {
		m.state.idempotency[key] = &models.IdempotencyKey{
			ID:          m.state.nextIdemId,
			StoreId:     storeId,
			HandlerName: handlerName,
			EventId:     eventId,
			Status:      models.IdempotencyStatusStarted,
			UpdatedAt:   time.Now(),
		}
		m.state.nextIdemId++
		return false, nil
	}
	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < staleStartedAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	existing.Status = models.IdempotencyStatusStarted
	existing.LastError = nil
	existing.UpdatedAt = time.Now()
	return false, nil
}

func (m *memIdempotency) MarkSucceeded(ctx context.Context, storeId string, handlerName string, eventId string) error {
	return m.mark(storeId, handlerName, eventId, models.IdempotencyStatusSucceeded, nil)
}

// MarkFailed upserts: the STARTED claim usually rolled back with the failed
// transaction, so a fresh FAILED row is created when no claim remains.
func (m *memIdempotency) MarkFailed(ctx context.Context, storeId string, handlerName string, eventId string, cause error) error {
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	key := idemKey(storeId, handlerName, eventId)
	existing, ok := m.state.idempotency[key]
	if !ok {
		m.state.idempotency[key] = &models.IdempotencyKey{
			ID:          m.state.nextIdemId,
			StoreId:     storeId,
			HandlerName: handlerName,
			EventId:     eventId,
			Status:      models.IdempotencyStatusFailed,
			LastError:   msg,
			UpdatedAt:   time.Now(),
		}
		m.state.nextIdemId++
		return nil
	}
	existing.Status = models.IdempotencyStatusFailed
	existing.LastError = msg
	existing.UpdatedAt = time.Now()
	return nil
}

func (m *memIdempotency) mark(storeId string, handlerName string, eventId string, status models.IdempotencyStatus, lastError *string) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	existing, ok := m.state.idempotency[idemKey(storeId, handlerName, eventId)]
	if !ok {
		return ErrNotFound
	}
	existing.Status = status
	existing.LastError = lastError
	existing.UpdatedAt = time.Now()
	return nil
}

// IdempotencyClaim returns a copy of the stored claim row, or nil when the
// key was never written. Test helper.
func (m *MemoryRepos) IdempotencyClaim(storeId string, handlerName string, eventId string) *models.IdempotencyKey {
	m.lock()
	defer m.unlock()
	existing, ok := m.state.idempotency[idemKey(storeId, handlerName, eventId)]
	if !ok {
		return nil
	}
	cp := *existing
	return &cp
}

type memEvents MemoryRepos

func (m *memEvents) Append(ctx context.Context, record *models.DomainEventRecord) error {
	(*MemoryRepos)(m).lock()
	defer (*MemoryRepos)(m).unlock()
	cp := *record
	cp.ID = m.state.nextEventId
	m.state.nextEventId++
	m.state.events = append(m.state.events, &cp)
	record.ID = cp.ID
	return nil
}

// Events returns all appended outbox rows in insertion order. Test helper.
func (m *MemoryRepos) AppendedEvents() []*models.DomainEventRecord {
	m.lock()
	defer m.unlock()
	events := make([]*models.DomainEventRecord, len(m.state.events))
	copy(events, m.state.events)
	return events
}
