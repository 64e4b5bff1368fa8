package models

// LedgerEntryType tags the sign convention of a ledger row: sales subtract
// stock, receipts add it.
type LedgerEntryType string

const (
	LedgerEntryTypeSale    LedgerEntryType = "sale"
	LedgerEntryTypeReceipt LedgerEntryType = "receipt"
)

type ActivityType string

const (
	ActivityTypeSale     ActivityType = "sale"
	ActivityTypeReceipt  ActivityType = "receipt"
	ActivityTypeCustomer ActivityType = "customer"
)

// DomainEventType identifies creation events flowing through the outbox to
// the aggregator.
type DomainEventType string

const (
	EventTypeSaleCreated     DomainEventType = "sale.created"
	EventTypeReceiptCreated  DomainEventType = "receipt.created"
	EventTypeCustomerCreated DomainEventType = "customer.created"
)

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
)

const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
