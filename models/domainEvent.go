package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/retailops_backend/config"
	"github.com/mmdatafocus/retailops_backend/utils"
)

// DomainEventRecord implements the transactional outbox: the commit handler
// writes the event row inside its own DB transaction and does NOT publish to
// Pub/Sub. Publishing is performed asynchronously by the outbox dispatcher
// after commit.
type DomainEventRecord struct {
	ID          int             `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventId     string          `gorm:"size:64;not null;uniqueIndex" json:"event_id"`
	StoreId     string          `gorm:"size:64;not null;index" json:"store_id"`
	EventType   DomainEventType `gorm:"size:40;not null" json:"event_type"`
	OccurredAt  time.Time       `gorm:"index;not null" json:"occurred_at"`
	ReferenceId string          `gorm:"size:64;not null" json:"reference_id"`
	Payload     []byte          `gorm:"type:blob" json:"payload"`

	// Publish happens after commit via the dispatcher.
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToPubSubMessage(record DomainEventRecord) config.PubSubMessage {
	return config.PubSubMessage{
		ID:            record.ID,
		EventId:       record.EventId,
		StoreId:       record.StoreId,
		EventType:     string(record.EventType),
		OccurredAt:    record.OccurredAt,
		ReferenceId:   record.ReferenceId,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

// NewDomainEventRecord builds a pending outbox row for a committed document.
// payload is marshaled as-is; a marshal failure surfaces to the caller so the
// enclosing transaction rolls back instead of committing a half-written event.
func NewDomainEventRecord(ctx context.Context, storeId string, eventType DomainEventType, referenceId string, occurredAt time.Time, payload any) (*DomainEventRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &DomainEventRecord{
		EventId:       uuid.NewString(),
		StoreId:       storeId,
		EventType:     eventType,
		OccurredAt:    occurredAt,
		ReferenceId:   referenceId,
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
