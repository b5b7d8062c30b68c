// Package outbox provides the durability substrate for crossing the
// internal-state/external-effect boundary: outbox events written alongside
// state changes for reliable at-least-once observation, and consumer
// receipts that make side effects replay-safe.
package outbox

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutboxEvent is a durable event record appended alongside a state change.
type OutboxEvent struct {
	gorm.Model    `json:"-"`
	EventID       string     `gorm:"uniqueIndex" json:"event_id"`
	Topic         string     `gorm:"index" json:"topic"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	Payload       string     `json:"payload"` // JSON-encoded
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ConsumerReceipt records that a named consumer has completed one unit of
// work. A unique (consumer_name, idempotency_key) row means "already done".
type ConsumerReceipt struct {
	gorm.Model     `json:"-"`
	ConsumerName   string    `gorm:"index:idx_receipt_consumer_key,unique" json:"consumer_name"`
	IdempotencyKey string    `gorm:"index:idx_receipt_consumer_key,unique" json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists outbox events and consumer receipts.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store on the given database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AppendEvent writes a new outbox event. When tx is non-nil the event joins
// the caller's transaction so it commits atomically with the state change.
func (s *Store) AppendEvent(tx *gorm.DB, event *OutboxEvent) error {
	if event.EventID == "" {
		event.EventID = "EVT_" + uuid.New().String()
	}
	event.CreatedAt = time.Now()
	db := s.db
	if tx != nil {
		db = tx
	}
	return db.Create(event).Error
}

// MarkProcessed claims the (consumer, key) unit of work. It returns true if
// this call newly claimed it, false if a receipt already existed. Losing the
// uniqueness race to a concurrent claimant is reported as "already done",
// not as an error.
func (s *Store) MarkProcessed(consumerName, idempotencyKey string) (bool, error) {
	receipt := &ConsumerReceipt{
		ConsumerName:   consumerName,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now(),
	}
	if err := s.db.Create(receipt).Error; err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsProcessed reports whether the (consumer, key) unit of work has a receipt.
func (s *Store) IsProcessed(consumerName, idempotencyKey string) (bool, error) {
	var receipt ConsumerReceipt
	err := s.db.Where("consumer_name = ? AND idempotency_key = ?", consumerName, idempotencyKey).
		First(&receipt).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PendingEvents returns unpublished events in creation order, up to limit.
func (s *Store) PendingEvents(limit int) ([]OutboxEvent, error) {
	var events []OutboxEvent
	if err := s.db.Where("published_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// MarkPublished stamps an event as handed off to its downstream consumer.
func (s *Store) MarkPublished(eventID string) error {
	now := time.Now()
	result := s.db.Model(&OutboxEvent{}).
		Where("event_id = ? AND published_at IS NULL", eventID).
		Update("published_at", now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return errors.New("event not found or already published")
	}
	return nil
}

// isUniqueViolation covers both gorm's translated error and the raw sqlite
// constraint message, which gorm does not always translate.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
