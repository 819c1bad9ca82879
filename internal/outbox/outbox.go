// Package outbox implements the transactional outbox: state changes and
// the events describing them commit atomically, then a dispatcher moves
// the committed events onto the named queues. Downstream workers dedupe
// on the idempotency key, turning at-least-once delivery into
// exactly-once effect.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hustlexp/backend/internal/storage"
)

// Event is one pending downstream effect. EventVersion equals the
// aggregate's version after the change the event describes.
type Event struct {
	EventType      string         `json:"eventType"`
	AggregateType  string         `json:"aggregateType"`
	AggregateID    string         `json:"aggregateId"`
	EventVersion   int            `json:"eventVersion"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Payload        map[string]any `json:"payload"`
	QueueName      string         `json:"queueName"`
}

// Key builds the canonical idempotency key for an aggregate transition.
func Key(eventType, aggregateID string, version int) string {
	return fmt.Sprintf("%s:%s:%d", eventType, aggregateID, version)
}

// Writer inserts outbox rows. It MUST be called on the same transaction
// as the state change the event describes; if that transaction rolls
// back, the event is gone with it.
type Writer struct{}

func NewWriter() *Writer { return &Writer{} }

// Write inserts one outbox row. A duplicate idempotency key fails with a
// unique violation, which callers treat as a replayed transition.
func (w *Writer) Write(ctx context.Context, tx storage.Tx, ev Event) error {
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = Key(ev.EventType, ev.AggregateID, ev.EventVersion)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (event_type, aggregate_type, aggregate_id, event_version,
			idempotency_key, payload, queue_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.EventType, ev.AggregateType, ev.AggregateID, ev.EventVersion,
		ev.IdempotencyKey, payload, ev.QueueName)
	if err != nil {
		return fmt.Errorf("insert outbox event %s: %w", ev.IdempotencyKey, err)
	}
	return nil
}

// EventWriter is the interface engines depend on.
type EventWriter interface {
	Write(ctx context.Context, tx storage.Tx, ev Event) error
}

var _ EventWriter = (*Writer)(nil)
