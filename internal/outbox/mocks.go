package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/hustlexp/backend/internal/storage"
)

// FakeWriter records outbox events in memory and enforces idempotency-key
// uniqueness the way the real table's unique constraint does.
type FakeWriter struct {
	mu     sync.Mutex
	Events []Event
	keys   map[string]bool
}

func NewFakeWriter() *FakeWriter {
	return &FakeWriter{keys: make(map[string]bool)}
}

func (f *FakeWriter) Write(ctx context.Context, tx storage.Tx, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.IdempotencyKey == "" {
		ev.IdempotencyKey = Key(ev.EventType, ev.AggregateID, ev.EventVersion)
	}
	if f.keys[ev.IdempotencyKey] {
		return fmt.Errorf("duplicate idempotency key %s", ev.IdempotencyKey)
	}
	f.keys[ev.IdempotencyKey] = true
	f.Events = append(f.Events, ev)
	return nil
}

// ByType returns the recorded events of one type.
func (f *FakeWriter) ByType(eventType string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, ev := range f.Events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

var _ EventWriter = (*FakeWriter)(nil)

// FakePublisher collects published queue messages for dispatcher tests.
type FakePublisher struct {
	mu       sync.Mutex
	Messages map[string][][]byte
	Fail     bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Messages: make(map[string][][]byte)}
}

func (f *FakePublisher) Publish(ctx context.Context, queueName string, payload []byte, attributes map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail {
		return fmt.Errorf("publish failed (fake)")
	}
	f.Messages[queueName] = append(f.Messages[queueName], payload)
	return nil
}

var _ QueuePublisher = (*FakePublisher)(nil)
