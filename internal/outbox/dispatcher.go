package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hustlexp/backend/internal/storage"
)

// QueuePublisher publishes a job payload onto a named queue. The Pub/Sub
// implementation is below; tests use a fake.
type QueuePublisher interface {
	Publish(ctx context.Context, queueName string, payload []byte, attributes map[string]string) error
}

// Job is the payload enqueued for workers. The idempotency key travels
// with the job so the worker can apply the effect at most once.
type Job struct {
	EventType      string          `json:"eventType"`
	AggregateType  string          `json:"aggregateType"`
	AggregateID    string          `json:"aggregateId"`
	EventVersion   int             `json:"eventVersion"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

// Dispatcher claims undispatched outbox rows and enqueues them. Marking
// happens after a successful publish; a crash between publish and mark
// re-publishes the row, which is safe because consumers dedupe on the
// idempotency key.
type Dispatcher struct {
	db        *storage.DB
	publisher QueuePublisher
	batchSize int
	interval  time.Duration
	logger    *log.Logger
	metrics   *Metrics
}

func NewDispatcher(db *storage.DB, publisher QueuePublisher, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		db:        db,
		publisher: publisher,
		batchSize: 100,
		interval:  500 * time.Millisecond,
		logger:    log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
		metrics:   metrics,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Printf("🚚 Outbox dispatcher started (batch=%d interval=%s)", d.batchSize, d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Printf("Outbox dispatcher stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if n, err := d.DispatchBatch(ctx); err != nil {
				d.logger.Printf("⚠️ dispatch batch failed: %v", err)
			} else if n > 0 {
				d.logger.Printf("📤 dispatched %d outbox events", n)
			}
		}
	}
}

// DispatchBatch publishes up to batchSize pending events and marks them
// dispatched. SKIP LOCKED lets several dispatcher processes share the
// table without stepping on each other.
func (d *Dispatcher) DispatchBatch(ctx context.Context) (int, error) {
	dispatched := 0
	err := d.db.WithTransaction(ctx, func(tx storage.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, event_type, aggregate_type, aggregate_id, event_version,
				idempotency_key, payload, queue_name
			FROM outbox
			WHERE dispatched_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, d.batchSize)
		if err != nil {
			return fmt.Errorf("claim outbox rows: %w", err)
		}
		defer rows.Close()

		type pending struct {
			id    int64
			queue string
			job   Job
		}
		var batch []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.job.EventType, &p.job.AggregateType,
				&p.job.AggregateID, &p.job.EventVersion, &p.job.IdempotencyKey,
				&p.job.Payload, &p.queue); err != nil {
				return fmt.Errorf("scan outbox row: %w", err)
			}
			batch = append(batch, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, p := range batch {
			body, err := json.Marshal(p.job)
			if err != nil {
				return fmt.Errorf("marshal job %s: %w", p.job.IdempotencyKey, err)
			}
			attrs := map[string]string{
				"eventType":      p.job.EventType,
				"idempotencyKey": p.job.IdempotencyKey,
				"aggregateType":  p.job.AggregateType,
			}
			if err := d.publisher.Publish(ctx, p.queue, body, attrs); err != nil {
				// Leave the row pending; the next batch retries it.
				return fmt.Errorf("publish %s to %s: %w", p.job.IdempotencyKey, p.queue, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox SET dispatched_at = now() WHERE id = $1`, p.id); err != nil {
				return fmt.Errorf("mark dispatched %d: %w", p.id, err)
			}
			if d.metrics != nil {
				d.metrics.Dispatched.WithLabelValues(p.queue, p.job.EventType).Inc()
			}
			dispatched++
		}
		return nil
	})
	return dispatched, err
}

// PendingCount returns the number of undispatched rows, for health checks.
func (d *Dispatcher) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT count(*) FROM outbox WHERE dispatched_at IS NULL`).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return n, nil
}

// ============================================================================
// Pub/Sub publisher
// ============================================================================

// PubSubPublisher publishes jobs to one Pub/Sub topic per named queue.
type PubSubPublisher struct {
	client *pubsub.Client
	topics map[string]*pubsub.Topic
	logger *log.Logger
}

// NewPubSubPublisher connects to Pub/Sub and resolves (creating when
// missing) one topic per queue name.
func NewPubSubPublisher(ctx context.Context, projectID string, queueNames []string) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	p := &PubSubPublisher{
		client: client,
		topics: make(map[string]*pubsub.Topic),
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	for _, name := range queueNames {
		topic := client.Topic(name)
		exists, err := topic.Exists(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("topic.Exists(%s): %w", name, err)
		}
		if !exists {
			topic, err = client.CreateTopic(ctx, name)
			if err != nil {
				client.Close()
				return nil, fmt.Errorf("CreateTopic(%s): %w", name, err)
			}
			p.logger.Printf("Created Pub/Sub topic %s", name)
		}
		p.topics[name] = topic
	}

	p.logger.Printf("✅ Connected to Pub/Sub (project=%s, queues=%d)", projectID, len(queueNames))
	return p, nil
}

// Publish blocks until the message is accepted by the server, so the
// dispatcher only marks rows whose jobs are durably enqueued.
func (p *PubSubPublisher) Publish(ctx context.Context, queueName string, payload []byte, attributes map[string]string) error {
	topic, ok := p.topics[queueName]
	if !ok {
		return fmt.Errorf("unknown queue %q", queueName)
	}
	result := topic.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", queueName, err)
	}
	return nil
}

// Close stops all topics and the client.
func (p *PubSubPublisher) Close() error {
	for _, t := range p.topics {
		t.Stop()
	}
	return p.client.Close()
}

var _ QueuePublisher = (*PubSubPublisher)(nil)
