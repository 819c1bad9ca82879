// Package worker is the background fabric: Pub/Sub consumers per named
// queue driving the handlers that apply downstream effects of outbox
// events, plus the stuck-claim recovery loop.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
	"golang.org/x/sync/errgroup"

	"github.com/hustlexp/backend/internal/outbox"
)

// JobTimeout bounds a single job; the message is nacked and redelivered
// when a handler overruns it.
const JobTimeout = 30 * time.Second

// Handler processes one dispatched outbox job. Errors cause a nack and
// an at-least-once redelivery; handlers must be idempotent.
type Handler interface {
	Handle(ctx context.Context, job outbox.Job) error
}

// Consumer runs one Pub/Sub subscription per named queue.
type Consumer struct {
	client  *pubsub.Client
	queues  []string
	handler Handler
	timeout time.Duration
	logger  *log.Logger
}

func NewConsumer(client *pubsub.Client, queues []string, handler Handler) *Consumer {
	return &Consumer{
		client:  client,
		queues:  queues,
		handler: handler,
		timeout: JobTimeout,
		logger:  log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// Run consumes all queues until ctx is cancelled or a subscription fails.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range c.queues {
		queue := queue
		g.Go(func() error {
			return c.consume(ctx, queue)
		})
	}
	return g.Wait()
}

func (c *Consumer) consume(ctx context.Context, queue string) error {
	sub, err := c.ensureSubscription(ctx, queue)
	if err != nil {
		return err
	}
	c.logger.Printf("✅ Consuming queue %s", queue)

	return sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		var job outbox.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			// Malformed messages never become parseable; drop them.
			c.logger.Printf("❌ Dropping malformed job on %s: %v", queue, err)
			msg.Ack()
			return
		}

		jobCtx, cancel := context.WithTimeout(msgCtx, c.timeout)
		defer cancel()

		if err := c.handler.Handle(jobCtx, job); err != nil {
			c.logger.Printf("⚠️ Job %s (%s) failed, will redeliver: %v", job.IdempotencyKey, job.EventType, err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// ensureSubscription creates the per-queue topic and subscription when
// they do not exist yet.
func (c *Consumer) ensureSubscription(ctx context.Context, queue string) (*pubsub.Subscription, error) {
	topic := c.client.Topic(queue)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists(%s): %w", queue, err)
	}
	if !exists {
		if topic, err = c.client.CreateTopic(ctx, queue); err != nil {
			return nil, fmt.Errorf("CreateTopic(%s): %w", queue, err)
		}
	}

	subID := queue + "-worker"
	sub := c.client.Subscription(subID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("sub.Exists(%s): %w", subID, err)
	}
	if !exists {
		sub, err = c.client.CreateSubscription(ctx, subID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: c.timeout + 10*time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("CreateSubscription(%s): %w", subID, err)
		}
	}
	return sub, nil
}
