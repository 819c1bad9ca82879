package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/payments"
)

// Emitter is the delivery backend. The in-memory Dispatcher and the
// CloudDispatcher both satisfy it.
type Emitter interface {
	Emit(eventType, userID string, data json.RawMessage)
	Shutdown()
}

// Dispatcher delivers webhook events from an in-process worker pool.
// Used for local development; production runs the Cloud Tasks backend.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:  make(chan *deliveryJob, 1000),
		logger: log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues one delivery per matching subscriber. Never blocks the
// caller; a full queue drops with a warning.
func (d *Dispatcher) Emit(eventType, userID string, data json.RawMessage) {
	subscribers := d.registry.SubscribersFor(eventType, userID)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:      eventType,
		Source:    "/api/v1",
		Timestamp: time.Now(),
		UserID:    userID,
		Data:      data,
	}

	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			d.logger.Printf("⚠️  Webhook queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ Failed to create webhook request: %v", err)
		return
	}
	for k, v := range deliveryHeaders(job.subscriber, job.event, payload, job.attempt) {
		req.Header.Set(k, v)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Webhook delivery failed: %s → %v", job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)

		// Retry up to 3 times with exponential backoff.
		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  Webhook returned %d: %s → %s", resp.StatusCode, job.subscriber.URL, job.event.Type)
		d.registry.MarkFailed(job.subscriber.ID)
	} else {
		d.registry.MarkDelivered(job.subscriber.ID)
		d.logger.Printf("✅ Webhook delivered: %s → %s (%s)", job.event.Type, job.subscriber.URL, job.event.ID)
	}
}

func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

func deliveryHeaders(sub *Subscription, event *Event, payload []byte, attempt int) map[string]string {
	headers := map[string]string{
		"Content-Type":          "application/json",
		"X-HX-Event-Type":       event.Type,
		"X-HX-Event-ID":         event.ID,
		"X-HX-Delivery-Attempt": fmt.Sprintf("%d", attempt),
	}
	if sub.Secret != "" {
		headers["X-HX-Signature"] = "sha256=" + payments.SignPayload(payload, sub.Secret)
	}
	return headers
}

// Service routes fabric events into an Emitter, fanning out to every
// user id present in the event payload.
type Service struct {
	emitter Emitter
}

func NewService(emitter Emitter) *Service {
	return &Service{emitter: emitter}
}

func (s *Service) Notify(_ context.Context, eventType string, payload json.RawMessage) error {
	var p struct {
		UserID   string `json:"user_id"`
		WorkerID string `json:"worker_id"`
		PosterID string `json:"poster_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, id := range []string{p.UserID, p.WorkerID, p.PosterID} {
		if id != "" && !seen[id] {
			seen[id] = true
			s.emitter.Emit(eventType, id, payload)
		}
	}
	return nil
}
