package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudDispatcher delivers webhooks through Google Cloud Tasks. The
// queue handles retry with backoff, rate limiting, and dead-lettering;
// each Emit enqueues one HTTP task per matching subscriber. Falls back
// to the in-memory Dispatcher when an enqueue fails.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the Cloud Tasks queue identified by
// project, location, and queue id. If fallbackWorkers > 0, an in-memory
// dispatcher is created for delivery when enqueues fail.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Printf("✅ Connected to Cloud Tasks queue: %s", cd.queuePath)
	return cd, nil
}

func (cd *CloudDispatcher) Emit(eventType, userID string, data json.RawMessage) {
	subscribers := cd.registry.SubscribersFor(eventType, userID)
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
	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return
	}

	for _, sub := range subscribers {
		cd.enqueueTask(sub, event, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(sub *Subscription, event *Event, payload []byte) {
	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    deliveryHeaders(sub, event, payload, 1),
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path; the authoritative state change has
	// already committed by the time we get here.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		task, err := cd.client.CreateTask(ctx, req)
		if err != nil {
			cd.logger.Printf("❌ Cloud Task enqueue failed: %s → %s: %v", event.ID, sub.URL, err)
			if cd.fallback != nil {
				cd.logger.Printf("↩️  Falling back to in-memory delivery for %s", event.ID)
				if data, ok := event.Data.(json.RawMessage); ok {
					cd.fallback.Emit(event.Type, event.UserID, data)
				}
			}
			return
		}
		cd.logger.Printf("📤 Enqueued Cloud Task: %s → %s (task=%s)", event.ID, sub.URL, task.GetName())
	}()
}

func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("⚠️ Cloud Tasks client close error: %v", err)
	}
	cd.logger.Printf("🔌 Cloud Tasks dispatcher closed")
}

var _ Emitter = (*CloudDispatcher)(nil)
var _ Emitter = (*Dispatcher)(nil)
