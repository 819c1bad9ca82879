package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/payments"
)

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	err := r.Register(&Subscription{Events: []string{"task.accepted"}, UserID: "u1"})
	assert.ErrorContains(t, err, "URL is required")

	err = r.Register(&Subscription{URL: "https://example.com/hook", UserID: "u1"})
	assert.ErrorContains(t, err, "event type is required")

	err = r.Register(&Subscription{URL: "https://example.com/hook", Events: []string{"task.accepted"}})
	assert.ErrorContains(t, err, "user is required")

	sub := &Subscription{URL: "https://example.com/hook", Events: []string{"task.accepted"}, UserID: "u1"}
	require.NoError(t, r.Register(sub))
	assert.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)
}

func TestSubscribersForScopesByUser(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Subscription{
		URL: "https://a.example/hook", Events: []string{"task.accepted"}, UserID: "u1",
	}))
	require.NoError(t, r.Register(&Subscription{
		URL: "https://b.example/hook", Events: []string{"task.accepted"}, UserID: "u2",
	}))

	subs := r.SubscribersFor("task.accepted", "u1")
	require.Len(t, subs, 1)
	assert.Equal(t, "https://a.example/hook", subs[0].URL)

	assert.Empty(t, r.SubscribersFor("task.completed", "u1"))
	assert.Empty(t, r.SubscribersFor("task.accepted", "u3"))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://a.example/hook", Events: []string{"task.accepted"}, UserID: "u1"}
	require.NoError(t, r.Register(sub))

	require.NoError(t, r.Unregister(sub.ID))
	assert.Empty(t, r.SubscribersFor("task.accepted", "u1"))
	assert.Empty(t, r.ListAll())

	assert.Error(t, r.Unregister("wh-missing"))
}

func TestMarkFailedDisablesAfterTen(t *testing.T) {
	r := NewRegistry()
	sub := &Subscription{URL: "https://a.example/hook", Events: []string{"task.accepted"}, UserID: "u1"}
	require.NoError(t, r.Register(sub))

	for i := 0; i < 9; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.True(t, sub.Active)

	// A delivery resets the streak.
	r.MarkDelivered(sub.ID)
	assert.Equal(t, 0, sub.FailCount)

	for i := 0; i < 10; i++ {
		r.MarkFailed(sub.ID)
	}
	assert.False(t, sub.Active)
	assert.Empty(t, r.SubscribersFor("task.accepted", "u1"))
}

func TestDispatcherDeliversSignedEvent(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotHeaders http.Header
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotHeaders = req.Header.Clone()
		gotBody, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	r := NewRegistry()
	sub := &Subscription{
		URL: srv.URL, Events: []string{"task.accepted"}, UserID: "u1", Secret: "whsec_1",
	}
	require.NoError(t, r.Register(sub))

	d := NewDispatcher(r, 2)
	d.Emit("task.accepted", "u1", json.RawMessage(`{"task_id":"t1"}`))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never arrived")
	}
	d.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "task.accepted", gotHeaders.Get("X-HX-Event-Type"))
	assert.Equal(t, "1", gotHeaders.Get("X-HX-Delivery-Attempt"))
	sig := gotHeaders.Get("X-HX-Signature")
	require.True(t, len(sig) > len("sha256="))
	assert.True(t, payments.VerifySignature(gotBody, "whsec_1", sig[len("sha256="):]))

	var ev Event
	require.NoError(t, json.Unmarshal(gotBody, &ev))
	assert.Equal(t, "task.accepted", ev.Type)
	assert.Equal(t, "u1", ev.UserID)
	assert.Equal(t, 0, sub.FailCount)
}

func TestServiceFansOutPerParty(t *testing.T) {
	emitter := &recordingEmitter{}
	svc := NewService(emitter)

	err := svc.Notify(context.Background(), "task.accepted",
		json.RawMessage(`{"task_id":"t1","worker_id":"w1","poster_id":"p1"}`))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"w1", "p1"}, emitter.users())

	// Duplicate ids collapse to one emission.
	emitter.reset()
	err = svc.Notify(context.Background(), "xp.awarded",
		json.RawMessage(`{"user_id":"w1","worker_id":"w1"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, emitter.users())
}

type recordingEmitter struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingEmitter) Emit(_, userID string, _ json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, userID)
}

func (r *recordingEmitter) Shutdown() {}

func (r *recordingEmitter) users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func (r *recordingEmitter) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
