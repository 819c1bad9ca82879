package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/fabric"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/notify"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/payments"
	"github.com/hustlexp/backend/internal/plan"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
)

type apiFixture struct {
	server      *Server
	router      http.Handler
	taskStore   *task.FakeStore
	ingestStore *payments.FakeIngestStore
}

func newAPIFixture() *apiFixture {
	f := &apiFixture{
		taskStore:   task.NewFakeStore(),
		ingestStore: payments.NewFakeIngestStore(),
	}
	ob := outbox.NewFakeWriter()
	escrows := escrow.NewEngine(storage.NopRunner{}, escrow.NewFakeStore(), ob)
	taskEngine := task.NewEngine(storage.NopRunner{}, f.taskStore, task.AllowAllGuard{},
		&task.FakeKillSwitch{}, &task.FakeRateLimiter{}, &task.FakeCompletenessGate{},
		task.AllowAllPlans{}, escrows, ob, task.DefaultConfig())
	ingestor := payments.NewIngestor(storage.NopRunner{}, f.ingestStore,
		escrows, &payments.FakeCloser{}, ob, nil)
	planService := plan.NewService(storage.NopRunner{}, plan.NewFakeStore())

	f.server = NewServer(Deps{
		Tasks:         taskEngine,
		Plans:         planService,
		Ingestor:      ingestor,
		Hub:           fabric.NewHub(),
		Registry:      notify.NewRegistry(),
		WebhookSecret: "whsec_test",
	})
	f.router = f.server.Router()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, uid string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if uid != "" {
		req.Header.Set("X-User-ID", uid)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) *hxerr.Result {
	t.Helper()
	var res hxerr.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return &res
}

func TestIdentityMiddlewareRejectsAnonymous(t *testing.T) {
	f := newAPIFixture()
	rec := f.do(t, "POST", "/api/v1/tasks", "", map[string]any{"title": "x", "price": 2500})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	res := envelope(t, rec)
	assert.False(t, res.Success)
}

func TestCreateAndGetTask(t *testing.T) {
	f := newAPIFixture()
	f.taskStore.AddUser("poster-1", core.TierVerified)

	rec := f.do(t, "POST", "/api/v1/tasks", "poster-1", map[string]any{
		"title": "Mow the lawn", "description": "Front yard", "price": 2500,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := envelope(t, rec)
	require.True(t, res.Success)
	data := res.Data.(map[string]any)
	taskID := data["ID"].(string)

	rec = f.do(t, "GET", "/api/v1/tasks/"+taskID, "poster-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	f := newAPIFixture()
	f.taskStore.AddUser("poster-1", core.TierVerified)
	f.taskStore.AddUser("banned-1", core.TierBanned)

	// Unknown task: 404.
	rec := f.do(t, "GET", "/api/v1/tasks/nope", "poster-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, hxerr.NotFound, envelope(t, rec).Err.Code)

	// Price below the mode floor: 400.
	rec = f.do(t, "POST", "/api/v1/tasks", "poster-1", map[string]any{"title": "x", "price": 100})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, hxerr.PriceTooLow, envelope(t, rec).Err.Code)

	// Banned poster: 403.
	rec = f.do(t, "POST", "/api/v1/tasks", "banned-1", map[string]any{"title": "x", "price": 2500})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, hxerr.UserBanned, envelope(t, rec).Err.Code)

	// Malformed body: 400.
	req := httptest.NewRequest("POST", "/api/v1/tasks", bytes.NewBufferString("{"))
	req.Header.Set("X-User-ID", "poster-1")
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestKernelCodesMapToConflict(t *testing.T) {
	assert.Equal(t, http.StatusConflict, httpStatus(hxerr.HX101))
	assert.Equal(t, http.StatusConflict, httpStatus(hxerr.HX301))
	assert.Equal(t, http.StatusConflict, httpStatus(hxerr.HX810))
	assert.Equal(t, http.StatusConflict, httpStatus(hxerr.Duplicate))
	assert.Equal(t, http.StatusTooManyRequests, httpStatus(hxerr.RateLimitExceeded))
	assert.Equal(t, http.StatusInternalServerError, httpStatus(hxerr.Internal))
}

func TestAcceptTaskRace(t *testing.T) {
	f := newAPIFixture()
	f.taskStore.AddUser("poster-1", core.TierVerified)
	f.taskStore.AddUser("worker-1", core.TierVerified)
	f.taskStore.AddUser("worker-2", core.TierVerified)

	rec := f.do(t, "POST", "/api/v1/tasks", "poster-1", map[string]any{"title": "x", "price": 2500})
	require.Equal(t, http.StatusCreated, rec.Code)
	taskID := envelope(t, rec).Data.(map[string]any)["ID"].(string)

	rec = f.do(t, "POST", "/api/v1/tasks/"+taskID+"/accept", "worker-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "POST", "/api/v1/tasks/"+taskID+"/accept", "worker-2", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentWebhookSignature(t *testing.T) {
	f := newAPIFixture()
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	// Missing signature.
	req := httptest.NewRequest("POST", "/webhooks/payments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid signature ingests and acknowledges.
	req = httptest.NewRequest("POST", "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("X-Payment-Signature", payments.SignPayload(body, "whsec_test"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, f.ingestStore.Events, "evt_1")

	// Malformed but signed body: 400, nothing recorded.
	bad := []byte(`{"type":"x"}`)
	req = httptest.NewRequest("POST", "/webhooks/payments", bytes.NewReader(bad))
	req.Header.Set("X-Payment-Signature", payments.SignPayload(bad, "whsec_test"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	f := newAPIFixture()

	rec := f.do(t, "POST", "/api/v1/webhooks/subscriptions", "u1", map[string]any{
		"url": "https://example.com/hook", "events": []string{"task.accepted"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	sub := envelope(t, rec).Data.(map[string]any)
	id := sub["id"].(string)
	assert.Equal(t, "u1", sub["user_id"])

	rec = f.do(t, "DELETE", "/api/v1/webhooks/subscriptions/"+id, "u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthReportsDegraded(t *testing.T) {
	f := newAPIFixture()
	rec := f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status["status"])

	f.server.healthChecks = map[string]func(context.Context) error{
		"database": func(context.Context) error { return errors.New("connection refused") },
	}
	rec = f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status["status"])
	assert.Equal(t, "error", status["database"])
}
