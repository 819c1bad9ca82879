package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
)

type ingestFixture struct {
	ingestor *Ingestor
	store    *FakeIngestStore
	escrows  *escrow.FakeStore
	engine   *escrow.Engine
	closer   *FakeCloser
	outbox   *outbox.FakeWriter
}

func newIngestFixture() *ingestFixture {
	f := &ingestFixture{
		store:   NewFakeIngestStore(),
		escrows: escrow.NewFakeStore(),
		closer:  &FakeCloser{},
		outbox:  outbox.NewFakeWriter(),
	}
	f.engine = escrow.NewEngine(storage.NopRunner{}, f.escrows, f.outbox)
	f.ingestor = NewIngestor(storage.NopRunner{}, f.store, f.engine, f.closer, f.outbox, nil)
	return f
}

func (f *ingestFixture) seedEscrow(t *testing.T, taskID string, amount int64) *escrow.Escrow {
	t.Helper()
	esc, err := f.engine.CreateTx(context.Background(), nil, taskID, amount)
	require.NoError(t, err)
	return esc
}

func (f *ingestFixture) ingestAndProcess(t *testing.T, externalID, eventType string, obj map[string]any) {
	t.Helper()
	ctx := context.Background()
	payload, err := json.Marshal(obj)
	require.NoError(t, err)
	require.NoError(t, f.ingestor.Ingest(ctx, externalID, eventType, payload))
	require.NoError(t, f.ingestor.Process(ctx, externalID))
}

func TestIngestDedupsOnExternalID(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	require.NoError(t, f.ingestor.Ingest(ctx, "evt_1", core.ExtPaymentIntentSucceeded, []byte(`{}`)))
	require.NoError(t, f.ingestor.Ingest(ctx, "evt_1", core.ExtPaymentIntentSucceeded, []byte(`{}`)))

	assert.Len(t, f.store.Events, 1)
	assert.Len(t, f.outbox.ByType(core.EventPaymentReceived), 1)
}

func TestProcessClaimOnce(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{
		"id": "pi_1", "amount": 5000,
		"metadata": map[string]string{"escrow_id": esc.ID},
	})
	require.NoError(t, f.ingestor.Ingest(ctx, "evt_1", core.ExtPaymentIntentSucceeded, payload))
	require.NoError(t, f.ingestor.Process(ctx, "evt_1"))

	got, _ := f.engine.Get(ctx, esc.ID)
	assert.Equal(t, core.EscrowFunded, got.State)
	assert.Equal(t, "pi_1", got.PaymentIntentID)

	// The duplicate job finds nothing to claim and exits clean.
	require.NoError(t, f.ingestor.Process(ctx, "evt_1"))
	got, _ = f.engine.Get(ctx, esc.ID)
	assert.Equal(t, 2, got.Version)
}

func TestIntentSucceededAmountMismatchFails(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{
		"id": "pi_1", "amount": 4000,
		"metadata": map[string]string{"escrow_id": esc.ID},
	})
	require.NoError(t, f.ingestor.Ingest(ctx, "evt_1", core.ExtPaymentIntentSucceeded, payload))
	err := f.ingestor.Process(ctx, "evt_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount mismatch")

	ev := f.store.Events["evt_1"]
	assert.Equal(t, core.ResultFailed, ev.Result)
	got, _ := f.engine.Get(ctx, esc.ID)
	assert.Equal(t, core.EscrowPending, got.State)
}

func TestTransferCreatedReleasesAndClosesProgress(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	ctx := context.Background()
	_, err := f.engine.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)

	f.ingestAndProcess(t, "evt_tr", core.ExtTransferCreated, map[string]any{
		"id": "tr_1", "metadata": map[string]string{"escrow_id": esc.ID},
	})

	got, _ := f.engine.Get(ctx, esc.ID)
	assert.Equal(t, core.EscrowReleased, got.State)
	assert.Equal(t, "tr_1", got.TransferID)
	assert.Equal(t, []string{"task-1"}, f.closer.Closed)
}

func TestTransferOnLockedEscrowFailsLoud(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	ctx := context.Background()
	_, err := f.engine.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)
	_, err = f.engine.LockForDispute(ctx, esc.ID)
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]any{
		"id": "tr_1", "metadata": map[string]string{"escrow_id": esc.ID},
	})
	require.NoError(t, f.ingestor.Ingest(ctx, "evt_tr", core.ExtTransferCreated, payload))
	err = f.ingestor.Process(ctx, "evt_tr")
	require.Error(t, err)

	// The escrow stays locked and the event is marked failed for an operator.
	got, _ := f.engine.Get(ctx, esc.ID)
	assert.Equal(t, core.EscrowLockedDispute, got.State)
	assert.Equal(t, core.ResultFailed, f.store.Events["evt_tr"].Result)
	assert.Empty(t, f.closer.Closed)
}

func TestTransferRedeliverySkipped(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	ctx := context.Background()
	_, err := f.engine.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)

	f.ingestAndProcess(t, "evt_tr1", core.ExtTransferCreated, map[string]any{
		"id": "tr_1", "metadata": map[string]string{"escrow_id": esc.ID},
	})
	// Same transfer under a fresh delivery id: recognized and skipped.
	f.ingestAndProcess(t, "evt_tr2", core.ExtTransferCreated, map[string]any{
		"id": "tr_1", "metadata": map[string]string{"escrow_id": esc.ID},
	})

	assert.Equal(t, core.ResultSkipped, f.store.Events["evt_tr2"].Result)
	assert.Len(t, f.closer.Closed, 1)
}

func TestRefundFallsBackToPaymentIntent(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	ctx := context.Background()
	_, err := f.engine.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)

	// No escrow_id metadata; resolution goes through the intent.
	f.ingestAndProcess(t, "evt_re", core.ExtChargeRefunded, map[string]any{
		"id": "re_1", "payment_intent": "pi_1",
	})

	got, _ := f.engine.Get(ctx, esc.ID)
	assert.Equal(t, core.EscrowRefunded, got.State)
	assert.Equal(t, "re_1", got.RefundID)
	assert.Equal(t, []string{"task-1"}, f.closer.Closed)
}

func TestRefundWithoutResolvableEscrowFails(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"id": "re_1", "payment_intent": "pi_unknown"})
	require.NoError(t, f.ingestor.Ingest(ctx, "evt_re", core.ExtChargeRefunded, payload))
	err := f.ingestor.Process(ctx, "evt_re")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no escrow for refund")
}

func TestUnknownEventTypeSkipped(t *testing.T) {
	f := newIngestFixture()
	f.ingestAndProcess(t, "evt_x", "customer.created", map[string]any{"id": "cus_1"})
	assert.Equal(t, core.ResultSkipped, f.store.Events["evt_x"].Result)
}

func TestChargeDisputeLocksAndUnlocksPayouts(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	f.store.Workers[esc.ID] = "worker-1"

	f.ingestAndProcess(t, "evt_dp1", ExtChargeDisputeCreated, map[string]any{
		"id": "dp_1", "status": "needs_response", "amount": 5000,
		"metadata": map[string]string{"escrow_id": esc.ID},
	})
	assert.Contains(t, f.store.Locked, "worker-1")

	// Redelivery under a new event id is recognized by the dispute id.
	f.ingestAndProcess(t, "evt_dp2", ExtChargeDisputeCreated, map[string]any{
		"id": "dp_1", "status": "needs_response", "amount": 5000,
		"metadata": map[string]string{"escrow_id": esc.ID},
	})
	assert.Equal(t, core.ResultSkipped, f.store.Events["evt_dp2"].Result)

	f.ingestAndProcess(t, "evt_dp3", ExtChargeDisputeClosed, map[string]any{
		"id": "dp_1", "status": "won",
	})
	assert.NotContains(t, f.store.Locked, "worker-1")
}

func TestChargeDisputeLostKeepsLock(t *testing.T) {
	f := newIngestFixture()
	esc := f.seedEscrow(t, "task-1", 5000)
	f.store.Workers[esc.ID] = "worker-1"

	f.ingestAndProcess(t, "evt_dp1", ExtChargeDisputeCreated, map[string]any{
		"id": "dp_1", "status": "needs_response", "amount": 5000,
		"metadata": map[string]string{"escrow_id": esc.ID},
	})
	f.ingestAndProcess(t, "evt_dp2", ExtChargeDisputeClosed, map[string]any{
		"id": "dp_1", "status": "lost",
	})
	assert.Contains(t, f.store.Locked, "worker-1")
}

func TestRecoverStuck(t *testing.T) {
	f := newIngestFixture()
	ctx := context.Background()

	require.NoError(t, f.ingestor.Ingest(ctx, "evt_1", core.ExtPaymentIntentSucceeded, []byte(`{}`)))
	_, err := f.store.Claim(ctx, nil, "evt_1")
	require.NoError(t, err)

	// Backdate the claim past the timeout.
	old := time.Now().Add(-20 * time.Minute)
	f.store.Events["evt_1"].ClaimedAt = &old

	ids, err := f.ingestor.RecoverStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, ids)

	// The reopened event is claimable again.
	ev, err := f.store.Claim(ctx, nil, "evt_1")
	require.NoError(t, err)
	assert.NotNil(t, ev)
}

// The CLOSED pin is an UPDATE on a task whose lifecycle is already
// terminal, inside the same transaction as the release. Run it through
// the real task engine instead of a canned closer so the pin path on a
// COMPLETED row stays covered.
func TestTransferReleasePinsClosedOnCompletedTask(t *testing.T) {
	tasks := task.NewFakeStore()
	escrows := escrow.NewFakeStore()
	ob := outbox.NewFakeWriter()
	engine := escrow.NewEngine(storage.NopRunner{}, escrows, ob)
	taskEngine := task.NewEngine(storage.NopRunner{}, tasks, task.AllowAllGuard{},
		&task.FakeKillSwitch{}, &task.FakeRateLimiter{}, &task.FakeCompletenessGate{},
		task.AllowAllPlans{}, engine, ob, task.DefaultConfig())
	ingestor := NewIngestor(storage.NopRunner{}, NewFakeIngestStore(), engine, taskEngine, ob, nil)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, tasks.Insert(ctx, nil, &task.Task{
		ID: "task-1", PosterID: "poster-1", WorkerID: "worker-1",
		State: core.TaskCompleted, ProgressState: core.ProgressCompleted,
		Price: 5000, Version: 5, CompletedAt: &now,
	}))
	esc, err := engine.CreateTx(ctx, nil, "task-1", 5000)
	require.NoError(t, err)
	_, err = engine.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]any{
		"id": "tr_1", "metadata": map[string]string{"escrow_id": esc.ID},
	})
	require.NoError(t, ingestor.Ingest(ctx, "evt_tr", core.ExtTransferCreated, payload))
	require.NoError(t, ingestor.Process(ctx, "evt_tr"))

	got, _ := engine.Get(ctx, esc.ID)
	assert.Equal(t, core.EscrowReleased, got.State)
	tk, _ := tasks.Get(ctx, nil, "task-1")
	assert.Equal(t, core.TaskCompleted, tk.State)
	assert.Equal(t, core.ProgressClosed, tk.ProgressState)
}
