package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

type handlersFixture struct {
	handlers  *Handlers
	store     *FakeStore
	processor *FakeProcessor
	awarder   *FakeAwarder
	penalties *FakePenalties
	notifier  *FakeNotifier
}

func newHandlersFixture() *handlersFixture {
	f := &handlersFixture{
		store:     NewFakeStore(),
		processor: &FakeProcessor{},
		awarder:   &FakeAwarder{},
		penalties: &FakePenalties{},
		notifier:  &FakeNotifier{},
	}
	f.handlers = NewHandlers(storage.NopRunner{}, f.store, f.processor,
		f.awarder, f.penalties, f.notifier)
	return f
}

func job(eventType, aggregateID, key string, payload map[string]any) outbox.Job {
	raw, _ := json.Marshal(payload)
	return outbox.Job{
		EventType:      eventType,
		AggregateID:    aggregateID,
		IdempotencyKey: key,
		Payload:        raw,
	}
}

func TestPaymentReceivedDispatchesToProcessor(t *testing.T) {
	f := newHandlersFixture()
	err := f.handlers.Handle(context.Background(),
		job(core.EventPaymentReceived, "evt_1", "k1", map[string]any{"external_id": "evt_1"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"evt_1"}, f.processor.Processed)
}

func TestEscrowReleasedBooksFeeAndAwardsXP(t *testing.T) {
	f := newHandlersFixture()
	f.store.Workers["task-1"] = "worker-1"

	err := f.handlers.Handle(context.Background(),
		job(core.EventEscrowReleased, "esc-1", "k1", map[string]any{
			"escrow_id": "esc-1", "task_id": "task-1", "amount": 5000,
		}))
	require.NoError(t, err)

	assert.Equal(t, int64(500), f.store.Revenue["esc-1:platform_fee"])
	require.Len(t, f.awarder.Awards, 1)
	assert.Equal(t, "worker-1", f.awarder.Awards[0].UserID)
	assert.Equal(t, "esc-1", f.awarder.Awards[0].EscrowID)
	assert.Equal(t, int64(50), f.awarder.Awards[0].BaseXP)
	assert.Contains(t, f.notifier.Events, core.EventEscrowReleased)
}

func TestEscrowReleasedRevenueDedup(t *testing.T) {
	f := newHandlersFixture()
	f.store.Workers["task-1"] = "worker-1"
	j := job(core.EventEscrowReleased, "esc-1", "k1", map[string]any{
		"escrow_id": "esc-1", "task_id": "task-1", "amount": 5000,
	})

	require.NoError(t, f.handlers.Handle(context.Background(), j))
	require.NoError(t, f.handlers.Handle(context.Background(), j))

	// One revenue row survives the redelivery; the XP service dedups the
	// award on its own ledger constraint downstream.
	assert.Len(t, f.store.Revenue, 1)
}

func TestEscrowReleasedWithoutWorkerSkipsXP(t *testing.T) {
	f := newHandlersFixture()
	err := f.handlers.Handle(context.Background(),
		job(core.EventEscrowReleased, "esc-1", "k1", map[string]any{
			"escrow_id": "esc-1", "task_id": "task-ghost", "amount": 5000,
		}))
	require.NoError(t, err)
	assert.Empty(t, f.awarder.Awards)
	assert.Contains(t, f.notifier.Events, core.EventEscrowReleased)
}

func TestBaseXPFloor(t *testing.T) {
	assert.Equal(t, int64(10), baseXP(500))
	assert.Equal(t, int64(10), baseXP(999))
	assert.Equal(t, int64(10), baseXP(1000))
	assert.Equal(t, int64(15), baseXP(1500))
	assert.Equal(t, int64(100), baseXP(10000))
}

func TestDisputeResolvedAppliesPenaltyWithJobKey(t *testing.T) {
	f := newHandlersFixture()
	err := f.handlers.Handle(context.Background(),
		job(core.EventDisputeResolved, "d-1", "dispute.resolved:d-1", map[string]any{
			"dispute_id": "d-1", "penalized_user_id": "worker-1", "penalized_role": "worker",
		}))
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1:worker:dispute.resolved:d-1"}, f.penalties.Applied)
}

func TestDisputeResolvedSplitHasNoPenalty(t *testing.T) {
	f := newHandlersFixture()
	err := f.handlers.Handle(context.Background(),
		job(core.EventDisputeResolved, "d-1", "k1", map[string]any{
			"dispute_id": "d-1", "outcome": "SPLIT",
		}))
	require.NoError(t, err)
	assert.Empty(t, f.penalties.Applied)
	assert.Contains(t, f.notifier.Events, core.EventDisputeResolved)
}

func TestTaskCompletedChecksMilestone(t *testing.T) {
	f := newHandlersFixture()
	err := f.handlers.Handle(context.Background(),
		job(core.EventTaskCompleted, "task-1", "k1", map[string]any{
			"task_id": "task-1", "worker_id": "worker-1",
		}))
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1"}, f.awarder.Badges)
}

func TestUnknownEventTypeIsSkipped(t *testing.T) {
	f := newHandlersFixture()
	err := f.handlers.Handle(context.Background(),
		job("something.else", "x", "k1", map[string]any{}))
	require.NoError(t, err)
	assert.Empty(t, f.notifier.Events)
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, string, json.RawMessage) error {
	return errors.New("socket gone")
}

func TestNotifyFailureIsSwallowed(t *testing.T) {
	f := newHandlersFixture()
	f.handlers.notifiers = append([]Notifier{failingNotifier{}}, f.handlers.notifiers...)

	err := f.handlers.Handle(context.Background(),
		job(core.EventTaskAccepted, "task-1", "k1", map[string]any{"task_id": "task-1"}))
	require.NoError(t, err)
	// The remaining notifier still runs.
	assert.Contains(t, f.notifier.Events, core.EventTaskAccepted)
}
