package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

func newTestEngineStd() (*Engine, *FakeStore, *outbox.FakeWriter) {
	store := NewFakeStore()
	ob := outbox.NewFakeWriter()
	return NewEngine(storage.NopRunner{}, store, ob), store, ob
}

func TestCreateAndFund(t *testing.T) {
	e, _, ob := newTestEngineStd()
	ctx := context.Background()

	esc, err := e.Create(ctx, "task-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, core.EscrowPending, esc.State)
	assert.Equal(t, int64(5000), esc.Amount)

	funded, err := e.Fund(ctx, esc.ID, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, core.EscrowFunded, funded.State)
	assert.Equal(t, "pi_123", funded.PaymentIntentID)
	assert.Equal(t, 2, funded.Version)

	assert.Len(t, ob.ByType(core.EventEscrowFunded), 1)
}

func TestCreateRejectsNonPositiveAmount(t *testing.T) {
	e, _, _ := newTestEngineStd()
	_, err := e.Create(context.Background(), "task-1", 0)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
	_, err = e.Create(context.Background(), "task-1", -100)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
}

func TestReleaseRequiresFundableState(t *testing.T) {
	e, _, _ := newTestEngineStd()
	ctx := context.Background()

	esc, err := e.Create(ctx, "task-1", 5000)
	require.NoError(t, err)

	// PENDING cannot be released.
	_, err = e.Release(ctx, esc.ID)
	assert.Equal(t, hxerr.InvalidTransition, hxerr.CodeOf(err))
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	e, _, _ := newTestEngineStd()
	ctx := context.Background()

	esc, _ := e.Create(ctx, "task-1", 5000)
	_, err := e.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)
	_, err = e.Release(ctx, esc.ID)
	require.NoError(t, err)

	_, err = e.Refund(ctx, esc.ID, "re_1")
	assert.Equal(t, hxerr.EscrowTerminal, hxerr.CodeOf(err))
	_, err = e.Fund(ctx, esc.ID, "pi_2")
	assert.Equal(t, hxerr.EscrowTerminal, hxerr.CodeOf(err))
}

func TestLockForDisputeBlocksTransferRelease(t *testing.T) {
	e, _, _ := newTestEngineStd()
	ctx := context.Background()

	esc, _ := e.Create(ctx, "task-1", 5000)
	_, err := e.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)
	_, err = e.LockForDispute(ctx, esc.ID)
	require.NoError(t, err)

	// The transfer path refuses a locked escrow outright.
	_, err = e.ReleaseFromFundedTx(ctx, nil, esc.ID, "tr_1")
	require.Error(t, err)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
	assert.Contains(t, err.Error(), "LOCKED_DISPUTE")

	// Dispute resolution still may release it.
	released, err := e.Release(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EscrowReleased, released.State)
}

func TestReleaseFromFundedTx(t *testing.T) {
	e, _, _ := newTestEngineStd()
	ctx := context.Background()

	esc, _ := e.Create(ctx, "task-1", 5000)
	_, err := e.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)

	released, err := e.ReleaseFromFundedTx(ctx, nil, esc.ID, "tr_1")
	require.NoError(t, err)
	assert.Equal(t, core.EscrowReleased, released.State)
	assert.Equal(t, "tr_1", released.TransferID)
}

func TestPayoutsLockBlocksRelease(t *testing.T) {
	e, store, _ := newTestEngineStd()
	ctx := context.Background()

	esc, _ := e.Create(ctx, "task-1", 5000)
	_, err := e.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)

	store.SetPayoutsLocked("task-1", true)
	_, err = e.Release(ctx, esc.ID)
	assert.Equal(t, hxerr.HX810, hxerr.CodeOf(err))
	_, err = e.ReleaseFromFundedTx(ctx, nil, esc.ID, "tr_1")
	assert.Equal(t, hxerr.HX810, hxerr.CodeOf(err))

	store.SetPayoutsLocked("task-1", false)
	released, err := e.Release(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EscrowReleased, released.State)
}

func TestPartialRefundSumCheck(t *testing.T) {
	e, _, _ := newTestEngineStd()
	ctx := context.Background()

	esc, _ := e.Create(ctx, "task-1", 5000)
	_, err := e.Fund(ctx, esc.ID, "pi_1")
	require.NoError(t, err)
	_, err = e.LockForDispute(ctx, esc.ID)
	require.NoError(t, err)

	_, err = e.PartialRefund(ctx, esc.ID, "re_1", 2000, 2000)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
	_, err = e.PartialRefund(ctx, esc.ID, "re_1", 0, 5000)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))

	split, err := e.PartialRefund(ctx, esc.ID, "re_1", 2000, 3000)
	require.NoError(t, err)
	assert.Equal(t, core.EscrowRefundPartial, split.State)
	assert.Equal(t, int64(2000), *split.RefundAmount)
	assert.Equal(t, int64(3000), *split.ReleaseAmount)
}

func TestRefundFromPending(t *testing.T) {
	e, _, _ := newTestEngineStd()
	ctx := context.Background()

	esc, _ := e.Create(ctx, "task-1", 5000)
	refunded, err := e.Refund(ctx, esc.ID, "re_1")
	require.NoError(t, err)
	assert.Equal(t, core.EscrowRefunded, refunded.State)
	assert.Equal(t, "re_1", refunded.RefundID)
}

func TestNotFound(t *testing.T) {
	e, _, _ := newTestEngineStd()
	_, err := e.Get(context.Background(), "nope")
	assert.Equal(t, hxerr.NotFound, hxerr.CodeOf(err))
}
