package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
)

func TestAdvanceProgressOneStep(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, false)

	got, err := f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, core.ProgressTraveling, got.ProgressState)

	// No skipping.
	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressCompleted, core.ActorWorker, "worker-1")
	assert.Equal(t, hxerr.InvalidTransition, hxerr.CodeOf(err))

	// No going backwards.
	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressAccepted, core.ActorSystem, "")
	assert.Equal(t, hxerr.InvalidTransition, hxerr.CodeOf(err))
}

func TestAdvanceProgressIdempotentReplay(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, false)
	first, err := f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-1")
	require.NoError(t, err)

	// Same target again succeeds without changing anything.
	second, err := f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, f.outbox.ByType(core.EventTaskProgressUpdated), 1)
}

func TestAdvanceProgressActorAuthority(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, false)

	// Worker-driven states refuse other actors and other workers.
	_, err := f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorSystem, "")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))
	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-2")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))

	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-1")
	require.NoError(t, err)
	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressWorking, core.ActorWorker, "worker-1")
	require.NoError(t, err)
	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressCompleted, core.ActorWorker, "worker-1")
	require.NoError(t, err)

	// The CLOSED pin is system-only.
	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressClosed, core.ActorWorker, "worker-1")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))
	closed, err := f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressClosed, core.ActorSystem, "")
	require.NoError(t, err)
	assert.Equal(t, core.ProgressClosed, closed.ProgressState)
}

func TestAdvanceProgressDisputeFreeze(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, false)
	f.store.Disputes[tk.ID] = true

	_, err := f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-1")
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))

	f.store.Disputes[tk.ID] = false
	_, err = f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-1")
	assert.NoError(t, err)
}

func TestAdvanceProgressEscrowTerminalFreeze(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, false)
	f.store.Escrows[tk.ID] = core.EscrowReleased

	// Ordinary advances are frozen after settlement.
	_, err := f.engine.AdvanceProgress(ctx, tk.ID, core.ProgressTraveling, core.ActorWorker, "worker-1")
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))

	// The CLOSED pin still lands.
	require.NoError(t, f.engine.CloseProgressTx(ctx, nil, tk.ID))
	got, err := f.engine.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ProgressClosed, got.ProgressState)
}

func TestAdvanceProgressRejectsUnknownState(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)

	tk := acceptedTask(t, f, false)
	_, err := f.engine.AdvanceProgress(context.Background(), tk.ID, core.ProgressState("TELEPORTING"), core.ActorWorker, "worker-1")
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
}
