package task

import (
	"context"
	"fmt"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

// AdvanceProgress moves the delivery-tracking axis. It is idempotent
// (from == to is a successful no-op), worker/system authority is checked
// per target state, and progress is frozen while a dispute is active or
// after the escrow reached a terminal state, except for the CLOSED pin,
// which the system may always apply after settlement.
func (e *Engine) AdvanceProgress(ctx context.Context, taskID string, to core.ProgressState, actor core.Actor, actorID string) (*Task, error) {
	var out *Task
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.AdvanceProgressTx(ctx, tx, taskID, to, actor, actorID)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	return out, nil
}

// AdvanceProgressTx is AdvanceProgress inside an existing transaction
// (payment ingestion pins CLOSED in its own claim transaction).
func (e *Engine) AdvanceProgressTx(ctx context.Context, tx storage.Tx, taskID string, to core.ProgressState, actor core.Actor, actorID string) (*Task, error) {
	if !to.Valid() {
		return nil, hxerr.New(hxerr.InvalidState, "unknown progress state %q", to)
	}

	t, err := e.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, hxerr.New(hxerr.NotFound, "task %s not found", taskID)
	}

	// Idempotent replay: success with unchanged data.
	if t.ProgressState == to {
		return t, nil
	}

	if !t.ProgressState.CanAdvance(to) {
		return nil, hxerr.New(hxerr.InvalidTransition,
			"progress cannot move %s -> %s", t.ProgressState, to)
	}

	// Actor authority: TRAVELING/WORKING/COMPLETED are worker-driven,
	// ACCEPTED/CLOSED are system-driven.
	if to.WorkerDriven() {
		if actor != core.ActorWorker || actorID == "" || actorID != t.WorkerID {
			return nil, hxerr.New(hxerr.Forbidden,
				"progress state %s may only be set by the assigned worker", to)
		}
	} else if actor != core.ActorSystem {
		return nil, hxerr.New(hxerr.Forbidden,
			"progress state %s may only be set by the system", to)
	}

	// Dispute freeze.
	active, err := e.store.ActiveDisputeExists(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, hxerr.New(hxerr.InvalidState,
			"progress is frozen while a dispute is active on task %s", taskID)
	}

	// Escrow terminal freeze, except the CLOSED pin.
	escState, exists, err := e.store.EscrowState(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if exists && escState.Terminal() && to != core.ProgressClosed {
		return nil, hxerr.New(hxerr.InvalidState,
			"progress is frozen after escrow settlement (escrow is %s)", escState)
	}

	updated, err := e.store.SetProgress(ctx, tx, taskID, to)
	if err != nil {
		return nil, err
	}

	err = e.outbox.Write(ctx, tx, outbox.Event{
		EventType:      core.EventTaskProgressUpdated,
		AggregateType:  core.AggregateTask,
		AggregateID:    updated.ID,
		EventVersion:   updated.Version,
		IdempotencyKey: fmt.Sprintf("%s:%s:%s", core.EventTaskProgressUpdated, updated.ID, to),
		Payload: map[string]any{
			"task_id":        updated.ID,
			"progress_state": string(to),
			"worker_id":      updated.WorkerID,
			"poster_id":      updated.PosterID,
		},
		QueueName: core.QueueUserNotifications,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("Task %s progress: %s → %s (%s)", taskID, t.ProgressState, to, actor)
	return updated, nil
}

// CloseProgressTx pins progress to CLOSED as the system actor. Called by
// payment ingestion after the escrow settles.
func (e *Engine) CloseProgressTx(ctx context.Context, tx storage.Tx, taskID string) error {
	_, err := e.AdvanceProgressTx(ctx, tx, taskID, core.ProgressClosed, core.ActorSystem, "")
	return err
}
