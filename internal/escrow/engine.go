// Package escrow implements the escrow state machine. Every mutation is a
// single conditional UPDATE (state + version guard); zero rows means the
// caller lost a race and must re-read before retrying. Each successful
// transition writes its outbox event in the same transaction.
package escrow

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

// ErrVersionConflict is returned by Store.Transition when the conditional
// UPDATE matched zero rows: another writer advanced the state or version.
var ErrVersionConflict = errors.New("version or state changed during update")

// Engine drives escrow transitions. All methods returning (*Escrow, error)
// map storage failures to structured hxerr errors; the kernel triggers
// (HX002/HX004/HX201/HX801) are the backstop behind every check here.
type Engine struct {
	runner storage.Runner
	store  Store
	outbox outbox.EventWriter
	logger *log.Logger
}

func NewEngine(runner storage.Runner, store Store, ob outbox.EventWriter) *Engine {
	return &Engine{
		runner: runner,
		store:  store,
		outbox: ob,
		logger: log.New(log.Writer(), "[ESCROW] ", log.LstdFlags),
	}
}

// Create inserts a PENDING escrow for a task. Exactly one escrow may exist
// per task (unique constraint).
func (e *Engine) Create(ctx context.Context, taskID string, amount int64) (*Escrow, error) {
	if amount <= 0 {
		return nil, hxerr.New(hxerr.InvalidState, "escrow amount must be positive, got %d", amount)
	}
	esc := &Escrow{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		Amount:  amount,
		State:   core.EscrowPending,
		Version: 1,
	}
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		return e.store.Insert(ctx, tx, esc)
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	e.logger.Printf("Created escrow %s for task %s (amount=%d)", esc.ID, taskID, amount)
	return esc, nil
}

// CreateTx is Create inside an existing transaction, used by task creation
// so the task row and its escrow commit together.
func (e *Engine) CreateTx(ctx context.Context, tx storage.Tx, taskID string, amount int64) (*Escrow, error) {
	if amount <= 0 {
		return nil, hxerr.New(hxerr.InvalidState, "escrow amount must be positive, got %d", amount)
	}
	esc := &Escrow{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		Amount:  amount,
		State:   core.EscrowPending,
		Version: 1,
	}
	if err := e.store.Insert(ctx, tx, esc); err != nil {
		return nil, hxerr.FromDB(err)
	}
	return esc, nil
}

// Fund moves PENDING → FUNDED, recording the external payment intent.
func (e *Engine) Fund(ctx context.Context, escrowID, externalIntentID string) (*Escrow, error) {
	var out *Escrow
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.FundTx(ctx, tx, escrowID, externalIntentID)
		return err
	})
	return out, err
}

// FundTx is Fund inside an existing transaction (payment ingestion runs
// the claim, the transition and the outbox write as one unit).
func (e *Engine) FundTx(ctx context.Context, tx storage.Tx, escrowID, externalIntentID string) (*Escrow, error) {
	return e.transition(ctx, tx, escrowID, core.EscrowFunded,
		Mutation{PaymentIntentID: &externalIntentID}, core.EventEscrowFunded)
}

// Release moves FUNDED or LOCKED_DISPUTE → RELEASED. Callers are
// responsible for the dispute gate: payment ingestion must never release
// from LOCKED_DISPUTE (it calls ReleaseFromFundedTx), only dispute
// resolution may.
func (e *Engine) Release(ctx context.Context, escrowID string) (*Escrow, error) {
	var out *Escrow
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.ReleaseTx(ctx, tx, escrowID, Mutation{})
		return err
	})
	return out, err
}

// ReleaseTx releases from whatever releasable state the escrow is in.
func (e *Engine) ReleaseTx(ctx context.Context, tx storage.Tx, escrowID string, m Mutation) (*Escrow, error) {
	if err := e.guardPayouts(ctx, tx, escrowID); err != nil {
		return nil, err
	}
	return e.transition(ctx, tx, escrowID, core.EscrowReleased, m, core.EventEscrowReleased)
}

// ReleaseFromFundedTx releases only when the escrow is FUNDED. This is the
// transfer-event path: an escrow locked for a dispute stays locked.
func (e *Engine) ReleaseFromFundedTx(ctx context.Context, tx storage.Tx, escrowID, transferID string) (*Escrow, error) {
	esc, err := e.store.Get(ctx, tx, escrowID)
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if esc == nil {
		return nil, hxerr.New(hxerr.NotFound, "escrow %s not found", escrowID)
	}
	if esc.State == core.EscrowLockedDispute {
		return nil, hxerr.New(hxerr.InvalidState,
			"escrow %s is LOCKED_DISPUTE; only dispute resolution may release it", escrowID).WithDetails(
			map[string]any{"escrow_id": escrowID, "state": string(esc.State)})
	}
	if esc.State != core.EscrowFunded {
		return nil, hxerr.New(hxerr.InvalidState,
			"escrow %s is %s, transfer release requires FUNDED", escrowID, esc.State)
	}
	if err := e.guardPayouts(ctx, tx, escrowID); err != nil {
		return nil, err
	}
	return e.apply(ctx, tx, esc, core.EscrowReleased,
		Mutation{TransferID: &transferID}, core.EventEscrowReleased)
}

// Refund moves PENDING, FUNDED or LOCKED_DISPUTE → REFUNDED.
func (e *Engine) Refund(ctx context.Context, escrowID, refundID string) (*Escrow, error) {
	var out *Escrow
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.RefundTx(ctx, tx, escrowID, refundID)
		return err
	})
	return out, err
}

func (e *Engine) RefundTx(ctx context.Context, tx storage.Tx, escrowID, refundID string) (*Escrow, error) {
	return e.transition(ctx, tx, escrowID, core.EscrowRefunded,
		Mutation{RefundID: &refundID}, core.EventEscrowRefunded)
}

// PartialRefund splits the escrow between refund and release. The two
// amounts must sum exactly to the escrow amount; the kernel's CHECK
// constraint enforces the same.
func (e *Engine) PartialRefund(ctx context.Context, escrowID, refundID string, refundAmt, releaseAmt int64) (*Escrow, error) {
	var out *Escrow
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.PartialRefundTx(ctx, tx, escrowID, refundID, refundAmt, releaseAmt)
		return err
	})
	return out, err
}

func (e *Engine) PartialRefundTx(ctx context.Context, tx storage.Tx, escrowID, refundID string, refundAmt, releaseAmt int64) (*Escrow, error) {
	esc, err := e.store.Get(ctx, tx, escrowID)
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if esc == nil {
		return nil, hxerr.New(hxerr.NotFound, "escrow %s not found", escrowID)
	}
	if refundAmt <= 0 || releaseAmt <= 0 || refundAmt+releaseAmt != esc.Amount {
		return nil, hxerr.New(hxerr.InvalidState,
			"partial refund amounts %d + %d must equal escrow amount %d",
			refundAmt, releaseAmt, esc.Amount)
	}
	if err := e.guardPayouts(ctx, tx, escrowID); err != nil {
		return nil, err
	}
	return e.apply(ctx, tx, esc, core.EscrowRefundPartial,
		Mutation{RefundID: &refundID, RefundAmount: &refundAmt, ReleaseAmount: &releaseAmt},
		core.EventEscrowRefunded)
}

// LockForDispute moves FUNDED → LOCKED_DISPUTE.
func (e *Engine) LockForDispute(ctx context.Context, escrowID string) (*Escrow, error) {
	var out *Escrow
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.LockForDisputeTx(ctx, tx, escrowID)
		return err
	})
	return out, err
}

func (e *Engine) LockForDisputeTx(ctx context.Context, tx storage.Tx, escrowID string) (*Escrow, error) {
	return e.transition(ctx, tx, escrowID, core.EscrowLockedDispute, Mutation{}, core.EventEscrowLocked)
}

// Get loads an escrow outside any transaction.
func (e *Engine) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	var out *Escrow
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.store.Get(ctx, tx, escrowID)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if out == nil {
		return nil, hxerr.New(hxerr.NotFound, "escrow %s not found", escrowID)
	}
	return out, nil
}

// GetTx exposes the store read for composing services.
func (e *Engine) GetTx(ctx context.Context, tx storage.Tx, escrowID string) (*Escrow, error) {
	return e.store.Get(ctx, tx, escrowID)
}

// GetByPaymentIntentTx is the ingestion fallback lookup for refund events
// whose metadata lacks an escrow id.
func (e *Engine) GetByPaymentIntentTx(ctx context.Context, tx storage.Tx, intentID string) (*Escrow, error) {
	return e.store.GetByPaymentIntent(ctx, tx, intentID)
}

// transition loads the row, validates legality against the declared state
// machine, and applies the conditional UPDATE plus the outbox write.
func (e *Engine) transition(ctx context.Context, tx storage.Tx, escrowID string,
	to core.EscrowState, m Mutation, eventType string) (*Escrow, error) {

	esc, err := e.store.Get(ctx, tx, escrowID)
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if esc == nil {
		return nil, hxerr.New(hxerr.NotFound, "escrow %s not found", escrowID)
	}
	return e.apply(ctx, tx, esc, to, m, eventType)
}

func (e *Engine) apply(ctx context.Context, tx storage.Tx, esc *Escrow,
	to core.EscrowState, m Mutation, eventType string) (*Escrow, error) {

	if esc.State.Terminal() {
		return nil, hxerr.New(hxerr.EscrowTerminal,
			"escrow %s is in terminal state %s", esc.ID, esc.State).WithDetails(
			map[string]any{"escrow_id": esc.ID, "state": string(esc.State)})
	}
	if !esc.State.CanTransition(to) {
		return nil, hxerr.New(hxerr.InvalidTransition,
			"escrow %s cannot move %s -> %s", esc.ID, esc.State, to)
	}

	updated, err := e.store.Transition(ctx, tx, esc.ID, esc.State, to, esc.Version, m)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, hxerr.New(hxerr.InvalidState,
				"version or state changed during update of escrow %s", esc.ID)
		}
		return nil, hxerr.FromDB(err)
	}

	ev := outbox.Event{
		EventType:     eventType,
		AggregateType: core.AggregateEscrow,
		AggregateID:   updated.ID,
		EventVersion:  updated.Version,
		Payload: map[string]any{
			"escrow_id": updated.ID,
			"task_id":   updated.TaskID,
			"amount":    updated.Amount,
			"state":     string(updated.State),
		},
		QueueName: core.QueueCriticalPayments,
	}
	if err := e.outbox.Write(ctx, tx, ev); err != nil {
		return nil, hxerr.FromDB(err)
	}

	e.logger.Printf("Escrow %s: %s → %s (v%d)", updated.ID, esc.State, updated.State, updated.Version)
	return updated, nil
}

// guardPayouts rejects release paths while the worker's payouts are
// locked. The kernel raises HX801 on the same condition; this pre-check
// surfaces the transfer-path code HX810 before the UPDATE is attempted.
func (e *Engine) guardPayouts(ctx context.Context, tx storage.Tx, escrowID string) error {
	esc, err := e.store.Get(ctx, tx, escrowID)
	if err != nil {
		return hxerr.FromDB(err)
	}
	if esc == nil {
		return hxerr.New(hxerr.NotFound, "escrow %s not found", escrowID)
	}
	locked, err := e.store.WorkerPayoutsLocked(ctx, tx, esc.TaskID)
	if err != nil {
		return hxerr.FromDB(err)
	}
	if locked {
		return hxerr.New(hxerr.HX810, "escrow %s release blocked: worker payouts are locked", escrowID)
	}
	return nil
}
