package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

const escrowColumns = `id, task_id, amount, state, payment_intent_id, transfer_id, refund_id,
	refund_amount, release_amount, version, funded_at, released_at, refunded_at, locked_at,
	created_at, updated_at`

func scanEscrow(row interface{ Scan(...any) error }) (*Escrow, error) {
	var e Escrow
	var intent, transfer, refund sql.NullString
	var refundAmt, releaseAmt sql.NullInt64
	var fundedAt, releasedAt, refundedAt, lockedAt sql.NullTime
	err := row.Scan(&e.ID, &e.TaskID, &e.Amount, &e.State, &intent, &transfer, &refund,
		&refundAmt, &releaseAmt, &e.Version, &fundedAt, &releasedAt, &refundedAt, &lockedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.PaymentIntentID = intent.String
	e.TransferID = transfer.String
	e.RefundID = refund.String
	if refundAmt.Valid {
		e.RefundAmount = &refundAmt.Int64
	}
	if releaseAmt.Valid {
		e.ReleaseAmount = &releaseAmt.Int64
	}
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if lockedAt.Valid {
		e.LockedAt = &lockedAt.Time
	}
	return &e, nil
}

func (s *PGStore) Insert(ctx context.Context, tx storage.Tx, e *Escrow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrows (id, task_id, amount, state, version)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.TaskID, e.Amount, e.State, e.Version)
	return err
}

func (s *PGStore) Get(ctx context.Context, tx storage.Tx, id string) (*Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

func (s *PGStore) GetByTask(ctx context.Context, tx storage.Tx, taskID string) (*Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE task_id = $1`, taskID))
}

func (s *PGStore) GetByPaymentIntent(ctx context.Context, tx storage.Tx, intentID string) (*Escrow, error) {
	return scanEscrow(tx.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE payment_intent_id = $1`, intentID))
}

// Transition performs the single conditional UPDATE that implements
// optimistic concurrency: WHERE state = expected AND version = expected,
// SET version = version + 1. Zero rows returned means the race was lost.
func (s *PGStore) Transition(ctx context.Context, tx storage.Tx, id string,
	from, to core.EscrowState, expectedVersion int, m Mutation) (*Escrow, error) {

	sets := []string{"state = $1", "version = version + 1", "updated_at = now()"}
	args := []any{to}
	n := 2

	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
		n++
	}
	if m.PaymentIntentID != nil {
		add("payment_intent_id", *m.PaymentIntentID)
	}
	if m.TransferID != nil {
		add("transfer_id", *m.TransferID)
	}
	if m.RefundID != nil {
		add("refund_id", *m.RefundID)
	}
	if m.RefundAmount != nil {
		add("refund_amount", *m.RefundAmount)
	}
	if m.ReleaseAmount != nil {
		add("release_amount", *m.ReleaseAmount)
	}

	// The database clock stamps the transition.
	switch to {
	case core.EscrowFunded:
		sets = append(sets, "funded_at = now()")
	case core.EscrowReleased:
		sets = append(sets, "released_at = now()")
	case core.EscrowRefunded, core.EscrowRefundPartial:
		sets = append(sets, "refunded_at = now()")
	case core.EscrowLockedDispute:
		sets = append(sets, "locked_at = now()")
	}

	query := fmt.Sprintf(`
		UPDATE escrows SET %s
		WHERE id = $%d AND state = $%d AND version = $%d
		RETURNING %s`,
		strings.Join(sets, ", "), n, n+1, n+2, escrowColumns)
	args = append(args, id, from, expectedVersion)

	updated, err := scanEscrow(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrVersionConflict
	}
	return updated, nil
}

func (s *PGStore) WorkerPayoutsLocked(ctx context.Context, tx storage.Tx, taskID string) (bool, error) {
	var locked sql.NullBool
	err := tx.QueryRowContext(ctx, `
		SELECT u.payouts_locked FROM tasks t
		JOIN users u ON u.id = t.worker_id
		WHERE t.id = $1`, taskID).Scan(&locked)
	if err == sql.ErrNoRows {
		return false, nil // no worker assigned yet
	}
	if err != nil {
		return false, err
	}
	return locked.Valid && locked.Bool, nil
}

var _ Store = (*PGStore)(nil)
