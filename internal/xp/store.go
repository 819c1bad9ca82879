package xp

import (
	"context"
	"database/sql"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

func (s *PGStore) UserSnapshotForUpdate(ctx context.Context, tx storage.Tx, userID string) (*Snapshot, error) {
	var snap Snapshot
	err := tx.QueryRowContext(ctx, `
		SELECT xp_total, streak_days, trust_tier FROM users WHERE id = $1 FOR UPDATE`, userID).
		Scan(&snap.XPTotal, &snap.StreakDays, &snap.Tier)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PGStore) TaskMode(ctx context.Context, tx storage.Tx, taskID string) (core.TaskMode, error) {
	var mode core.TaskMode
	err := tx.QueryRowContext(ctx, `SELECT mode FROM tasks WHERE id = $1`, taskID).Scan(&mode)
	return mode, err
}

func (s *PGStore) EscrowState(ctx context.Context, tx storage.Tx, escrowID string) (core.EscrowState, error) {
	var state core.EscrowState
	err := tx.QueryRowContext(ctx, `SELECT state FROM escrows WHERE id = $1`, escrowID).Scan(&state)
	return state, err
}

func (s *PGStore) InsertLedger(ctx context.Context, tx storage.Tx, e *LedgerEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO xp_ledger (id, user_id, task_id, escrow_id, base_xp, effective_xp,
			xp_before, xp_after, level_before, level_after, streak_at_award, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT ON CONSTRAINT xp_ledger_once DO NOTHING`,
		e.ID, e.UserID, e.TaskID, e.EscrowID, e.BaseXP, e.EffectiveXP,
		e.XPBefore, e.XPAfter, e.LevelBefore, e.LevelAfter, e.StreakAtAward, e.Reason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) AddUserXP(ctx context.Context, tx storage.Tx, userID string, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET xp_total = xp_total + $1, updated_at = now() WHERE id = $2`,
		delta, userID)
	return err
}

func (s *PGStore) InsertTaxEntry(ctx context.Context, tx storage.Tx, e *TaxEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO xp_tax_ledger (id, user_id, task_id, gross_amount, tax_amount, held_xp, xp_held_back)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.TaskID, e.GrossAmount, e.TaxAmount, e.HeldXP, e.XPHeldBack)
	return err
}

func (s *PGStore) AddUnpaidTax(ctx context.Context, tx storage.Tx, userID string, delta int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_xp_tax_status (user_id, total_unpaid_tax_cents)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET total_unpaid_tax_cents = user_xp_tax_status.total_unpaid_tax_cents + EXCLUDED.total_unpaid_tax_cents,
			updated_at = now()`,
		userID, delta)
	return err
}

func (s *PGStore) UnpaidTaxEntriesForUpdate(ctx context.Context, tx storage.Tx, userID string) ([]*TaxEntry, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, task_id, gross_amount, tax_amount, held_xp, xp_held_back, tax_paid, created_at
		FROM xp_tax_ledger
		WHERE user_id = $1 AND NOT tax_paid
		ORDER BY created_at ASC
		FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaxEntry
	for rows.Next() {
		var e TaxEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.GrossAmount, &e.TaxAmount,
			&e.HeldXP, &e.XPHeldBack, &e.TaxPaid, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkTaxPaid(ctx context.Context, tx storage.Tx, entryID, paymentIntentID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE xp_tax_ledger
		SET tax_paid = TRUE, xp_held_back = FALSE, paid_at = now(), payment_intent_id = $1
		WHERE id = $2 AND NOT tax_paid`, paymentIntentID, entryID)
	return err
}

func (s *PGStore) InsertBadge(ctx context.Context, tx storage.Tx, b *Badge) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO badges (id, user_id, badge_type, awarded_for)
		VALUES ($1, $2, $3, $4)`,
		b.ID, b.UserID, b.BadgeType, b.AwardedFor)
	return err
}

func (s *PGStore) CompletedTaskCount(ctx context.Context, tx storage.Tx, userID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE worker_id = $1 AND state = 'COMPLETED'`, userID).Scan(&n)
	return n, err
}

var _ Store = (*PGStore)(nil)
