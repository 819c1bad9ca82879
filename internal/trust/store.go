package trust

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// ErrTierConflict means the conditional tier UPDATE matched zero rows.
var ErrTierConflict = errors.New("trust tier changed during update")

// PGStore is the Postgres implementation of Store.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

const userColumns = `id, email, trust_tier, trust_hold, trust_hold_reason, trust_hold_until,
	payouts_locked, plan, phone_verified, payment_method_verified, id_verified,
	security_deposit_locked, xp_total, streak_days, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	var holdReason sql.NullString
	var holdUntil sql.NullTime
	err := row.Scan(&u.ID, &u.Email, &u.Tier, &u.TrustHold, &holdReason, &holdUntil,
		&u.PayoutsLocked, &u.Plan, &u.PhoneVerified, &u.PaymentMethodVerified,
		&u.IDVerified, &u.SecurityDepositLocked, &u.XPTotal, &u.StreakDays, &u.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.TrustHoldReason = holdReason.String
	if holdUntil.Valid {
		u.TrustHoldUntil = &holdUntil.Time
	}
	return &u, nil
}

func (s *PGStore) GetUser(ctx context.Context, tx storage.Tx, id string) (*User, error) {
	return scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *PGStore) GetUserForUpdate(ctx context.Context, tx storage.Tx, id string) (*User, error) {
	return scanUser(tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (s *PGStore) TaskFacts(ctx context.Context, tx storage.Tx, taskID string) (*TaskFacts, error) {
	var t TaskFacts
	err := tx.QueryRowContext(ctx,
		`SELECT id, risk_level, instant_mode, sensitive FROM tasks WHERE id = $1`, taskID).
		Scan(&t.ID, &t.Risk, &t.Instant, &t.Sensitive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PGStore) SetTier(ctx context.Context, tx storage.Tx, userID string, from, to core.TrustTier) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE users SET trust_tier = $1, updated_at = now()
		WHERE id = $2 AND trust_tier = $3`, to, userID, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTierConflict
	}
	return nil
}

func (s *PGStore) SetHold(ctx context.Context, tx storage.Tx, userID, reason string, until time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET trust_hold = TRUE, trust_hold_reason = $1, trust_hold_until = $2,
			updated_at = now()
		WHERE id = $3`, reason, until, userID)
	return err
}

func (s *PGStore) ClearHold(ctx context.Context, tx storage.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE users SET trust_hold = FALSE, trust_hold_reason = NULL, trust_hold_until = NULL,
			updated_at = now()
		WHERE id = $1`, userID)
	return err
}

func (s *PGStore) PromotionStats(ctx context.Context, tx storage.Tx, userID string) (*PromotionStats, error) {
	var st PromotionStats
	err := tx.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE state = 'COMPLETED'),
			count(DISTINCT poster_id) FILTER (WHERE state = 'COMPLETED'),
			count(*) FILTER (WHERE state = 'COMPLETED' AND risk_level IN ('TIER_2', 'TIER_3'))
		FROM tasks WHERE worker_id = $1`, userID).
		Scan(&st.CompletedTasks, &st.DistinctPosters, &st.CompletedTier2Plus)
	if err != nil {
		return nil, err
	}

	var onTime int
	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks
		WHERE worker_id = $1 AND state = 'COMPLETED'
			AND (due_by IS NULL OR completed_at <= due_by)`, userID).Scan(&onTime)
	if err != nil {
		return nil, err
	}
	if st.CompletedTasks > 0 {
		st.OnTimeRate = float64(onTime) / float64(st.CompletedTasks)
	} else {
		st.OnTimeRate = 1.0
	}

	err = tx.QueryRowContext(ctx, `
		SELECT count(*) FROM disputes d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.worker_id = $1 OR d.poster_id = $1`, userID).Scan(&st.Disputes)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *PGStore) ActiveTaskIDs(ctx context.Context, tx storage.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE (poster_id = $1 OR worker_id = $1)
			AND state NOT IN ('COMPLETED', 'CANCELLED', 'EXPIRED')
		FOR UPDATE`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PGStore) AppendLedger(ctx context.Context, tx storage.Tx, e *LedgerEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO trust_ledger (id, user_id, tier_before, tier_after, source, reason, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.UserID, e.TierBefore, e.TierAfter, e.Source, e.Reason, e.IdempotencyKey)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) RecentPosterPenalties(ctx context.Context, tx storage.Tx, userID string, since time.Time) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM trust_ledger
		WHERE user_id = $1 AND source = 'dispute_penalty_poster' AND created_at >= $2`,
		userID, since).Scan(&n)
	return n, err
}

var _ Store = (*PGStore)(nil)
