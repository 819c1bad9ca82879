package recompute

import (
	"context"
	"database/sql"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

func (s *PGStore) UserTier(ctx context.Context, tx storage.Tx, userID string) (core.TrustTier, error) {
	var tier string
	err := tx.QueryRowContext(ctx, `SELECT trust_tier FROM users WHERE id = $1`, userID).Scan(&tier)
	if err != nil {
		return "", err
	}
	return core.TrustTier(tier), nil
}

func (s *PGStore) VerificationRecords(ctx context.Context, tx storage.Tx, userID string) ([]VerificationRecord, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, record_type, COALESCE(trade, ''), COALESCE(license_number, ''), valid, expires_at
		FROM verification_records
		WHERE user_id = $1
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []VerificationRecord
	for rows.Next() {
		var r VerificationRecord
		var expiresAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.RecordType, &r.Trade, &r.LicenseNumber, &r.Valid, &expiresAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			r.ExpiresAt = expiresAt.Time
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PGStore) UpsertProfile(ctx context.Context, tx storage.Tx, p CapabilityProfile) error {
	var expires interface{}
	if !p.InsuranceExpiresAt.IsZero() {
		expires = p.InsuranceExpiresAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO capability_profiles (user_id, trust_tier, insurance_valid, insurance_expires_at, recomputed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			trust_tier = EXCLUDED.trust_tier,
			insurance_valid = EXCLUDED.insurance_valid,
			insurance_expires_at = EXCLUDED.insurance_expires_at,
			recomputed_at = EXCLUDED.recomputed_at`,
		p.UserID, string(p.TrustTier), p.InsuranceValid, expires, p.RecomputedAt)
	return err
}

// ReplaceTrades swaps the user's trade set wholesale. The projection has
// no history; verification_records is the durable record.
func (s *PGStore) ReplaceTrades(ctx context.Context, tx storage.Tx, userID string, trades []VerifiedTrade) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM verified_trades WHERE user_id = $1`, userID); err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range trades {
		var expires interface{}
		if !t.ExpiresAt.IsZero() {
			expires = t.ExpiresAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO verified_trades (user_id, trade, license_number, expires_at, recomputed_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
			userID, t.Trade, t.LicenseNumber, expires, now)
		if err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*PGStore)(nil)
