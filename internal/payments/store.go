package payments

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hustlexp/backend/internal/storage"
)

// PGIngestStore is the Postgres implementation of IngestStore.
type PGIngestStore struct{}

func NewPGIngestStore() *PGIngestStore { return &PGIngestStore{} }

func (s *PGIngestStore) Insert(ctx context.Context, tx storage.Tx, externalID, eventType string, payload []byte) (bool, error) {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO external_payment_events (external_id, event_type, payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_id) DO NOTHING`,
		externalID, eventType, payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGIngestStore) Claim(ctx context.Context, tx storage.Tx, externalID string) (*ExternalEvent, error) {
	var ev ExternalEvent
	var claimed sql.NullTime
	err := tx.QueryRowContext(ctx, `
		UPDATE external_payment_events
		SET claimed_at = now(), result = 'processing'
		WHERE external_id = $1 AND claimed_at IS NULL AND processed_at IS NULL
		RETURNING external_id, event_type, payload, claimed_at, received_at`, externalID).
		Scan(&ev.ExternalID, &ev.EventType, &ev.Payload, &claimed, &ev.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if claimed.Valid {
		ev.ClaimedAt = &claimed.Time
	}
	ev.Result = "processing"
	return &ev, nil
}

func (s *PGIngestStore) Finalize(ctx context.Context, tx storage.Tx, externalID, result, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE external_payment_events
		SET processed_at = now(), result = $1, error_message = NULLIF($2, '')
		WHERE external_id = $3`, result, errMsg, externalID)
	return err
}

func (s *PGIngestStore) ResetStuck(ctx context.Context, tx storage.Tx, timeout time.Duration, note string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		UPDATE external_payment_events
		SET claimed_at = NULL, result = NULL, recovery_note = $1
		WHERE result = 'processing' AND processed_at IS NULL
			AND claimed_at < now() - interval '%d seconds'
		RETURNING external_id`, int(timeout.Seconds())), note)
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

func (s *PGIngestStore) InsertPaymentDispute(ctx context.Context, tx storage.Tx,
	externalID, escrowID, workerID, kind, status string, amount int64) (bool, error) {

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payment_disputes (id, escrow_id, worker_id, external_id, kind, status, amount)
		VALUES (gen_random_uuid(), NULLIF($1, '')::uuid, NULLIF($2, '')::uuid, $3, $4, $5, $6)
		ON CONFLICT (external_id) DO NOTHING`,
		escrowID, workerID, externalID, kind, status, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGIngestStore) UpdatePaymentDisputeStatus(ctx context.Context, tx storage.Tx, externalID, status string) (string, error) {
	var workerID sql.NullString
	err := tx.QueryRowContext(ctx, `
		UPDATE payment_disputes
		SET status = $1, updated_at = now()
		WHERE external_id = $2
		RETURNING worker_id`, status, externalID).Scan(&workerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return workerID.String, nil
}

func (s *PGIngestStore) SetPayoutsLocked(ctx context.Context, tx storage.Tx, userID string, locked bool, reason string) error {
	if locked {
		_, err := tx.ExecContext(ctx, `
			UPDATE users
			SET payouts_locked = TRUE, payouts_locked_reason = $1, payouts_locked_at = now(),
				updated_at = now()
			WHERE id = $2`, reason, userID)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE users
		SET payouts_locked = FALSE, payouts_locked_reason = NULL, payouts_locked_at = NULL,
			updated_at = now()
		WHERE id = $1`, userID)
	return err
}

func (s *PGIngestStore) EscrowWorkerID(ctx context.Context, tx storage.Tx, escrowID string) (string, error) {
	var workerID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT t.worker_id FROM escrows e JOIN tasks t ON t.id = e.task_id
		WHERE e.id = $1`, escrowID).Scan(&workerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return workerID.String, nil
}

var _ IngestStore = (*PGIngestStore)(nil)
