package worker

import (
	"context"
	"database/sql"

	"github.com/hustlexp/backend/internal/storage"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

func (s *PGStore) TaskWorker(ctx context.Context, tx storage.Tx, taskID string) (string, error) {
	var workerID sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT worker_id FROM tasks WHERE id = $1`, taskID).Scan(&workerID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return workerID.String, nil
}

func (s *PGStore) InsertRevenue(ctx context.Context, tx storage.Tx, id, taskID, escrowID, entryType string, amount int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO revenue_ledger (id, task_id, escrow_id, entry_type, amount)
		VALUES ($1, NULLIF($2, '')::uuid, NULLIF($3, '')::uuid, $4, $5)
		ON CONFLICT (escrow_id, entry_type) WHERE escrow_id IS NOT NULL DO NOTHING`,
		id, taskID, escrowID, entryType, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ Store = (*PGStore)(nil)
