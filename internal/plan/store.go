package plan

import (
	"context"
	"database/sql"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) UserPlan(ctx context.Context, userID string) (core.Plan, time.Time, error) {
	var p string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT plan, plan_expires_at FROM users WHERE id = $1`, userID).
		Scan(&p, &expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	if !expiresAt.Valid {
		return core.Plan(p), time.Time{}, nil
	}
	return core.Plan(p), expiresAt.Time, nil
}

func (s *PGStore) ActiveRecurringSeries(ctx context.Context, tx storage.Tx, userID string) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM task_series WHERE owner_id = $1 AND active`, userID).
		Scan(&count)
	return count, err
}

// InsertSeries creates a recurring series row. The kernel's series limit
// trigger fires here as the backstop for the service-side check.
func (s *PGStore) InsertSeries(ctx context.Context, tx storage.Tx, id, ownerID, title, cadence string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO task_series (id, owner_id, title, cadence) VALUES ($1, $2, $3, $4)`,
		id, ownerID, title, cadence)
	return err
}

var _ Store = (*PGStore)(nil)
