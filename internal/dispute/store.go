package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

const disputeColumns = `id, task_id, escrow_id, initiated_by, poster_id, worker_id, reason,
	state, version, evidence, outcome, refund_amount, release_amount, resolved_by, resolved_at, created_at`

func scanDispute(row interface{ Scan(...any) error }) (*Dispute, error) {
	var d Dispute
	var evidence []byte
	var outcome, resolvedBy sql.NullString
	var refundAmt, releaseAmt sql.NullInt64
	var resolvedAt sql.NullTime
	err := row.Scan(&d.ID, &d.TaskID, &d.EscrowID, &d.InitiatedBy, &d.PosterID, &d.WorkerID,
		&d.Reason, &d.State, &d.Version, &evidence, &outcome, &refundAmt, &releaseAmt,
		&resolvedBy, &resolvedAt, &d.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return nil, err
	}
	d.Outcome = core.DisputeOutcome(outcome.String)
	d.ResolvedBy = resolvedBy.String
	if refundAmt.Valid {
		d.RefundAmount = &refundAmt.Int64
	}
	if releaseAmt.Valid {
		d.ReleaseAmount = &releaseAmt.Int64
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return &d, nil
}

func (s *PGStore) Insert(ctx context.Context, tx storage.Tx, d *Dispute) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO disputes (id, task_id, escrow_id, initiated_by, poster_id, worker_id, reason, state, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.TaskID, d.EscrowID, d.InitiatedBy, d.PosterID, d.WorkerID, d.Reason, d.State, d.Version)
	return err
}

func (s *PGStore) Get(ctx context.Context, tx storage.Tx, id string) (*Dispute, error) {
	return scanDispute(tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx storage.Tx, id string) (*Dispute, error) {
	return scanDispute(tx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
}

func (s *PGStore) Transition(ctx context.Context, tx storage.Tx, id string,
	from, to core.DisputeState, expectedVersion int) (*Dispute, error) {

	updated, err := scanDispute(tx.QueryRowContext(ctx, `
		UPDATE disputes
		SET state = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND state = $3 AND version = $4
		RETURNING `+disputeColumns, to, id, from, expectedVersion))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrVersionConflict
	}
	return updated, nil
}

func (s *PGStore) AppendEvidence(ctx context.Context, tx storage.Tx, id string, e EvidenceEntry) error {
	entry, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE disputes
		SET evidence = evidence || $1::jsonb, updated_at = now()
		WHERE id = $2`, entry, id)
	return err
}

func (s *PGStore) ActiveExists(ctx context.Context, tx storage.Tx, taskID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM disputes WHERE task_id = $1 AND state <> 'RESOLVED'`, taskID).Scan(&n)
	return n > 0, err
}

func (s *PGStore) CompletedWithin(ctx context.Context, tx storage.Tx, taskID string, window time.Duration) (bool, error) {
	var open bool
	err := tx.QueryRowContext(ctx, `
		SELECT completed_at IS NOT NULL AND completed_at >= now() - make_interval(secs => $2)
		FROM tasks WHERE id = $1`, taskID, window.Seconds()).Scan(&open)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return open, err
}

func (s *PGStore) SetResolution(ctx context.Context, tx storage.Tx, id, resolvedBy string,
	outcome core.DisputeOutcome, refundAmt, releaseAmt *int64, expectedVersion int) (*Dispute, error) {

	updated, err := scanDispute(tx.QueryRowContext(ctx, `
		UPDATE disputes
		SET state = 'RESOLVED', outcome = $1, refund_amount = $2, release_amount = $3,
			resolved_by = $4, resolved_at = now(), version = version + 1, updated_at = now()
		WHERE id = $5 AND state <> 'RESOLVED' AND version = $6
		RETURNING `+disputeColumns, outcome, refundAmt, releaseAmt, resolvedBy, id, expectedVersion))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrVersionConflict
	}
	return updated, nil
}

func (s *PGStore) CanResolveDisputes(ctx context.Context, tx storage.Tx, userID string) (bool, error) {
	var allowed bool
	err := tx.QueryRowContext(ctx,
		`SELECT can_resolve_disputes FROM admin_roles WHERE user_id = $1`, userID).Scan(&allowed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return allowed, err
}

var _ Store = (*PGStore)(nil)
