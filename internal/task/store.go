package task

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// PGStore is the Postgres implementation of Store.
type PGStore struct{}

func NewPGStore() *PGStore { return &PGStore{} }

const taskColumns = `id, poster_id, worker_id, title, description, price, location, category,
	requires_proof, risk_level, mode, instant_mode, sensitive, series_id, state, progress_state,
	version, accepted_at, proof_submitted_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var worker, location, category, series sql.NullString
	var acceptedAt, proofAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.PosterID, &worker, &t.Title, &t.Description, &t.Price,
		&location, &category, &t.RequiresProof, &t.RiskLevel, &t.Mode, &t.InstantMode,
		&t.Sensitive, &series, &t.State, &t.ProgressState, &t.Version,
		&acceptedAt, &proofAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.WorkerID = worker.String
	t.Location = location.String
	t.Category = category.String
	t.SeriesID = series.String
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	if proofAt.Valid {
		t.ProofSubmittedAt = &proofAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func (s *PGStore) Insert(ctx context.Context, tx storage.Tx, t *Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, poster_id, title, description, price, location, category,
			requires_proof, risk_level, mode, instant_mode, sensitive, state, progress_state, version)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.PosterID, t.Title, t.Description, t.Price, t.Location, t.Category,
		t.RequiresProof, t.RiskLevel, t.Mode, t.InstantMode, t.Sensitive,
		t.State, t.ProgressState, t.Version)
	return err
}

func (s *PGStore) Get(ctx context.Context, tx storage.Tx, id string) (*Task, error) {
	return scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

func (s *PGStore) GetForUpdate(ctx context.Context, tx storage.Tx, id string) (*Task, error) {
	return scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// AtomicAccept is the accept race-resolver. Exactly one concurrent caller
// can match the WHERE clause; everyone else scans zero rows.
func (s *PGStore) AtomicAccept(ctx context.Context, tx storage.Tx, taskID, workerID string) (*Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET worker_id = $1, state = 'ACCEPTED', progress_state = 'ACCEPTED',
			accepted_at = now(), updated_at = now(), version = version + 1
		WHERE id = $2 AND state IN ('OPEN', 'MATCHING') AND worker_id IS NULL
		RETURNING `+taskColumns, workerID, taskID))
}

func (s *PGStore) Transition(ctx context.Context, tx storage.Tx, id string,
	from, to core.TaskState, expectedVersion int) (*Task, error) {

	stamp := ""
	switch to {
	case core.TaskProofSubmitted:
		stamp = ", proof_submitted_at = now()"
	case core.TaskCompleted:
		stamp = ", completed_at = now()"
	case core.TaskCancelled:
		stamp = ", cancelled_at = now()"
	case core.TaskExpired:
		stamp = ", expired_at = now()"
	case core.TaskDisputed:
		stamp = ", disputed_at = now()"
	}
	updated, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET state = $1, version = version + 1, updated_at = now()`+stamp+`
		WHERE id = $2 AND state = $3 AND version = $4
		RETURNING `+taskColumns, to, id, from, expectedVersion))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrVersionConflict
	}
	return updated, nil
}

func (s *PGStore) SetProgress(ctx context.Context, tx storage.Tx, id string, to core.ProgressState) (*Task, error) {
	updated, err := scanTask(tx.QueryRowContext(ctx, `
		UPDATE tasks
		SET progress_state = $1, version = version + 1, updated_at = now()
		WHERE id = $2
		RETURNING `+taskColumns, to, id))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, ErrVersionConflict
	}
	return updated, nil
}

func (s *PGStore) InsertProof(ctx context.Context, tx storage.Tx, p *Proof) error {
	media, err := json.Marshal(p.Media)
	if err != nil {
		return err
	}
	if p.Media == nil {
		media = []byte("[]")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proofs (id, task_id, submitter_id, state, description, media)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TaskID, p.SubmitterID, p.State, p.Description, media)
	return err
}

func (s *PGStore) LatestProof(ctx context.Context, tx storage.Tx, taskID string) (*Proof, error) {
	var p Proof
	var media []byte
	err := tx.QueryRowContext(ctx, `
		SELECT id, task_id, submitter_id, state, description, media, created_at
		FROM proofs WHERE task_id = $1
		ORDER BY created_at DESC LIMIT 1`, taskID).
		Scan(&p.ID, &p.TaskID, &p.SubmitterID, &p.State, &p.Description, &media, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(media, &p.Media); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) SetProofState(ctx context.Context, tx storage.Tx, proofID string, state core.ProofState) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE proofs SET state = $1, updated_at = now() WHERE id = $2`, state, proofID)
	return err
}

func (s *PGStore) HasAcceptedProof(ctx context.Context, tx storage.Tx, taskID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM proofs WHERE task_id = $1 AND state = 'ACCEPTED'`, taskID).Scan(&n)
	return n > 0, err
}

func (s *PGStore) ActiveDisputeExists(ctx context.Context, tx storage.Tx, taskID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM disputes WHERE task_id = $1 AND state <> 'RESOLVED'`, taskID).Scan(&n)
	return n > 0, err
}

func (s *PGStore) EscrowState(ctx context.Context, tx storage.Tx, taskID string) (core.EscrowState, bool, error) {
	var state core.EscrowState
	err := tx.QueryRowContext(ctx,
		`SELECT state FROM escrows WHERE task_id = $1`, taskID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return state, true, nil
}

func (s *PGStore) UserGate(ctx context.Context, tx storage.Tx, userID string) (*UserGate, error) {
	var u UserGate
	var holdUntil, planExpires sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, trust_tier, trust_hold, trust_hold_until, plan, plan_expires_at
		FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Tier, &u.TrustHold, &holdUntil, &u.Plan, &planExpires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if holdUntil.Valid {
		u.TrustHoldUntil = &holdUntil.Time
	}
	if planExpires.Valid {
		u.PlanExpiresAt = &planExpires.Time
	}
	return &u, nil
}

var _ Store = (*PGStore)(nil)
