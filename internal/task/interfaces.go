package task

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/storage"
)

// Task is one marketplace task. Lifecycle state and progress state are
// independent machines on the same row; version guards every update.
type Task struct {
	ID               string
	PosterID         string
	WorkerID         string
	Title            string
	Description      string
	Price            int64
	Location         string
	Category         string
	RequiresProof    bool
	RiskLevel        core.RiskLevel
	Mode             core.TaskMode
	InstantMode      bool
	Sensitive        bool
	SeriesID         string
	State            core.TaskState
	ProgressState    core.ProgressState
	Version          int
	AcceptedAt       *time.Time
	ProofSubmittedAt *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Proof is worker-submitted evidence of completion.
type Proof struct {
	ID          string
	TaskID      string
	SubmitterID string
	State       core.ProofState
	Description string
	Media       []string
	CreatedAt   time.Time
}

// UserGate is the slice of a user row the engine needs for its
// synchronous request-path checks.
type UserGate struct {
	ID             string
	Tier           core.TrustTier
	TrustHold      bool
	TrustHoldUntil *time.Time
	Plan           core.Plan
	PlanExpiresAt  *time.Time
}

// HoldActive reports whether the trust hold currently applies.
func (u UserGate) HoldActive(now time.Time) bool {
	if !u.TrustHold {
		return false
	}
	return u.TrustHoldUntil == nil || u.TrustHoldUntil.After(now)
}

// Store is the persistence surface for tasks and proofs.
type Store interface {
	Insert(ctx context.Context, tx storage.Tx, t *Task) error
	Get(ctx context.Context, tx storage.Tx, id string) (*Task, error)
	// GetForUpdate locks the row for the duration of the transaction
	// (SELECT ... FOR UPDATE). Multi-step flows start here.
	GetForUpdate(ctx context.Context, tx storage.Tx, id string) (*Task, error)
	// AtomicAccept is the accept race-resolver: a single conditional
	// UPDATE claiming the task for workerID. Returns nil when zero rows
	// matched (race lost or wrong state).
	AtomicAccept(ctx context.Context, tx storage.Tx, taskID, workerID string) (*Task, error)
	// Transition is the optimistic single UPDATE for lifecycle moves.
	// Returns ErrVersionConflict on zero rows.
	Transition(ctx context.Context, tx storage.Tx, id string,
		from, to core.TaskState, expectedVersion int) (*Task, error)
	SetProgress(ctx context.Context, tx storage.Tx, id string, to core.ProgressState) (*Task, error)

	InsertProof(ctx context.Context, tx storage.Tx, p *Proof) error
	LatestProof(ctx context.Context, tx storage.Tx, taskID string) (*Proof, error)
	SetProofState(ctx context.Context, tx storage.Tx, proofID string, state core.ProofState) error
	HasAcceptedProof(ctx context.Context, tx storage.Tx, taskID string) (bool, error)

	ActiveDisputeExists(ctx context.Context, tx storage.Tx, taskID string) (bool, error)
	EscrowState(ctx context.Context, tx storage.Tx, taskID string) (core.EscrowState, bool, error)
	UserGate(ctx context.Context, tx storage.Tx, userID string) (*UserGate, error)
}

// EligibilityGuard is the single authority deciding whether a user may
// act on a task. Implemented by the trust service.
type EligibilityGuard interface {
	AssertEligibility(ctx context.Context, tx storage.Tx, userID, taskID string, isInstant bool) error
}

// KillSwitch gates instant mode at runtime without a deploy.
type KillSwitch interface {
	InstantModeDisabled(ctx context.Context) (bool, string)
}

// RateLimiter bounds instant-mode operations per user.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// CompletenessGate is the AI task-completeness check applied to instant
// tasks at creation. External service; a mock ships in mocks.go.
type CompletenessGate interface {
	Evaluate(ctx context.Context, title, description string) (complete bool, missing []string, err error)
}

// EscrowCreator creates the task's escrow in the creation transaction.
// Satisfied by *escrow.Engine.
type EscrowCreator interface {
	CreateTx(ctx context.Context, tx storage.Tx, taskID string, amount int64) (*escrow.Escrow, error)
}

// PlanGate decides whether a plan may post tasks of a given risk level.
// Implemented by the plan service.
type PlanGate interface {
	AllowsRisk(plan core.Plan, risk core.RiskLevel) bool
}
