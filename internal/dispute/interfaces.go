package dispute

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
)

// Dispute is one dispute row.
type Dispute struct {
	ID            string
	TaskID        string
	EscrowID      string
	InitiatedBy   string
	PosterID      string
	WorkerID      string
	Reason        string
	State         core.DisputeState
	Version       int
	Evidence      []EvidenceEntry
	Outcome       core.DisputeOutcome
	RefundAmount  *int64
	ReleaseAmount *int64
	ResolvedBy    string
	ResolvedAt    *time.Time
	CreatedAt     time.Time
}

// EvidenceEntry is one appended statement or attachment reference.
type EvidenceEntry struct {
	By      string    `json:"by"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Store is the persistence surface for disputes.
type Store interface {
	Insert(ctx context.Context, tx storage.Tx, d *Dispute) error
	Get(ctx context.Context, tx storage.Tx, id string) (*Dispute, error)
	GetForUpdate(ctx context.Context, tx storage.Tx, id string) (*Dispute, error)
	// Transition is the optimistic conditional UPDATE; zero rows →
	// ErrVersionConflict.
	Transition(ctx context.Context, tx storage.Tx, id string,
		from, to core.DisputeState, expectedVersion int) (*Dispute, error)
	AppendEvidence(ctx context.Context, tx storage.Tx, id string, e EvidenceEntry) error
	ActiveExists(ctx context.Context, tx storage.Tx, taskID string) (bool, error)
	// CompletedWithin reports whether the task completed inside the
	// window, judged on the database clock.
	CompletedWithin(ctx context.Context, tx storage.Tx, taskID string, window time.Duration) (bool, error)
	SetResolution(ctx context.Context, tx storage.Tx, id, resolvedBy string,
		outcome core.DisputeOutcome, refundAmt, releaseAmt *int64, expectedVersion int) (*Dispute, error)
	CanResolveDisputes(ctx context.Context, tx storage.Tx, userID string) (bool, error)
}

// EscrowController is the slice of the escrow engine the dispute service
// drives. Satisfied by *escrow.Engine.
type EscrowController interface {
	GetTx(ctx context.Context, tx storage.Tx, escrowID string) (*escrow.Escrow, error)
	LockForDisputeTx(ctx context.Context, tx storage.Tx, escrowID string) (*escrow.Escrow, error)
	ReleaseTx(ctx context.Context, tx storage.Tx, escrowID string, m escrow.Mutation) (*escrow.Escrow, error)
	RefundTx(ctx context.Context, tx storage.Tx, escrowID, refundID string) (*escrow.Escrow, error)
	PartialRefundTx(ctx context.Context, tx storage.Tx, escrowID, refundID string,
		refundAmt, releaseAmt int64) (*escrow.Escrow, error)
}

// TaskDisputer opens the lifecycle-level dispute transition when the task
// has not yet completed, and settles it again at resolution. Satisfied by
// *task.Engine.
type TaskDisputer interface {
	GetForUpdateTx(ctx context.Context, tx storage.Tx, taskID string) (*task.Task, error)
	OpenDisputeTx(ctx context.Context, tx storage.Tx, taskID string) (*task.Task, error)
	ResolveDisputeTx(ctx context.Context, tx storage.Tx, taskID string, workerPrevails bool) (*task.Task, error)
}
