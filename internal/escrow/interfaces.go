package escrow

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// Escrow is the custody record for one task's payment. Amount is immutable
// after creation; terminal states are immutable entirely.
type Escrow struct {
	ID              string
	TaskID          string
	Amount          int64
	State           core.EscrowState
	PaymentIntentID string
	TransferID      string
	RefundID        string
	RefundAmount    *int64
	ReleaseAmount   *int64
	Version         int
	FundedAt        *time.Time
	ReleasedAt      *time.Time
	RefundedAt      *time.Time
	LockedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Mutation carries the column updates applied alongside a state change.
// Nil fields are left untouched.
type Mutation struct {
	PaymentIntentID *string
	TransferID      *string
	RefundID        *string
	RefundAmount    *int64
	ReleaseAmount   *int64
}

// Store is the persistence surface the engine drives. Transition performs
// the single conditional UPDATE (state + version guard) and returns the
// new row, or ErrVersionConflict when zero rows matched.
type Store interface {
	Insert(ctx context.Context, tx storage.Tx, e *Escrow) error
	Get(ctx context.Context, tx storage.Tx, id string) (*Escrow, error)
	GetByTask(ctx context.Context, tx storage.Tx, taskID string) (*Escrow, error)
	GetByPaymentIntent(ctx context.Context, tx storage.Tx, intentID string) (*Escrow, error)
	Transition(ctx context.Context, tx storage.Tx, id string,
		from, to core.EscrowState, expectedVersion int, m Mutation) (*Escrow, error)
	WorkerPayoutsLocked(ctx context.Context, tx storage.Tx, taskID string) (bool, error)
}
