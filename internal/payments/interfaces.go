package payments

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/storage"
)

// ExternalEvent is one external_payment_events row. The external id is
// the primary key and therefore the deduplication boundary.
type ExternalEvent struct {
	ExternalID   string
	EventType    string
	Payload      []byte
	ClaimedAt    *time.Time
	ProcessedAt  *time.Time
	Result       string
	ErrorMessage string
	ReceivedAt   time.Time
}

// IngestStore is the persistence surface for the ingestion pipeline.
type IngestStore interface {
	// Insert writes the ingress row; false means the external id was
	// already recorded (duplicate delivery).
	Insert(ctx context.Context, tx storage.Tx, externalID, eventType string, payload []byte) (bool, error)
	// Claim is the atomic UPDATE ... WHERE claimed_at IS NULL. A nil
	// return means another worker owns (or owned) the event.
	Claim(ctx context.Context, tx storage.Tx, externalID string) (*ExternalEvent, error)
	Finalize(ctx context.Context, tx storage.Tx, externalID, result, errMsg string) error
	// ResetStuck reopens claims older than the timeout; returns the ids.
	ResetStuck(ctx context.Context, tx storage.Tx, timeout time.Duration, note string) ([]string, error)

	InsertPaymentDispute(ctx context.Context, tx storage.Tx, externalID, escrowID, workerID, kind, status string, amount int64) (bool, error)
	UpdatePaymentDisputeStatus(ctx context.Context, tx storage.Tx, externalID, status string) (string, error)
	SetPayoutsLocked(ctx context.Context, tx storage.Tx, userID string, locked bool, reason string) error
	EscrowWorkerID(ctx context.Context, tx storage.Tx, escrowID string) (string, error)
}

// EscrowOps is the slice of the escrow engine the pipeline drives.
// Satisfied by *escrow.Engine.
type EscrowOps interface {
	GetTx(ctx context.Context, tx storage.Tx, escrowID string) (*escrow.Escrow, error)
	GetByPaymentIntentTx(ctx context.Context, tx storage.Tx, intentID string) (*escrow.Escrow, error)
	FundTx(ctx context.Context, tx storage.Tx, escrowID, externalIntentID string) (*escrow.Escrow, error)
	ReleaseFromFundedTx(ctx context.Context, tx storage.Tx, escrowID, transferID string) (*escrow.Escrow, error)
	RefundTx(ctx context.Context, tx storage.Tx, escrowID, refundID string) (*escrow.Escrow, error)
}

// ProgressCloser pins task progress to CLOSED after settlement.
// Satisfied by *task.Engine.
type ProgressCloser interface {
	CloseProgressTx(ctx context.Context, tx storage.Tx, taskID string) error
}
