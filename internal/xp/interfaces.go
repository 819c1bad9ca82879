package xp

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// LedgerEntry is one xp_ledger row. Append-only; the unique
// (user, task, escrow) constraint makes awards at-most-once.
type LedgerEntry struct {
	ID            string
	UserID        string
	TaskID        string
	EscrowID      string
	BaseXP        int64
	EffectiveXP   int64
	XPBefore      int64
	XPAfter       int64
	LevelBefore   int
	LevelAfter    int
	StreakAtAward int
	Reason        string
	CreatedAt     time.Time
}

// TaxEntry is one xp_tax_ledger row for an offline payment.
type TaxEntry struct {
	ID              string
	UserID          string
	TaskID          string
	GrossAmount     int64
	TaxAmount       int64
	HeldXP          int64
	XPHeldBack      bool
	TaxPaid         bool
	PaidAt          *time.Time
	PaymentIntentID string
	CreatedAt       time.Time
}

// Badge is one append-only badge award.
type Badge struct {
	ID         string
	UserID     string
	BadgeType  string
	AwardedFor string
	CreatedAt  time.Time
}

// Snapshot is the user state read under the serializable award
// transaction and copied into the ledger row.
type Snapshot struct {
	XPTotal    int64
	StreakDays int
	Tier       core.TrustTier
}

// Store is the persistence surface for XP, tax and badges.
type Store interface {
	// UserSnapshotForUpdate row-locks the user and returns the award inputs.
	UserSnapshotForUpdate(ctx context.Context, tx storage.Tx, userID string) (*Snapshot, error)
	TaskMode(ctx context.Context, tx storage.Tx, taskID string) (core.TaskMode, error)
	EscrowState(ctx context.Context, tx storage.Tx, escrowID string) (core.EscrowState, error)
	// InsertLedger appends with ON CONFLICT DO NOTHING on the
	// (user, task, escrow) key; false means the award already exists.
	InsertLedger(ctx context.Context, tx storage.Tx, e *LedgerEntry) (bool, error)
	AddUserXP(ctx context.Context, tx storage.Tx, userID string, delta int64) error

	InsertTaxEntry(ctx context.Context, tx storage.Tx, e *TaxEntry) error
	AddUnpaidTax(ctx context.Context, tx storage.Tx, userID string, delta int64) error
	// UnpaidTaxEntriesForUpdate returns unpaid entries oldest first, locked.
	UnpaidTaxEntriesForUpdate(ctx context.Context, tx storage.Tx, userID string) ([]*TaxEntry, error)
	MarkTaxPaid(ctx context.Context, tx storage.Tx, entryID, paymentIntentID string) error

	InsertBadge(ctx context.Context, tx storage.Tx, b *Badge) error
	CompletedTaskCount(ctx context.Context, tx storage.Tx, userID string) (int, error)
}

// IntentVerifier checks an external payment intent against the processor.
// Satisfied by *payments.Client.
type IntentVerifier interface {
	VerifyIntent(ctx context.Context, intentID string) (succeeded bool, kind string, amount int64, err error)
}
