package trust

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
)

// User is the full trust-relevant view of a user row.
type User struct {
	ID                    string
	Email                 string
	Tier                  core.TrustTier
	TrustHold             bool
	TrustHoldReason       string
	TrustHoldUntil        *time.Time
	PayoutsLocked         bool
	Plan                  core.Plan
	PhoneVerified         bool
	PaymentMethodVerified bool
	IDVerified            bool
	SecurityDepositLocked bool
	XPTotal               int64
	StreakDays            int
	CreatedAt             time.Time
}

// TaskFacts is the slice of a task the eligibility check reads.
type TaskFacts struct {
	ID        string
	Risk      core.RiskLevel
	Instant   bool
	Sensitive bool
}

// PromotionStats are the aggregates behind the TRUSTED and ELITE
// thresholds, computed from the primary tables at evaluation time.
type PromotionStats struct {
	CompletedTasks     int
	DistinctPosters    int
	Disputes           int
	OnTimeRate         float64
	CompletedTier2Plus int
}

// LedgerEntry is one trust_ledger row. The idempotency key makes tier
// effects safe to replay.
type LedgerEntry struct {
	ID             string
	UserID         string
	TierBefore     core.TrustTier
	TierAfter      core.TrustTier
	Source         string
	Reason         string
	IdempotencyKey string
}

// Store is the persistence surface for the trust service.
type Store interface {
	GetUser(ctx context.Context, tx storage.Tx, id string) (*User, error)
	GetUserForUpdate(ctx context.Context, tx storage.Tx, id string) (*User, error)
	TaskFacts(ctx context.Context, tx storage.Tx, taskID string) (*TaskFacts, error)
	// SetTier is conditional on the current tier; zero rows means another
	// transition won the race.
	SetTier(ctx context.Context, tx storage.Tx, userID string, from, to core.TrustTier) error
	SetHold(ctx context.Context, tx storage.Tx, userID, reason string, until time.Time) error
	ClearHold(ctx context.Context, tx storage.Tx, userID string) error
	PromotionStats(ctx context.Context, tx storage.Tx, userID string) (*PromotionStats, error)
	ActiveTaskIDs(ctx context.Context, tx storage.Tx, userID string) ([]string, error)
	// AppendLedger inserts with ON CONFLICT DO NOTHING on the idempotency
	// key; returns false when the entry already existed.
	AppendLedger(ctx context.Context, tx storage.Tx, e *LedgerEntry) (bool, error)
	RecentPosterPenalties(ctx context.Context, tx storage.Tx, userID string, since time.Time) (int, error)
}

// TaskCanceller cancels a task inside an existing transaction; satisfied
// by *task.Engine. BanUser uses it to sweep the banned user's active tasks.
type TaskCanceller interface {
	CancelBySystemTx(ctx context.Context, tx storage.Tx, taskID string) (*task.Task, error)
}
