// Package trust is the single authority over trust tiers, holds and
// eligibility. Tier values move only through this service; every change
// is recorded in trust_ledger with an idempotency key so replayed events
// never apply an effect twice.
package trust

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

// PosterHoldDuration is applied after repeated dispute penalties.
const PosterHoldDuration = 14 * 24 * time.Hour

// posterPenaltyWindow is the lookback for counting poster penalties.
const posterPenaltyWindow = 30 * 24 * time.Hour

// Service implements eligibility checks, promotions, bans and dispute
// penalty effects.
type Service struct {
	runner storage.Runner
	store  Store
	tasks  TaskCanceller
	outbox outbox.EventWriter
	logger *log.Logger
}

func NewService(runner storage.Runner, store Store, tasks TaskCanceller, ob outbox.EventWriter) *Service {
	return &Service{
		runner: runner,
		store:  store,
		tasks:  tasks,
		outbox: ob,
		logger: log.New(log.Writer(), "[TRUST] ", log.LstdFlags),
	}
}

// SetTaskCanceller binds the task engine after construction. The task
// engine takes this service as its eligibility guard, so one of the two
// has to be wired late.
func (s *Service) SetTaskCanceller(tasks TaskCanceller) {
	s.tasks = tasks
}

// AssertEligibility decides whether userID may act on taskID. It reads
// the tier from the users table (never a caller-supplied value), in this
// order: banned, blocked risk, tier-below-required. Instant mode never
// bypasses a risk gate.
func (s *Service) AssertEligibility(ctx context.Context, tx storage.Tx, userID, taskID string, isInstant bool) error {
	u, err := s.store.GetUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	if u == nil {
		return hxerr.New(hxerr.NotFound, "user %s not found", userID)
	}
	if u.Tier == core.TierBanned {
		return hxerr.New(hxerr.UserBanned, "user %s is banned", userID).WithDetails(
			map[string]any{"user_id": userID})
	}

	t, err := s.store.TaskFacts(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if t == nil {
		return hxerr.New(hxerr.NotFound, "task %s not found", taskID)
	}
	if t.Risk.Blocked() {
		return hxerr.New(hxerr.TaskRiskBlockedAlpha,
			"risk level %s is blocked in alpha", t.Risk).WithDetails(
			map[string]any{"task_id": taskID, "risk_level": string(t.Risk)})
	}
	required := t.Risk.RequiredTier()
	if !u.Tier.AtLeast(required) {
		return hxerr.New(hxerr.TrustTierInsufficient,
			"task requires tier %s, user is %s", required, u.Tier).WithDetails(
			map[string]any{
				"user_tier":     string(u.Tier),
				"required_tier": string(required),
				"task_risk":     string(t.Risk),
				"reason":        "user trust tier below task requirement",
			})
	}
	return nil
}

// Evaluation is the outcome of EvaluatePromotion.
type Evaluation struct {
	UserID   string
	Current  core.TrustTier
	Target   core.TrustTier
	Eligible bool
	Missing  []string
}

// EvaluatePromotion checks the thresholds for the user's next tier and
// reports what is still missing.
func (s *Service) EvaluatePromotion(ctx context.Context, userID string) (*Evaluation, error) {
	var out *Evaluation
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		u, err := s.store.GetUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return hxerr.New(hxerr.NotFound, "user %s not found", userID)
		}
		out, err = s.evaluate(ctx, tx, u)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	return out, nil
}

func (s *Service) evaluate(ctx context.Context, tx storage.Tx, u *User) (*Evaluation, error) {
	ev := &Evaluation{UserID: u.ID, Current: u.Tier, Target: u.Tier.Next()}
	if u.Tier == core.TierBanned {
		ev.Missing = []string{"user is banned"}
		return ev, nil
	}
	if ev.Target == "" {
		ev.Missing = []string{"already at highest tier"}
		return ev, nil
	}

	switch ev.Target {
	case core.TierVerified:
		if !u.IDVerified {
			ev.Missing = append(ev.Missing, "id verification")
		}
		if !u.PhoneVerified {
			ev.Missing = append(ev.Missing, "phone verification")
		}
		if !u.PaymentMethodVerified {
			ev.Missing = append(ev.Missing, "payment method")
		}

	case core.TierTrusted:
		stats, err := s.store.PromotionStats(ctx, tx, u.ID)
		if err != nil {
			return nil, err
		}
		if stats.CompletedTasks < 10 {
			ev.Missing = append(ev.Missing, fmt.Sprintf("completed tasks: %d of 10", stats.CompletedTasks))
		}
		if stats.Disputes > 0 {
			ev.Missing = append(ev.Missing, fmt.Sprintf("disputes on record: %d", stats.Disputes))
		}
		if stats.OnTimeRate < 0.95 {
			ev.Missing = append(ev.Missing, fmt.Sprintf("on-time rate %.0f%% below 95%%", stats.OnTimeRate*100))
		}
		if time.Since(u.CreatedAt) < 7*24*time.Hour {
			ev.Missing = append(ev.Missing, "account younger than 7 days")
		}
		if stats.CompletedTier2Plus > 0 {
			ev.Missing = append(ev.Missing, "completed TIER_2+ tasks on record")
		}

	case core.TierElite:
		stats, err := s.store.PromotionStats(ctx, tx, u.ID)
		if err != nil {
			return nil, err
		}
		if stats.CompletedTasks < 25 {
			ev.Missing = append(ev.Missing, fmt.Sprintf("completed tasks: %d of 25", stats.CompletedTasks))
		}
		if stats.DistinctPosters < 5 {
			ev.Missing = append(ev.Missing, fmt.Sprintf("distinct posters: %d of 5", stats.DistinctPosters))
		}
		if time.Since(u.CreatedAt) < 30*24*time.Hour {
			ev.Missing = append(ev.Missing, "account younger than 30 days")
		}
		if !u.SecurityDepositLocked {
			ev.Missing = append(ev.Missing, "security deposit not locked")
		}
	}

	ev.Eligible = len(ev.Missing) == 0
	return ev, nil
}

// ApplyPromotion advances exactly one tier after re-validating the
// thresholds inside the transaction. Re-running when already at target
// is a no-op.
func (s *Service) ApplyPromotion(ctx context.Context, userID string, target core.TrustTier, source string) (*User, error) {
	var out *User
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		u, err := s.store.GetUserForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return hxerr.New(hxerr.NotFound, "user %s not found", userID)
		}
		if u.Tier == target {
			out = u
			return nil // idempotent replay
		}
		if u.Tier.Next() != target {
			return hxerr.New(hxerr.InvalidTransition,
				"promotion advances one tier at a time: %s -> %s rejected", u.Tier, target)
		}

		// Re-validate under the row lock; the read outside this
		// transaction may be stale.
		ev, err := s.evaluate(ctx, tx, u)
		if err != nil {
			return err
		}
		if !ev.Eligible {
			return hxerr.New(hxerr.Forbidden,
				"user %s not eligible for %s", userID, target).WithDetails(
				map[string]any{"missing": ev.Missing})
		}

		if err := s.store.SetTier(ctx, tx, userID, u.Tier, target); err != nil {
			return err
		}
		// Replay safety comes from the early return and the conditional
		// SetTier; each applied promotion is a fresh ledger row.
		ledgerKey := "promotion:" + uuid.NewString()
		if _, err := s.store.AppendLedger(ctx, tx, &LedgerEntry{
			ID:             uuid.NewString(),
			UserID:         userID,
			TierBefore:     u.Tier,
			TierAfter:      target,
			Source:         source,
			IdempotencyKey: ledgerKey,
		}); err != nil {
			return err
		}

		if err := s.emitTierChange(ctx, tx, userID, u.Tier, target, source, ledgerKey); err != nil {
			return err
		}

		promoted := *u
		promoted.Tier = target
		out = &promoted
		return nil
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	s.logger.Printf("✅ User %s promoted to %s (source=%s)", userID, out.Tier, source)
	return out, nil
}

// BanUser is terminal. It records the transition and cancels the user's
// active tasks in the same transaction.
func (s *Service) BanUser(ctx context.Context, userID, reason string) error {
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		u, err := s.store.GetUserForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return hxerr.New(hxerr.NotFound, "user %s not found", userID)
		}
		if u.Tier == core.TierBanned {
			return nil // already banned
		}

		if err := s.store.SetTier(ctx, tx, userID, u.Tier, core.TierBanned); err != nil {
			return err
		}
		if _, err := s.store.AppendLedger(ctx, tx, &LedgerEntry{
			ID:             uuid.NewString(),
			UserID:         userID,
			TierBefore:     u.Tier,
			TierAfter:      core.TierBanned,
			Source:         "ban",
			Reason:         reason,
			IdempotencyKey: "ban:" + userID,
		}); err != nil {
			return err
		}

		ids, err := s.store.ActiveTaskIDs(ctx, tx, userID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.tasks.CancelBySystemTx(ctx, tx, id); err != nil {
				return err
			}
		}

		s.logger.Printf("🛑 User %s BANNED (reason=%q), cancelled %d active tasks", userID, reason, len(ids))
		return s.emitTierChange(ctx, tx, userID, u.Tier, core.TierBanned, "ban", "ban:"+userID)
	})
	if err != nil {
		return hxerr.FromDB(err)
	}
	return nil
}

// ApplyDisputePenalty applies a dispute resolution's trust effect to the
// penalized party. The idempotency key comes from the outbox event, so
// a redelivered event is a no-op: workers lose one tier (floored at
// ROOKIE), posters get a 14-day hold after two penalties in 30 days.
func (s *Service) ApplyDisputePenalty(ctx context.Context, userID, role, idempotencyKey string) error {
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		u, err := s.store.GetUserForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return hxerr.New(hxerr.NotFound, "user %s not found", userID)
		}
		if u.Tier == core.TierBanned {
			return nil
		}

		after := u.Tier
		source := "dispute_penalty_poster"
		if role == "worker" {
			after = demote(u.Tier)
			source = "dispute_penalty_worker"
		}

		// The ledger append is the dedup boundary: replayed events hit
		// the unique idempotency key and stop here.
		inserted, err := s.store.AppendLedger(ctx, tx, &LedgerEntry{
			ID:             uuid.NewString(),
			UserID:         userID,
			TierBefore:     u.Tier,
			TierAfter:      after,
			Source:         source,
			IdempotencyKey: "penalty:" + idempotencyKey,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		if role == "worker" {
			if after != u.Tier {
				if err := s.store.SetTier(ctx, tx, userID, u.Tier, after); err != nil {
					return err
				}
				if err := s.emitTierChange(ctx, tx, userID, u.Tier, after, source, "penalty:"+idempotencyKey); err != nil {
					return err
				}
			}
			s.logger.Printf("⚠️ Worker %s penalized: %s -> %s", userID, u.Tier, after)
			return nil
		}

		n, err := s.store.RecentPosterPenalties(ctx, tx, userID, time.Now().Add(-posterPenaltyWindow))
		if err != nil {
			return err
		}
		if n >= 2 {
			until := time.Now().Add(PosterHoldDuration)
			if err := s.store.SetHold(ctx, tx, userID, "repeated dispute penalties", until); err != nil {
				return err
			}
			s.logger.Printf("⚠️ Poster %s placed on trust hold until %s (%d penalties in 30d)",
				userID, until.Format(time.RFC3339), n)
		}
		return nil
	})
	if err != nil {
		return hxerr.FromDB(err)
	}
	return nil
}

// emitTierChange writes the tier-change event. The dedup key is the
// ledger entry's idempotency key, never the (before, after) pair: the
// same transition legitimately recurs when a user is demoted, promoted
// back and demoted again.
func (s *Service) emitTierChange(ctx context.Context, tx storage.Tx, userID string, before, after core.TrustTier, source, dedupKey string) error {
	return s.outbox.Write(ctx, tx, outbox.Event{
		EventType:      core.EventTrustTierChanged,
		AggregateType:  core.AggregateUser,
		AggregateID:    userID,
		EventVersion:   1,
		IdempotencyKey: fmt.Sprintf("%s:%s", core.EventTrustTierChanged, dedupKey),
		Payload: map[string]any{
			"user_id":     userID,
			"tier_before": string(before),
			"tier_after":  string(after),
			"source":      source,
		},
		QueueName: core.QueueUserNotifications,
	})
}

// demote returns the tier one below, floored at ROOKIE.
func demote(t core.TrustTier) core.TrustTier {
	switch t {
	case core.TierElite:
		return core.TierTrusted
	case core.TierTrusted:
		return core.TierVerified
	case core.TierVerified, core.TierRookie:
		return core.TierRookie
	}
	return t
}
