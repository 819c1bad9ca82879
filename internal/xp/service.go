// Package xp maintains the XP ledger, the offline-payment tax ledger and
// badges. The award path runs under serializable isolation; the kernel
// triggers (escrow must be RELEASED, unpaid tax blocks awards, no
// UPDATE/DELETE ever) backstop everything this code checks first.
package xp

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

// OfflineTaxRate is the share of an offline payment owed as tax.
const OfflineTaxRate = 0.10

// Service implements awards, offline tax and badges.
type Service struct {
	runner   storage.Runner
	store    Store
	verifier IntentVerifier
	outbox   outbox.EventWriter
	logger   *log.Logger
}

func NewService(runner storage.Runner, store Store, verifier IntentVerifier, ob outbox.EventWriter) *Service {
	return &Service{
		runner:   runner,
		store:    store,
		verifier: verifier,
		outbox:   ob,
		logger:   log.New(log.Writer(), "[XP] ", log.LstdFlags),
	}
}

// EffectiveXP applies the award formula: streak multiplier capped at 2.0,
// trust multiplier by tier, 1.25 for LIVE tasks, floored to an integer.
func EffectiveXP(baseXP int64, streakDays int, tier core.TrustTier, mode core.TaskMode) int64 {
	streakMult := math.Min(2.0, 1.0+0.05*float64(streakDays))
	return int64(math.Floor(float64(baseXP) * streakMult * tier.XPMultiplier() * mode.XPMultiplier()))
}

// Level is derived from total XP: 100 XP per level, quadratic curve.
func Level(xpTotal int64) int {
	if xpTotal < 0 {
		return 1
	}
	return int(math.Sqrt(float64(xpTotal)/100.0)) + 1
}

// AwardParams is the input for AwardXP.
type AwardParams struct {
	UserID   string
	TaskID   string
	EscrowID string
	BaseXP   int64
	Reason   string
}

// AwardXP computes and appends one ledger entry under a serializable
// transaction. A replay of the same (user, task, escrow) is a successful
// no-op: the unique constraint absorbs it.
func (s *Service) AwardXP(ctx context.Context, p AwardParams) (*LedgerEntry, error) {
	if p.BaseXP <= 0 {
		return nil, hxerr.New(hxerr.InvalidState, "base XP must be positive, got %d", p.BaseXP)
	}

	var out *LedgerEntry
	err := s.runner.WithSerializableTransaction(ctx, func(tx storage.Tx) error {
		snap, err := s.store.UserSnapshotForUpdate(ctx, tx, p.UserID)
		if err != nil {
			return err
		}
		if snap == nil {
			return hxerr.New(hxerr.NotFound, "user %s not found", p.UserID)
		}

		escState, err := s.store.EscrowState(ctx, tx, p.EscrowID)
		if err != nil {
			return err
		}
		if escState != core.EscrowReleased {
			return hxerr.New(hxerr.HX101,
				"XP award requires escrow RELEASED, escrow %s is %s", p.EscrowID, escState)
		}

		mode, err := s.store.TaskMode(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}

		effective := EffectiveXP(p.BaseXP, snap.StreakDays, snap.Tier, mode)
		entry := &LedgerEntry{
			ID:            uuid.NewString(),
			UserID:        p.UserID,
			TaskID:        p.TaskID,
			EscrowID:      p.EscrowID,
			BaseXP:        p.BaseXP,
			EffectiveXP:   effective,
			XPBefore:      snap.XPTotal,
			XPAfter:       snap.XPTotal + effective,
			LevelBefore:   Level(snap.XPTotal),
			LevelAfter:    Level(snap.XPTotal + effective),
			StreakAtAward: snap.StreakDays,
			Reason:        p.Reason,
		}

		inserted, err := s.store.InsertLedger(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !inserted {
			// Redelivered event: the award already happened.
			out = nil
			return nil
		}
		if err := s.store.AddUserXP(ctx, tx, p.UserID, effective); err != nil {
			return err
		}
		out = entry

		return s.outbox.Write(ctx, tx, outbox.Event{
			EventType:      core.EventXPAwarded,
			AggregateType:  core.AggregateUser,
			AggregateID:    p.UserID,
			EventVersion:   1,
			IdempotencyKey: fmt.Sprintf("%s:%s:%s:%s", core.EventXPAwarded, p.UserID, p.TaskID, p.EscrowID),
			Payload: map[string]any{
				"user_id":      p.UserID,
				"task_id":      p.TaskID,
				"escrow_id":    p.EscrowID,
				"effective_xp": effective,
				"level_after":  entry.LevelAfter,
			},
			QueueName: core.QueueUserNotifications,
		})
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if out != nil {
		s.logger.Printf("✅ Awarded %d XP to %s (base=%d streak=%d)", out.EffectiveXP, p.UserID, p.BaseXP, out.StreakAtAward)
	}
	return out, nil
}

// RecordOfflinePayment books a 10% tax debt for a payment settled off the
// platform. The earned XP is held back; the kernel blocks further awards
// for the user until the debt clears.
func (s *Service) RecordOfflinePayment(ctx context.Context, userID, taskID string, grossAmount, heldXP int64) (*TaxEntry, error) {
	if grossAmount <= 0 {
		return nil, hxerr.New(hxerr.InvalidState, "gross amount must be positive, got %d", grossAmount)
	}
	tax := int64(math.Round(float64(grossAmount) * OfflineTaxRate))

	entry := &TaxEntry{
		ID:          uuid.NewString(),
		UserID:      userID,
		TaskID:      taskID,
		GrossAmount: grossAmount,
		TaxAmount:   tax,
		HeldXP:      heldXP,
		XPHeldBack:  true,
	}
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		if err := s.store.InsertTaxEntry(ctx, tx, entry); err != nil {
			return err
		}
		return s.store.AddUnpaidTax(ctx, tx, userID, tax)
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	s.logger.Printf("Offline payment recorded for %s: gross=%d tax=%d heldXP=%d", userID, grossAmount, tax, heldXP)
	return entry, nil
}

// PayTax settles offline tax debt with a verified external payment of
// type xp_tax. Entries are cleared oldest first while the payment amount
// covers them; each cleared entry's held XP is released straight to the
// user's running total (the XP was already earned, only held).
func (s *Service) PayTax(ctx context.Context, userID, paymentIntentID string) (int, error) {
	succeeded, kind, amount, err := s.verifier.VerifyIntent(ctx, paymentIntentID)
	if err != nil {
		return 0, hxerr.New(hxerr.Internal, "payment verification failed: %v", err)
	}
	if !succeeded {
		return 0, hxerr.New(hxerr.InvalidState, "payment intent %s has not succeeded", paymentIntentID)
	}
	if kind != "xp_tax" {
		return 0, hxerr.New(hxerr.InvalidState,
			"payment intent %s is type %q, expected xp_tax", paymentIntentID, kind)
	}

	cleared := 0
	err = s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		entries, err := s.store.UnpaidTaxEntriesForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return hxerr.New(hxerr.InvalidState, "user %s has no unpaid tax", userID)
		}

		remaining := amount
		var releasedXP, paidTax int64
		for _, e := range entries {
			if remaining < e.TaxAmount {
				break
			}
			if err := s.store.MarkTaxPaid(ctx, tx, e.ID, paymentIntentID); err != nil {
				return err
			}
			remaining -= e.TaxAmount
			paidTax += e.TaxAmount
			releasedXP += e.HeldXP
			cleared++
		}
		if cleared == 0 {
			return hxerr.New(hxerr.InvalidState,
				"payment of %d does not cover the oldest tax entry of %d", amount, entries[0].TaxAmount)
		}

		if err := s.store.AddUnpaidTax(ctx, tx, userID, -paidTax); err != nil {
			return err
		}
		if releasedXP > 0 {
			if err := s.store.AddUserXP(ctx, tx, userID, releasedXP); err != nil {
				return err
			}
		}
		s.logger.Printf("✅ Tax paid by %s: %d entries cleared, %d XP released", userID, cleared, releasedXP)
		return nil
	})
	if err != nil {
		return 0, hxerr.FromDB(err)
	}
	return cleared, nil
}

// AwardBadge appends a badge. The kernel forbids UPDATE and DELETE on the
// table, so a duplicate grant is just a second row with its own timestamp.
func (s *Service) AwardBadge(ctx context.Context, userID, badgeType, awardedFor string) (*Badge, error) {
	b := &Badge{
		ID:         uuid.NewString(),
		UserID:     userID,
		BadgeType:  badgeType,
		AwardedFor: awardedFor,
		CreatedAt:  time.Now().UTC(),
	}
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		return s.store.InsertBadge(ctx, tx, b)
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	s.logger.Printf("Badge %s awarded to %s (%s)", badgeType, userID, awardedFor)
	return b, nil
}

// MilestoneBadge awards the completion-count badge when the user's
// completed-task total hits a milestone. Called by the notification
// consumer after task.completed events.
func (s *Service) MilestoneBadge(ctx context.Context, userID string) error {
	milestones := map[int]string{1: "first_task", 10: "ten_tasks", 25: "twenty_five_tasks", 100: "hundred_tasks"}
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		n, err := s.store.CompletedTaskCount(ctx, tx, userID)
		if err != nil {
			return err
		}
		badge, ok := milestones[n]
		if !ok {
			return nil
		}
		return s.store.InsertBadge(ctx, tx, &Badge{
			ID:         uuid.NewString(),
			UserID:     userID,
			BadgeType:  badge,
			AwardedFor: fmt.Sprintf("completed %d tasks", n),
		})
	})
	if err != nil {
		return hxerr.FromDB(err)
	}
	return nil
}
