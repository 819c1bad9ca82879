// Package recompute maintains the derived capability projections. It is
// the only writer of capability_profiles and verified_trades: resolution
// endpoints read the projections, primary verification records feed
// them, and nothing else may touch them.
package recompute

import (
	"context"
	"log"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/storage"
)

// VerificationRecord is a primary fact from the verification pipeline.
type VerificationRecord struct {
	ID            string
	UserID        string
	RecordType    string // "insurance" or "license"
	Trade         string
	LicenseNumber string
	Valid         bool
	ExpiresAt     time.Time // zero = no expiry
}

// CapabilityProfile is the derived per-user projection.
type CapabilityProfile struct {
	UserID             string
	TrustTier          core.TrustTier
	InsuranceValid     bool
	InsuranceExpiresAt time.Time
	RecomputedAt       time.Time
}

// VerifiedTrade is one derived trade entitlement.
type VerifiedTrade struct {
	UserID        string
	Trade         string
	LicenseNumber string
	ExpiresAt     time.Time
}

// Store is the projection persistence surface.
type Store interface {
	UserTier(ctx context.Context, tx storage.Tx, userID string) (core.TrustTier, error)
	VerificationRecords(ctx context.Context, tx storage.Tx, userID string) ([]VerificationRecord, error)
	UpsertProfile(ctx context.Context, tx storage.Tx, p CapabilityProfile) error
	ReplaceTrades(ctx context.Context, tx storage.Tx, userID string, trades []VerifiedTrade) error
}

type Service struct {
	runner storage.Runner
	store  Store
	logger *log.Logger
}

func NewService(runner storage.Runner, store Store) *Service {
	return &Service{
		runner: runner,
		store:  store,
		logger: log.New(log.Writer(), "[RECOMPUTE] ", log.LstdFlags),
	}
}

// Recompute rebuilds a user's capability profile and verified trades
// from the primary verification records. Safe to call repeatedly; the
// projection always reflects the records as of the call.
func (s *Service) Recompute(ctx context.Context, userID string) (*CapabilityProfile, error) {
	var profile *CapabilityProfile
	var tradeCount int
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		tier, err := s.store.UserTier(ctx, tx, userID)
		if err != nil {
			return err
		}
		records, err := s.store.VerificationRecords(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		p := CapabilityProfile{UserID: userID, TrustTier: tier, RecomputedAt: now}
		var trades []VerifiedTrade

		for _, r := range records {
			if !r.Valid || (!r.ExpiresAt.IsZero() && r.ExpiresAt.Before(now)) {
				continue
			}
			switch r.RecordType {
			case "insurance":
				// The latest unexpired insurance record wins.
				if !p.InsuranceValid || r.ExpiresAt.After(p.InsuranceExpiresAt) {
					p.InsuranceValid = true
					p.InsuranceExpiresAt = r.ExpiresAt
				}
			case "license":
				if r.Trade == "" {
					continue
				}
				trades = append(trades, VerifiedTrade{
					UserID:        userID,
					Trade:         r.Trade,
					LicenseNumber: r.LicenseNumber,
					ExpiresAt:     r.ExpiresAt,
				})
			}
		}

		if err := s.store.UpsertProfile(ctx, tx, p); err != nil {
			return err
		}
		deduped := dedupeTrades(trades)
		if err := s.store.ReplaceTrades(ctx, tx, userID, deduped); err != nil {
			return err
		}
		profile = &p
		tradeCount = len(deduped)
		return nil
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	s.logger.Printf("✅ Recomputed capabilities for %s (insurance=%v, trades=%d)",
		userID, profile.InsuranceValid, tradeCount)
	return profile, nil
}

// dedupeTrades keeps the longest-lived record per trade.
func dedupeTrades(trades []VerifiedTrade) []VerifiedTrade {
	best := make(map[string]VerifiedTrade, len(trades))
	for _, t := range trades {
		cur, ok := best[t.Trade]
		if !ok || t.ExpiresAt.After(cur.ExpiresAt) {
			best[t.Trade] = t
		}
	}
	out := make([]VerifiedTrade, 0, len(best))
	for _, t := range best {
		out = append(out, t)
	}
	return out
}
