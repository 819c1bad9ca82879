// Package plan decides what a subscription plan allows: the risk levels
// a poster may publish at, the recurring series cap behind the kernel's
// recurring limit trigger, and plan expiry.
package plan

import (
	"context"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/storage"
)

// Store reads the plan facts the service gates on.
type Store interface {
	// UserPlan returns the plan name and its expiry (zero time = never).
	UserPlan(ctx context.Context, userID string) (core.Plan, time.Time, error)
	// ActiveRecurringSeries counts the user's live recurring series.
	ActiveRecurringSeries(ctx context.Context, tx storage.Tx, userID string) (int, error)
	InsertSeries(ctx context.Context, tx storage.Tx, id, ownerID, title, cadence string) error
}

type Service struct {
	runner storage.Runner
	store  Store
}

func NewService(runner storage.Runner, store Store) *Service {
	return &Service{runner: runner, store: store}
}

// AllowsRisk reports whether a plan may post tasks at a risk level.
// Free posts TIER_0 only, premium up to TIER_1, pro up to TIER_2.
// TIER_3 is blocked for everyone while in alpha.
func (s *Service) AllowsRisk(p core.Plan, risk core.RiskLevel) bool {
	if risk.Blocked() {
		return false
	}
	switch p {
	case core.PlanPro:
		return true
	case core.PlanPremium:
		return risk == core.RiskTier0 || risk == core.RiskTier1
	default:
		return risk == core.RiskTier0
	}
}

// EffectivePlan resolves the user's plan, degrading to free when the
// subscription has lapsed.
func (s *Service) EffectivePlan(ctx context.Context, userID string) (core.Plan, error) {
	p, expiresAt, err := s.store.UserPlan(ctx, userID)
	if err != nil {
		return "", hxerr.FromDB(err)
	}
	if !p.Valid() {
		return core.PlanFree, nil
	}
	if p != core.PlanFree && !expiresAt.IsZero() && expiresAt.Before(time.Now()) {
		return core.PlanFree, nil
	}
	return p, nil
}

// CheckRecurringLimit is the service-side twin of the kernel's recurring
// series trigger: it rejects a new series when the user is at their
// plan's cap. The trigger remains the backstop for writers that bypass
// this path.
func (s *Service) CheckRecurringLimit(ctx context.Context, tx storage.Tx, userID string, p core.Plan) error {
	active, err := s.store.ActiveRecurringSeries(ctx, tx, userID)
	if err != nil {
		return hxerr.FromDB(err)
	}
	if active >= p.RecurringTaskLimit() {
		return hxerr.New(hxerr.HX501, "recurring task series limit reached for plan %s", p).
			WithDetails(map[string]any{"plan": string(p), "limit": p.RecurringTaskLimit()})
	}
	return nil
}

// CreateSeries registers a recurring task series for a poster, checking
// the plan cap first. The kernel trigger enforces the same cap at
// INSERT, so a racing create still cannot exceed the limit.
func (s *Service) CreateSeries(ctx context.Context, id, ownerID, title, cadence string) error {
	if title == "" || cadence == "" {
		return hxerr.New(hxerr.InvalidState, "series title and cadence are required")
	}
	p, err := s.EffectivePlan(ctx, ownerID)
	if err != nil {
		return err
	}
	return s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		if err := s.CheckRecurringLimit(ctx, tx, ownerID, p); err != nil {
			return err
		}
		if err := s.store.InsertSeries(ctx, tx, id, ownerID, title, cadence); err != nil {
			return hxerr.FromDB(err)
		}
		return nil
	})
}
