package plan

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/storage"
)

func newTestService() (*Service, *FakeStore) {
	store := NewFakeStore()
	return NewService(storage.NopRunner{}, store), store
}

func TestAllowsRiskMatrix(t *testing.T) {
	svc, _ := newTestService()

	cases := []struct {
		plan core.Plan
		risk core.RiskLevel
		want bool
	}{
		{core.PlanFree, core.RiskTier0, true},
		{core.PlanFree, core.RiskTier1, false},
		{core.PlanFree, core.RiskTier2, false},
		{core.PlanPremium, core.RiskTier0, true},
		{core.PlanPremium, core.RiskTier1, true},
		{core.PlanPremium, core.RiskTier2, false},
		{core.PlanPro, core.RiskTier0, true},
		{core.PlanPro, core.RiskTier1, true},
		{core.PlanPro, core.RiskTier2, true},
		// TIER_3 is blocked regardless of plan.
		{core.PlanPro, core.RiskTier3, false},
		{core.PlanFree, core.RiskTier3, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, svc.AllowsRisk(tc.plan, tc.risk),
			"%s posting %s", tc.plan, tc.risk)
	}
}

func TestEffectivePlanDegradesWhenLapsed(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	// Unknown users default to free.
	p, err := svc.EffectivePlan(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, core.PlanFree, p)

	store.Plans["u2"] = core.PlanPro
	store.Expiry["u2"] = time.Now().Add(24 * time.Hour)
	p, err = svc.EffectivePlan(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, core.PlanPro, p)

	store.Expiry["u2"] = time.Now().Add(-time.Hour)
	p, err = svc.EffectivePlan(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, core.PlanFree, p)

	// No expiry on record means the plan never lapses.
	store.Plans["u3"] = core.PlanPremium
	p, err = svc.EffectivePlan(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, core.PlanPremium, p)
}

func TestCreateSeriesEnforcesPlanCap(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	// Free allows two active series.
	require.NoError(t, svc.CreateSeries(ctx, "s1", "u1", "Weekly mow", "weekly"))
	require.NoError(t, svc.CreateSeries(ctx, "s2", "u1", "Daily walk", "daily"))
	err := svc.CreateSeries(ctx, "s3", "u1", "One more", "weekly")
	assert.Equal(t, hxerr.HX501, hxerr.CodeOf(err))
	assert.Len(t, store.Series["u1"], 2)

	// A pro plan lifts the cap to 25.
	store.Plans["u2"] = core.PlanPro
	for i := 0; i < 25; i++ {
		require.NoError(t, svc.CreateSeries(ctx, fmt.Sprintf("p%d", i), "u2", "Series", "weekly"))
	}
	err = svc.CreateSeries(ctx, "p26", "u2", "Series", "weekly")
	assert.Equal(t, hxerr.HX501, hxerr.CodeOf(err))
}

func TestCreateSeriesValidation(t *testing.T) {
	svc, _ := newTestService()
	err := svc.CreateSeries(context.Background(), "s1", "u1", "", "weekly")
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
	err = svc.CreateSeries(context.Background(), "s1", "u1", "Title", "")
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
}
