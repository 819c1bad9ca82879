package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

func newTestService() (*Service, *FakeStore, *FakeCanceller, *outbox.FakeWriter) {
	store := NewFakeStore()
	canceller := &FakeCanceller{}
	ob := outbox.NewFakeWriter()
	return NewService(storage.NopRunner{}, store, canceller, ob), store, canceller, ob
}

func addTask(store *FakeStore, id string, risk core.RiskLevel) {
	store.Tasks[id] = &TaskFacts{ID: id, Risk: risk}
}

func TestAssertEligibilityDecisionOrder(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	// Unknown user before anything else.
	err := svc.AssertEligibility(ctx, nil, "ghost", "task-1", false)
	assert.Equal(t, hxerr.NotFound, hxerr.CodeOf(err))

	// Banned wins even when the task would be fine.
	store.AddUser("banned-1", core.TierBanned)
	addTask(store, "task-1", core.RiskTier0)
	err = svc.AssertEligibility(ctx, nil, "banned-1", "task-1", false)
	assert.Equal(t, hxerr.UserBanned, hxerr.CodeOf(err))

	// Blocked risk before the tier comparison.
	store.AddUser("elite-1", core.TierElite)
	addTask(store, "task-blocked", core.RiskTier3)
	err = svc.AssertEligibility(ctx, nil, "elite-1", "task-blocked", false)
	assert.Equal(t, hxerr.TaskRiskBlockedAlpha, hxerr.CodeOf(err))
}

func TestAssertEligibilityTierFloor(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	store.AddUser("rookie-1", core.TierRookie)
	store.AddUser("verified-1", core.TierVerified)
	store.AddUser("trusted-1", core.TierTrusted)

	addTask(store, "t0", core.RiskTier0)
	addTask(store, "t2", core.RiskTier2)

	err := svc.AssertEligibility(ctx, nil, "rookie-1", "t0", false)
	assert.Equal(t, hxerr.TrustTierInsufficient, hxerr.CodeOf(err))
	assert.NoError(t, svc.AssertEligibility(ctx, nil, "verified-1", "t0", false))

	err = svc.AssertEligibility(ctx, nil, "verified-1", "t2", false)
	assert.Equal(t, hxerr.TrustTierInsufficient, hxerr.CodeOf(err))
	assert.NoError(t, svc.AssertEligibility(ctx, nil, "trusted-1", "t2", false))

	// Instant mode never bypasses the risk gate.
	err = svc.AssertEligibility(ctx, nil, "verified-1", "t2", true)
	assert.Equal(t, hxerr.TrustTierInsufficient, hxerr.CodeOf(err))
}

func TestEvaluatePromotionToVerified(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	u := store.AddUser("rookie-1", core.TierRookie)
	u.IDVerified = false
	u.PhoneVerified = false

	ev, err := svc.EvaluatePromotion(ctx, "rookie-1")
	require.NoError(t, err)
	assert.Equal(t, core.TierVerified, ev.Target)
	assert.False(t, ev.Eligible)
	assert.Contains(t, ev.Missing, "id verification")
	assert.Contains(t, ev.Missing, "phone verification")

	u.IDVerified = true
	u.PhoneVerified = true
	ev, err = svc.EvaluatePromotion(ctx, "rookie-1")
	require.NoError(t, err)
	assert.True(t, ev.Eligible)
}

func TestEvaluatePromotionToTrusted(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	store.AddUser("verified-1", core.TierVerified)
	store.Stats["verified-1"] = &PromotionStats{
		CompletedTasks: 12, OnTimeRate: 0.98,
	}

	ev, err := svc.EvaluatePromotion(ctx, "verified-1")
	require.NoError(t, err)
	assert.Equal(t, core.TierTrusted, ev.Target)
	assert.True(t, ev.Eligible)

	// A single dispute on record blocks the promotion.
	store.Stats["verified-1"].Disputes = 1
	ev, err = svc.EvaluatePromotion(ctx, "verified-1")
	require.NoError(t, err)
	assert.False(t, ev.Eligible)
}

func TestEvaluatePromotionAtCeiling(t *testing.T) {
	svc, store, _, _ := newTestService()

	store.AddUser("elite-1", core.TierElite)
	ev, err := svc.EvaluatePromotion(context.Background(), "elite-1")
	require.NoError(t, err)
	assert.False(t, ev.Eligible)
	assert.Contains(t, ev.Missing, "already at highest tier")
}

func TestApplyPromotionOneTierAtATime(t *testing.T) {
	svc, store, _, ob := newTestService()
	ctx := context.Background()

	store.AddUser("rookie-1", core.TierRookie)

	// Skipping a tier is rejected.
	_, err := svc.ApplyPromotion(ctx, "rookie-1", core.TierTrusted, "admin:ops")
	assert.Equal(t, hxerr.InvalidTransition, hxerr.CodeOf(err))

	promoted, err := svc.ApplyPromotion(ctx, "rookie-1", core.TierVerified, "admin:ops")
	require.NoError(t, err)
	assert.Equal(t, core.TierVerified, promoted.Tier)
	assert.Len(t, ob.ByType(core.EventTrustTierChanged), 1)

	// Replay at target is a no-op.
	again, err := svc.ApplyPromotion(ctx, "rookie-1", core.TierVerified, "admin:ops")
	require.NoError(t, err)
	assert.Equal(t, core.TierVerified, again.Tier)
	assert.Len(t, store.Ledger, 1)
}

func TestApplyPromotionRevalidatesInTransaction(t *testing.T) {
	svc, store, _, _ := newTestService()

	u := store.AddUser("rookie-1", core.TierRookie)
	u.PaymentMethodVerified = false

	_, err := svc.ApplyPromotion(context.Background(), "rookie-1", core.TierVerified, "auto")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))
	assert.Empty(t, store.Ledger)
}

func TestBanCancelsActiveTasks(t *testing.T) {
	svc, store, canceller, _ := newTestService()
	ctx := context.Background()

	store.AddUser("worker-1", core.TierTrusted)
	store.Active["worker-1"] = []string{"task-1", "task-2"}

	require.NoError(t, svc.BanUser(ctx, "worker-1", "fraud"))
	assert.Equal(t, core.TierBanned, store.Users["worker-1"].Tier)
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, canceller.Cancelled)

	// Banning twice is a no-op.
	require.NoError(t, svc.BanUser(ctx, "worker-1", "fraud"))
	assert.Len(t, store.Ledger, 1)
	assert.Len(t, canceller.Cancelled, 2)
}

func TestWorkerPenaltyDemotesOneTier(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	store.AddUser("worker-1", core.TierTrusted)
	require.NoError(t, svc.ApplyDisputePenalty(ctx, "worker-1", "worker", "evt-1"))
	assert.Equal(t, core.TierVerified, store.Users["worker-1"].Tier)

	// Redelivered event hits the idempotency key and changes nothing.
	require.NoError(t, svc.ApplyDisputePenalty(ctx, "worker-1", "worker", "evt-1"))
	assert.Equal(t, core.TierVerified, store.Users["worker-1"].Tier)
	assert.Len(t, store.Ledger, 1)
}

// The same (before, after) transition recurs legitimately: demote,
// promote back, demote again on a fresh dispute. Each pass must get its
// own tier-change event instead of tripping over the previous one's
// outbox key.
func TestRepeatedDemotionAfterRepromotion(t *testing.T) {
	svc, store, _, ob := newTestService()
	ctx := context.Background()

	store.AddUser("worker-1", core.TierVerified)
	require.NoError(t, svc.ApplyDisputePenalty(ctx, "worker-1", "worker", "evt-1"))
	assert.Equal(t, core.TierRookie, store.Users["worker-1"].Tier)

	// Promoted back between disputes.
	store.Users["worker-1"].Tier = core.TierVerified

	require.NoError(t, svc.ApplyDisputePenalty(ctx, "worker-1", "worker", "evt-2"))
	assert.Equal(t, core.TierRookie, store.Users["worker-1"].Tier)
	assert.Len(t, store.Ledger, 2)
	assert.Len(t, ob.ByType(core.EventTrustTierChanged), 2)
}

func TestWorkerPenaltyFlooredAtRookie(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	store.AddUser("worker-1", core.TierRookie)
	require.NoError(t, svc.ApplyDisputePenalty(ctx, "worker-1", "worker", "evt-1"))
	assert.Equal(t, core.TierRookie, store.Users["worker-1"].Tier)
	// The penalty is still recorded even though the tier held.
	assert.Len(t, store.Ledger, 1)
}

func TestPosterHoldAfterRepeatedPenalties(t *testing.T) {
	svc, store, _, _ := newTestService()
	ctx := context.Background()

	store.AddUser("poster-1", core.TierVerified)

	require.NoError(t, svc.ApplyDisputePenalty(ctx, "poster-1", "poster", "evt-1"))
	assert.False(t, store.Users["poster-1"].TrustHold)
	// Tier is untouched for posters.
	assert.Equal(t, core.TierVerified, store.Users["poster-1"].Tier)

	require.NoError(t, svc.ApplyDisputePenalty(ctx, "poster-1", "poster", "evt-2"))
	assert.True(t, store.Users["poster-1"].TrustHold)
	until, ok := store.Holds["poster-1"]
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(PosterHoldDuration), until, time.Minute)
}

func TestPenaltySkipsBannedUser(t *testing.T) {
	svc, store, _, _ := newTestService()

	store.AddUser("banned-1", core.TierBanned)
	require.NoError(t, svc.ApplyDisputePenalty(context.Background(), "banned-1", "worker", "evt-1"))
	assert.Empty(t, store.Ledger)
}

func TestDemoteLadder(t *testing.T) {
	assert.Equal(t, core.TierTrusted, demote(core.TierElite))
	assert.Equal(t, core.TierVerified, demote(core.TierTrusted))
	assert.Equal(t, core.TierRookie, demote(core.TierVerified))
	assert.Equal(t, core.TierRookie, demote(core.TierRookie))
}
