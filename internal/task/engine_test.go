package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

type engineFixture struct {
	engine       *Engine
	store        *FakeStore
	escrows      *escrow.FakeStore
	outbox       *outbox.FakeWriter
	killSwitch   *FakeKillSwitch
	rateLimiter  *FakeRateLimiter
	completeness *FakeCompletenessGate
}

func newFixture(guard EligibilityGuard, pg PlanGate) *engineFixture {
	f := &engineFixture{
		store:        NewFakeStore(),
		escrows:      escrow.NewFakeStore(),
		outbox:       outbox.NewFakeWriter(),
		killSwitch:   &FakeKillSwitch{},
		rateLimiter:  &FakeRateLimiter{},
		completeness: &FakeCompletenessGate{},
	}
	escrowEngine := escrow.NewEngine(storage.NopRunner{}, f.escrows, f.outbox)
	f.engine = NewEngine(storage.NopRunner{}, f.store, guard,
		f.killSwitch, f.rateLimiter, f.completeness, AllowAllPlans{},
		escrowEngine, f.outbox, DefaultConfig())
	if pg != nil {
		f.engine.planGate = pg
	}
	return f
}

func validParams(posterID string) CreateParams {
	return CreateParams{
		PosterID:    posterID,
		Title:       "Mow the lawn",
		Description: "Front and back yard, mower provided",
		Price:       2500,
		RiskLevel:   core.RiskTier0,
		Mode:        core.ModeStandard,
	}
}

func TestCreateOpensTaskWithPendingEscrow(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)

	created, err := f.engine.Create(context.Background(), validParams("poster-1"))
	require.NoError(t, err)
	assert.Equal(t, core.TaskOpen, created.State)
	assert.Equal(t, core.ProgressPosted, created.ProgressState)
	assert.Equal(t, 1, created.Version)

	esc, err := f.escrows.GetByTask(context.Background(), nil, created.ID)
	require.NoError(t, err)
	require.NotNil(t, esc)
	assert.Equal(t, core.EscrowPending, esc.State)
	assert.Equal(t, created.Price, esc.Amount)
}

func TestCreateInstantStartsInMatching(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)

	p := validParams("poster-1")
	p.InstantMode = true
	created, err := f.engine.Create(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, core.TaskMatching, created.State)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	ctx := context.Background()

	p := validParams("poster-1")
	p.Price = 0
	_, err := f.engine.Create(ctx, p)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))

	p = validParams("poster-1")
	p.Price = 400
	_, err = f.engine.Create(ctx, p)
	assert.Equal(t, hxerr.PriceTooLow, hxerr.CodeOf(err))

	p = validParams("poster-1")
	p.Mode = core.ModeLive
	p.Price = 1000
	_, err = f.engine.Create(ctx, p)
	assert.Equal(t, hxerr.Live2Violation, hxerr.CodeOf(err))

	p = validParams("poster-1")
	p.RiskLevel = core.RiskTier3
	_, err = f.engine.Create(ctx, p)
	assert.Equal(t, hxerr.TaskRiskBlockedAlpha, hxerr.CodeOf(err))
}

func TestCreateRejectsBannedPoster(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("banned-1", core.TierBanned)

	_, err := f.engine.Create(context.Background(), validParams("banned-1"))
	assert.Equal(t, hxerr.UserBanned, hxerr.CodeOf(err))
}

func TestCreateTrustHoldBlocksNonLowRisk(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	u := f.store.AddUser("poster-1", core.TierVerified)
	u.TrustHold = true
	until := time.Now().Add(24 * time.Hour)
	u.TrustHoldUntil = &until

	p := validParams("poster-1")
	p.RiskLevel = core.RiskTier2
	_, err := f.engine.Create(context.Background(), p)
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))

	// LOW risk is still allowed under a hold.
	p.RiskLevel = core.RiskTier0
	_, err = f.engine.Create(context.Background(), p)
	assert.NoError(t, err)
}

func TestCreatePlanGate(t *testing.T) {
	f := newFixture(AllowAllGuard{}, DenyAllPlans{})
	f.store.AddUser("poster-1", core.TierVerified)

	_, err := f.engine.Create(context.Background(), validParams("poster-1"))
	assert.Equal(t, hxerr.PlanRequired, hxerr.CodeOf(err))
}

func TestCreateInstantGates(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	ctx := context.Background()

	p := validParams("poster-1")
	p.InstantMode = true

	f.killSwitch.Disabled = true
	f.killSwitch.Reason = "incident in progress"
	_, err := f.engine.Create(ctx, p)
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))
	f.killSwitch.Disabled = false

	f.rateLimiter.Deny = true
	_, err = f.engine.Create(ctx, p)
	assert.Equal(t, hxerr.RateLimitExceeded, hxerr.CodeOf(err))
	f.rateLimiter.Deny = false

	f.completeness.Incomplete = true
	f.completeness.Missing = []string{"location"}
	_, err = f.engine.Create(ctx, p)
	assert.Equal(t, hxerr.InstantTaskIncomplete, hxerr.CodeOf(err))
	f.completeness.Incomplete = false

	_, err = f.engine.Create(ctx, p)
	assert.NoError(t, err)
}

func TestAcceptAssignsWorkerOnce(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	f.store.AddUser("worker-2", core.TierVerified)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, validParams("poster-1"))
	require.NoError(t, err)

	accepted, err := f.engine.Accept(ctx, created.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskAccepted, accepted.State)
	assert.Equal(t, core.ProgressAccepted, accepted.ProgressState)
	assert.Equal(t, "worker-1", accepted.WorkerID)

	// The second caller loses the race with a distinguishable error.
	_, err = f.engine.Accept(ctx, created.ID, "worker-2")
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
	assert.Contains(t, err.Error(), "already accepted")

	assert.Len(t, f.outbox.ByType(core.EventTaskAccepted), 1)
}

func TestAcceptDelegatesToEligibilityGuard(t *testing.T) {
	denied := hxerr.New(hxerr.TrustTierInsufficient, "tier too low")
	f := newFixture(DenyGuard{Err: denied}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierElite)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, validParams("poster-1"))
	require.NoError(t, err)

	// Even an ELITE worker is rejected when the guard says no.
	_, err = f.engine.Accept(ctx, created.ID, "worker-1")
	assert.Equal(t, hxerr.TrustTierInsufficient, hxerr.CodeOf(err))
}

func TestAcceptTrustHoldBlocksNonLowRisk(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	u := f.store.AddUser("worker-1", core.TierTrusted)
	u.TrustHold = true
	ctx := context.Background()

	p := validParams("poster-1")
	p.RiskLevel = core.RiskTier2
	created, err := f.engine.Create(ctx, p)
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, created.ID, "worker-1")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))
}

func TestAcceptInstantTierFloor(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("rookie-1", core.TierRookie)
	f.store.AddUser("verified-1", core.TierVerified)
	ctx := context.Background()

	p := validParams("poster-1")
	p.InstantMode = true
	created, err := f.engine.Create(ctx, p)
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, created.ID, "rookie-1")
	assert.Equal(t, hxerr.InstantTaskTrustInsufficient, hxerr.CodeOf(err))

	accepted, err := f.engine.Accept(ctx, created.ID, "verified-1")
	require.NoError(t, err)
	assert.Equal(t, "verified-1", accepted.WorkerID)
}

func TestAcceptSensitiveInstantRequiresTrusted(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("verified-1", core.TierVerified)
	f.store.AddUser("trusted-1", core.TierTrusted)
	ctx := context.Background()

	p := validParams("poster-1")
	p.InstantMode = true
	p.Sensitive = true
	created, err := f.engine.Create(ctx, p)
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, created.ID, "verified-1")
	assert.Equal(t, hxerr.InstantTaskTrustInsufficient, hxerr.CodeOf(err))

	_, err = f.engine.Accept(ctx, created.ID, "trusted-1")
	assert.NoError(t, err)
}

func TestAcceptInstantRateLimit(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	p := validParams("poster-1")
	p.InstantMode = true
	created, err := f.engine.Create(ctx, p)
	require.NoError(t, err)

	f.rateLimiter.Deny = true
	_, err = f.engine.Accept(ctx, created.ID, "worker-1")
	assert.Equal(t, hxerr.RateLimitExceeded, hxerr.CodeOf(err))
	assert.Contains(t, f.rateLimiter.Keys, "instant_accept:worker-1")
}

// acceptedTask drives a fresh task to ACCEPTED and returns it.
func acceptedTask(t *testing.T, f *engineFixture, requiresProof bool) *Task {
	t.Helper()
	ctx := context.Background()
	p := validParams("poster-1")
	p.RequiresProof = requiresProof
	created, err := f.engine.Create(ctx, p)
	require.NoError(t, err)
	accepted, err := f.engine.Accept(ctx, created.ID, "worker-1")
	require.NoError(t, err)
	return accepted
}

func TestProofFlow(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, true)

	// Only the assigned worker may submit.
	_, err := f.engine.SubmitProof(ctx, tk.ID, "intruder", "done", nil)
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))

	proof, err := f.engine.SubmitProof(ctx, tk.ID, "worker-1", "done, see photos", []string{"https://cdn/p1.jpg"})
	require.NoError(t, err)
	assert.Equal(t, core.ProofPending, proof.State)

	got, err := f.engine.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskProofSubmitted, got.State)

	// A second submission requires ACCEPTED again.
	_, err = f.engine.SubmitProof(ctx, tk.ID, "worker-1", "again", nil)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))

	// Reject returns the task to ACCEPTED for a retry.
	back, err := f.engine.RejectProof(ctx, tk.ID, "poster-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskAccepted, back.State)

	_, err = f.engine.SubmitProof(ctx, tk.ID, "worker-1", "fixed", nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.AcceptProof(ctx, tk.ID, "poster-1"))

	done, err := f.engine.Complete(ctx, tk.ID, "poster-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, done.State)
	assert.Len(t, f.outbox.ByType(core.EventTaskCompleted), 1)
}

func TestProofDecisionsArePosterOnly(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, true)
	_, err := f.engine.SubmitProof(ctx, tk.ID, "worker-1", "done", nil)
	require.NoError(t, err)

	err = f.engine.AcceptProof(ctx, tk.ID, "worker-1")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))
	_, err = f.engine.RejectProof(ctx, tk.ID, "worker-1")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))
}

func TestCompleteRequiresAcceptedProof(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, true)
	_, err := f.engine.SubmitProof(ctx, tk.ID, "worker-1", "done", nil)
	require.NoError(t, err)

	// Proof submitted but not yet accepted by the poster.
	_, err = f.engine.Complete(ctx, tk.ID, "poster-1")
	assert.Equal(t, hxerr.HX301, hxerr.CodeOf(err))
}

func TestCompleteWithoutProofRequirement(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, false)
	done, err := f.engine.Complete(ctx, tk.ID, "poster-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCompleted, done.State)

	// Terminal states stay terminal.
	_, err = f.engine.Complete(ctx, tk.ID, "poster-1")
	assert.Equal(t, hxerr.TaskTerminal, hxerr.CodeOf(err))
	_, err = f.engine.Cancel(ctx, tk.ID, "poster-1")
	assert.Equal(t, hxerr.TaskTerminal, hxerr.CodeOf(err))
}

func TestCancelIsPosterOnly(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, validParams("poster-1"))
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, created.ID, "someone-else")
	assert.Equal(t, hxerr.Forbidden, hxerr.CodeOf(err))

	cancelled, err := f.engine.Cancel(ctx, created.ID, "poster-1")
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, cancelled.State)
}

func TestExpireRequiresUnassignedTask(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, validParams("poster-1"))
	require.NoError(t, err)
	expired, err := f.engine.Expire(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskExpired, expired.State)

	tk := acceptedTask(t, f, false)
	_, err = f.engine.Expire(ctx, tk.ID)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))
}

func TestCancelBySystemIsIdempotentOnTerminal(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	ctx := context.Background()

	created, err := f.engine.Create(ctx, validParams("poster-1"))
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, created.ID, "poster-1")
	require.NoError(t, err)

	// Already terminal: no error, no further transition.
	got, err := f.engine.CancelBySystemTx(ctx, nil, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskCancelled, got.State)
}

func TestOpenDisputeRequiresProofSubmitted(t *testing.T) {
	f := newFixture(AllowAllGuard{}, nil)
	f.store.AddUser("poster-1", core.TierVerified)
	f.store.AddUser("worker-1", core.TierVerified)
	ctx := context.Background()

	tk := acceptedTask(t, f, true)
	_, err := f.engine.OpenDisputeTx(ctx, nil, tk.ID)
	assert.Equal(t, hxerr.InvalidState, hxerr.CodeOf(err))

	_, err = f.engine.SubmitProof(ctx, tk.ID, "worker-1", "done", nil)
	require.NoError(t, err)
	disputed, err := f.engine.OpenDisputeTx(ctx, nil, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, core.TaskDisputed, disputed.State)
}
