// Package task implements the task engine: the lifecycle and progress
// state machines, creation gating, the accept race-resolver and proof
// handling. Eligibility is never decided here; the injected guard is
// the only authority.
package task

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

// ErrVersionConflict mirrors the escrow engine's zero-row outcome.
var ErrVersionConflict = errors.New("version or state changed during update")

// Config carries the runtime knobs for instant mode.
type Config struct {
	MinInstantTier          core.TrustTier
	MinSensitiveInstantTier core.TrustTier
}

// DefaultConfig uses the documented defaults: VERIFIED for instant tasks,
// TRUSTED for sensitive instant tasks.
func DefaultConfig() Config {
	return Config{
		MinInstantTier:          core.TierVerified,
		MinSensitiveInstantTier: core.TierTrusted,
	}
}

// Engine drives both task state machines.
type Engine struct {
	runner       storage.Runner
	store        Store
	eligibility  EligibilityGuard
	killSwitch   KillSwitch
	rateLimiter  RateLimiter
	completeness CompletenessGate
	planGate     PlanGate
	escrows      EscrowCreator
	outbox       outbox.EventWriter
	cfg          Config
	logger       *log.Logger
}

func NewEngine(runner storage.Runner, store Store, guard EligibilityGuard,
	ks KillSwitch, rl RateLimiter, cg CompletenessGate, pg PlanGate,
	ec EscrowCreator, ob outbox.EventWriter, cfg Config) *Engine {
	return &Engine{
		runner:       runner,
		store:        store,
		eligibility:  guard,
		killSwitch:   ks,
		rateLimiter:  rl,
		completeness: cg,
		planGate:     pg,
		escrows:      ec,
		outbox:       ob,
		cfg:          cfg,
		logger:       log.New(log.Writer(), "[TASK] ", log.LstdFlags),
	}
}

// CreateParams is the validated input for task creation.
type CreateParams struct {
	PosterID      string
	Title         string
	Description   string
	Price         int64
	Location      string
	Category      string
	RequiresProof bool
	RiskLevel     core.RiskLevel
	Mode          core.TaskMode
	InstantMode   bool
	Sensitive     bool
}

// Create validates, gates and inserts a task plus its PENDING escrow in
// one transaction. Instant tasks start in MATCHING, everything else in
// OPEN.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if p.Price <= 0 {
		return nil, hxerr.New(hxerr.InvalidState, "price must be a positive integer, got %d", p.Price)
	}
	if !p.Mode.Valid() {
		return nil, hxerr.New(hxerr.InvalidState, "unknown task mode %q", p.Mode)
	}
	if !p.RiskLevel.Valid() {
		return nil, hxerr.New(hxerr.InvalidState, "unknown risk level %q", p.RiskLevel)
	}
	if p.Mode == core.ModeLive && p.Price < core.MinPriceLive {
		return nil, hxerr.New(hxerr.Live2Violation,
			"LIVE mode requires price >= %d, got %d", core.MinPriceLive, p.Price)
	}
	if p.Price < p.Mode.MinPrice() {
		return nil, hxerr.New(hxerr.PriceTooLow,
			"minimum price for %s is %d, got %d", p.Mode, p.Mode.MinPrice(), p.Price)
	}
	if p.RiskLevel.Blocked() {
		return nil, hxerr.New(hxerr.TaskRiskBlockedAlpha, "risk level %s is blocked in alpha", p.RiskLevel)
	}

	if p.InstantMode {
		if disabled, reason := e.killSwitch.InstantModeDisabled(ctx); disabled {
			return nil, hxerr.New(hxerr.Forbidden, "instant mode is disabled: %s", reason)
		}
		ok, err := e.rateLimiter.Allow(ctx, "instant_create:"+p.PosterID)
		if err != nil {
			return nil, hxerr.FromDB(err)
		}
		if !ok {
			return nil, hxerr.New(hxerr.RateLimitExceeded, "instant task creation rate limit exceeded")
		}
		complete, missing, err := e.completeness.Evaluate(ctx, p.Title, p.Description)
		if err != nil {
			return nil, hxerr.New(hxerr.Internal, "completeness gate unavailable: %v", err)
		}
		if !complete {
			return nil, hxerr.New(hxerr.InstantTaskIncomplete,
				"instant task description is incomplete").WithDetails(map[string]any{"missing": missing})
		}
	}

	var created *Task
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		poster, err := e.store.UserGate(ctx, tx, p.PosterID)
		if err != nil {
			return err
		}
		if poster == nil {
			return hxerr.New(hxerr.NotFound, "user %s not found", p.PosterID)
		}
		if poster.Tier == core.TierBanned {
			return hxerr.New(hxerr.UserBanned, "user %s is banned", p.PosterID)
		}
		if poster.HoldActive(time.Now()) && !p.RiskLevel.Low() {
			return hxerr.New(hxerr.Forbidden,
				"trust hold blocks creation of non-LOW-risk tasks").WithDetails(
				map[string]any{"user_id": p.PosterID, "risk_level": string(p.RiskLevel)})
		}
		if !e.planGate.AllowsRisk(poster.Plan, p.RiskLevel) {
			return hxerr.New(hxerr.PlanRequired,
				"plan %s does not allow %s tasks", poster.Plan, p.RiskLevel).WithDetails(
				map[string]any{"plan": string(poster.Plan), "risk_level": string(p.RiskLevel)})
		}

		state := core.TaskOpen
		if p.InstantMode {
			state = core.TaskMatching
		}
		t := &Task{
			ID:            uuid.NewString(),
			PosterID:      p.PosterID,
			Title:         p.Title,
			Description:   p.Description,
			Price:         p.Price,
			Location:      p.Location,
			Category:      p.Category,
			RequiresProof: p.RequiresProof,
			RiskLevel:     p.RiskLevel,
			Mode:          p.Mode,
			InstantMode:   p.InstantMode,
			Sensitive:     p.Sensitive,
			State:         state,
			ProgressState: core.ProgressPosted,
			Version:       1,
		}
		if err := e.store.Insert(ctx, tx, t); err != nil {
			return err
		}
		if _, err := e.escrows.CreateTx(ctx, tx, t.ID, t.Price); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	e.logger.Printf("Created task %s (mode=%s price=%d instant=%v state=%s)",
		created.ID, created.Mode, created.Price, created.InstantMode, created.State)
	return created, nil
}

// Accept assigns a worker. The conditional UPDATE is the race-resolver:
// exactly one concurrent caller wins, everyone else gets a
// distinguishable "already accepted" error.
func (e *Engine) Accept(ctx context.Context, taskID, workerID string) (*Task, error) {
	var accepted *Task
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		t, err := e.store.Get(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return hxerr.New(hxerr.NotFound, "task %s not found", taskID)
		}

		// The guard is the only correct way to decide eligibility.
		if err := e.eligibility.AssertEligibility(ctx, tx, workerID, taskID, t.InstantMode); err != nil {
			return err
		}

		worker, err := e.store.UserGate(ctx, tx, workerID)
		if err != nil {
			return err
		}
		if worker == nil {
			return hxerr.New(hxerr.NotFound, "user %s not found", workerID)
		}
		if worker.HoldActive(time.Now()) && !t.RiskLevel.Low() {
			return hxerr.New(hxerr.Forbidden,
				"trust hold blocks acceptance of non-LOW-risk tasks").WithDetails(
				map[string]any{"user_id": workerID, "risk_level": string(t.RiskLevel)})
		}

		if t.InstantMode {
			if disabled, reason := e.killSwitch.InstantModeDisabled(ctx); disabled {
				return hxerr.New(hxerr.Forbidden, "instant mode is disabled: %s", reason)
			}
			ok, err := e.rateLimiter.Allow(ctx, "instant_accept:"+workerID)
			if err != nil {
				return err
			}
			if !ok {
				return hxerr.New(hxerr.RateLimitExceeded, "instant accept rate limit exceeded")
			}
			required := e.cfg.MinInstantTier
			if t.Sensitive {
				required = e.cfg.MinSensitiveInstantTier
			}
			if !worker.Tier.AtLeast(required) {
				return hxerr.New(hxerr.InstantTaskTrustInsufficient,
					"instant task requires tier %s, user is %s", required, worker.Tier).WithDetails(
					map[string]any{
						"user_tier":     string(worker.Tier),
						"required_tier": string(required),
						"sensitive":     t.Sensitive,
					})
			}
		}

		won, err := e.store.AtomicAccept(ctx, tx, taskID, workerID)
		if err != nil {
			return err
		}
		if won == nil {
			return hxerr.New(hxerr.InvalidState, "task %s already accepted", taskID)
		}
		accepted = won

		return e.outbox.Write(ctx, tx, outbox.Event{
			EventType:     core.EventTaskAccepted,
			AggregateType: core.AggregateTask,
			AggregateID:   won.ID,
			EventVersion:  won.Version,
			Payload: map[string]any{
				"task_id":   won.ID,
				"worker_id": workerID,
				"poster_id": won.PosterID,
			},
			QueueName: core.QueueUserNotifications,
		})
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	e.logger.Printf("Task %s accepted by worker %s", taskID, workerID)
	return accepted, nil
}

// SubmitProof records evidence and moves ACCEPTED → PROOF_SUBMITTED.
func (e *Engine) SubmitProof(ctx context.Context, taskID, workerID, description string, media []string) (*Proof, error) {
	var proof *Proof
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		t, err := e.store.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return hxerr.New(hxerr.NotFound, "task %s not found", taskID)
		}
		if t.WorkerID != workerID {
			return hxerr.New(hxerr.Forbidden, "only the assigned worker may submit proof")
		}
		if t.State != core.TaskAccepted {
			return hxerr.New(hxerr.InvalidState, "task %s is %s, proof requires ACCEPTED", taskID, t.State)
		}
		p := &Proof{
			ID:          uuid.NewString(),
			TaskID:      taskID,
			SubmitterID: workerID,
			State:       core.ProofPending,
			Description: description,
			Media:       media,
		}
		if err := e.store.InsertProof(ctx, tx, p); err != nil {
			return err
		}
		if _, err := e.transition(ctx, tx, t, core.TaskProofSubmitted); err != nil {
			return err
		}
		proof = p
		return nil
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	return proof, nil
}

// AcceptProof marks the latest pending proof ACCEPTED. Poster only.
func (e *Engine) AcceptProof(ctx context.Context, taskID, posterID string) error {
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		t, err := e.store.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return hxerr.New(hxerr.NotFound, "task %s not found", taskID)
		}
		if t.PosterID != posterID {
			return hxerr.New(hxerr.Forbidden, "only the poster may accept proof")
		}
		if t.State != core.TaskProofSubmitted {
			return hxerr.New(hxerr.InvalidState, "task %s is %s, expected PROOF_SUBMITTED", taskID, t.State)
		}
		p, err := e.store.LatestProof(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if p == nil {
			return hxerr.New(hxerr.NotFound, "no proof submitted for task %s", taskID)
		}
		return e.store.SetProofState(ctx, tx, p.ID, core.ProofAccepted)
	})
	if err != nil {
		return hxerr.FromDB(err)
	}
	return nil
}

// RejectProof returns the task to ACCEPTED so the worker can retry.
func (e *Engine) RejectProof(ctx context.Context, taskID, posterID string) (*Task, error) {
	var out *Task
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		t, err := e.store.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return hxerr.New(hxerr.NotFound, "task %s not found", taskID)
		}
		if t.PosterID != posterID {
			return hxerr.New(hxerr.Forbidden, "only the poster may reject proof")
		}
		if t.State != core.TaskProofSubmitted {
			return hxerr.New(hxerr.InvalidState, "task %s is %s, expected PROOF_SUBMITTED", taskID, t.State)
		}
		p, err := e.store.LatestProof(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if p != nil {
			if err := e.store.SetProofState(ctx, tx, p.ID, core.ProofRejected); err != nil {
				return err
			}
		}
		out, err = e.transition(ctx, tx, t, core.TaskAccepted)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	return out, nil
}

// Complete moves the task to COMPLETED. When the task requires proof, an
// ACCEPTED proof must exist; the kernel raises HX301 if this check is
// somehow bypassed.
func (e *Engine) Complete(ctx context.Context, taskID, posterID string) (*Task, error) {
	var out *Task
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		t, err := e.store.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return hxerr.New(hxerr.NotFound, "task %s not found", taskID)
		}
		if t.PosterID != posterID {
			return hxerr.New(hxerr.Forbidden, "only the poster may complete the task")
		}
		if t.State.Terminal() {
			return hxerr.New(hxerr.TaskTerminal, "task %s is already %s", taskID, t.State)
		}
		if !t.State.CanTransition(core.TaskCompleted) {
			return hxerr.New(hxerr.InvalidTransition, "task %s cannot move %s -> COMPLETED", taskID, t.State)
		}
		if t.RequiresProof {
			ok, err := e.store.HasAcceptedProof(ctx, tx, taskID)
			if err != nil {
				return err
			}
			if !ok {
				return hxerr.New(hxerr.HX301,
					"task %s cannot reach COMPLETED without an ACCEPTED proof", taskID)
			}
		}
		out, err = e.transition(ctx, tx, t, core.TaskCompleted)
		if err != nil {
			return err
		}
		return e.outbox.Write(ctx, tx, outbox.Event{
			EventType:     core.EventTaskCompleted,
			AggregateType: core.AggregateTask,
			AggregateID:   out.ID,
			EventVersion:  out.Version,
			Payload: map[string]any{
				"task_id":   out.ID,
				"worker_id": out.WorkerID,
				"poster_id": out.PosterID,
			},
			QueueName: core.QueueUserNotifications,
		})
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	e.logger.Printf("Task %s COMPLETED", taskID)
	return out, nil
}

// OpenDisputeTx moves PROOF_SUBMITTED → DISPUTED. Disputes on COMPLETED
// tasks leave the (terminal, immutable) lifecycle row alone; the dispute
// service handles those.
func (e *Engine) OpenDisputeTx(ctx context.Context, tx storage.Tx, taskID string) (*Task, error) {
	t, err := e.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, hxerr.New(hxerr.NotFound, "task %s not found", taskID)
	}
	if t.State != core.TaskProofSubmitted {
		return nil, hxerr.New(hxerr.InvalidState,
			"task %s is %s, dispute transition requires PROOF_SUBMITTED", taskID, t.State)
	}
	return e.transition(ctx, tx, t, core.TaskDisputed)
}

// ResolveDisputeTx settles the lifecycle after a dispute resolution:
// when the worker prevails the task completes, otherwise it cancels.
// The pending proof is marked ACCEPTED before completion so the
// completion guard sees it. Disputes opened on an already-terminal task
// leave the row alone.
func (e *Engine) ResolveDisputeTx(ctx context.Context, tx storage.Tx, taskID string, workerPrevails bool) (*Task, error) {
	t, err := e.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, hxerr.New(hxerr.NotFound, "task %s not found", taskID)
	}
	if t.State.Terminal() {
		return t, nil
	}
	if t.State != core.TaskDisputed {
		return nil, hxerr.New(hxerr.InvalidState,
			"task %s is %s, dispute settlement requires DISPUTED", taskID, t.State)
	}

	to := core.TaskCancelled
	if workerPrevails {
		to = core.TaskCompleted
		p, err := e.store.LatestProof(ctx, tx, taskID)
		if err != nil {
			return nil, err
		}
		if p != nil && p.State != core.ProofAccepted {
			if err := e.store.SetProofState(ctx, tx, p.ID, core.ProofAccepted); err != nil {
				return nil, err
			}
		}
	}
	return e.transition(ctx, tx, t, to)
}

// Cancel terminates an unstarted or in-flight task. Poster only.
func (e *Engine) Cancel(ctx context.Context, taskID, posterID string) (*Task, error) {
	return e.terminate(ctx, taskID, core.TaskCancelled, func(t *Task) error {
		if t.PosterID != posterID {
			return hxerr.New(hxerr.Forbidden, "only the poster may cancel the task")
		}
		return nil
	})
}

// Expire terminates a task that found no worker in time. System actor.
func (e *Engine) Expire(ctx context.Context, taskID string) (*Task, error) {
	return e.terminate(ctx, taskID, core.TaskExpired, func(t *Task) error {
		if t.State != core.TaskOpen && t.State != core.TaskMatching {
			return hxerr.New(hxerr.InvalidState, "task %s is %s, expire requires OPEN or MATCHING", taskID, t.State)
		}
		return nil
	})
}

// CancelBySystemTx cancels within an existing transaction; used by the
// trust service when banning a user.
func (e *Engine) CancelBySystemTx(ctx context.Context, tx storage.Tx, taskID string) (*Task, error) {
	t, err := e.store.GetForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, hxerr.New(hxerr.NotFound, "task %s not found", taskID)
	}
	if t.State.Terminal() {
		return t, nil // nothing to do
	}
	return e.transition(ctx, tx, t, core.TaskCancelled)
}

func (e *Engine) terminate(ctx context.Context, taskID string, to core.TaskState, authorize func(*Task) error) (*Task, error) {
	var out *Task
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		t, err := e.store.GetForUpdate(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t == nil {
			return hxerr.New(hxerr.NotFound, "task %s not found", taskID)
		}
		if err := authorize(t); err != nil {
			return err
		}
		if t.State.Terminal() {
			return hxerr.New(hxerr.TaskTerminal, "task %s is already %s", taskID, t.State)
		}
		if !t.State.CanTransition(to) {
			return hxerr.New(hxerr.InvalidTransition, "task %s cannot move %s -> %s", taskID, t.State, to)
		}
		out, err = e.transition(ctx, tx, t, to)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	return out, nil
}

// transition applies the optimistic lifecycle UPDATE.
func (e *Engine) transition(ctx context.Context, tx storage.Tx, t *Task, to core.TaskState) (*Task, error) {
	if !t.State.CanTransition(to) {
		return nil, hxerr.New(hxerr.InvalidTransition, "task %s cannot move %s -> %s", t.ID, t.State, to)
	}
	updated, err := e.store.Transition(ctx, tx, t.ID, t.State, to, t.Version)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, hxerr.New(hxerr.InvalidState,
				"version or state changed during update of task %s", t.ID)
		}
		return nil, err
	}
	return updated, nil
}

// GetForUpdateTx loads and row-locks a task inside an existing
// transaction; the dispute service starts here.
func (e *Engine) GetForUpdateTx(ctx context.Context, tx storage.Tx, taskID string) (*Task, error) {
	return e.store.GetForUpdate(ctx, tx, taskID)
}

// Get loads a task.
func (e *Engine) Get(ctx context.Context, taskID string) (*Task, error) {
	var out *Task
	err := e.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = e.store.Get(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if out == nil {
		return nil, hxerr.New(hxerr.NotFound, "task %s not found", taskID)
	}
	return out, nil
}
