// Package dispute implements dispute creation, worker response and
// admin-gated resolution. Resolution drives the escrow engine inside the
// same transaction and emits the outbox event the trust penalty worker
// consumes.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/escrow"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

// ErrVersionConflict mirrors the other engines' zero-row outcome.
var ErrVersionConflict = errors.New("version or state changed during update")

// Service coordinates disputes across the task, escrow and trust domains.
type Service struct {
	runner  storage.Runner
	store   Store
	escrows EscrowController
	tasks   TaskDisputer
	outbox  outbox.EventWriter
	logger  *log.Logger
}

func NewService(runner storage.Runner, store Store, ec EscrowController,
	td TaskDisputer, ob outbox.EventWriter) *Service {
	return &Service{
		runner:  runner,
		store:   store,
		escrows: ec,
		tasks:   td,
		outbox:  ob,
		logger:  log.New(log.Writer(), "[DISPUTE] ", log.LstdFlags),
	}
}

// CreateParams is the input for Create.
type CreateParams struct {
	TaskID      string
	EscrowID    string
	InitiatedBy string
	Reason      string
}

// Create opens a dispute and locks the escrow in one transaction. A
// dispute on a COMPLETED task must arrive within the 48-hour window; the
// terminal task row itself is left untouched. A dispute while proof is
// under review additionally moves the task lifecycle to DISPUTED.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Dispute, error) {
	if p.Reason == "" {
		return nil, hxerr.New(hxerr.InvalidState, "dispute reason is required")
	}

	var out *Dispute
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		t, err := s.tasks.GetForUpdateTx(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		if t == nil {
			return hxerr.New(hxerr.NotFound, "task %s not found", p.TaskID)
		}
		if p.InitiatedBy != t.PosterID && p.InitiatedBy != t.WorkerID {
			return hxerr.New(hxerr.Forbidden, "only the poster or worker may open a dispute")
		}

		switch t.State {
		case core.TaskCompleted:
			// The window is judged on the database clock, inside the row
			// lock, so app-server skew cannot stretch it.
			open, err := s.store.CompletedWithin(ctx, tx, p.TaskID, core.DisputeWindow)
			if err != nil {
				return err
			}
			if !open {
				return hxerr.New(hxerr.InvalidState,
					"dispute window closed: task %s completed more than %s ago",
					p.TaskID, core.DisputeWindow)
			}
		case core.TaskProofSubmitted:
			if _, err := s.tasks.OpenDisputeTx(ctx, tx, p.TaskID); err != nil {
				return err
			}
		default:
			return hxerr.New(hxerr.InvalidState,
				"task %s is %s, disputes require PROOF_SUBMITTED or a recent COMPLETED", p.TaskID, t.State)
		}

		active, err := s.store.ActiveExists(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		if active {
			return hxerr.New(hxerr.Duplicate, "task %s already has an active dispute", p.TaskID)
		}

		esc, err := s.escrows.GetTx(ctx, tx, p.EscrowID)
		if err != nil {
			return err
		}
		if esc == nil || esc.TaskID != p.TaskID {
			return hxerr.New(hxerr.NotFound, "escrow %s not found for task %s", p.EscrowID, p.TaskID)
		}
		if _, err := s.escrows.LockForDisputeTx(ctx, tx, p.EscrowID); err != nil {
			return err
		}

		d := &Dispute{
			ID:          uuid.NewString(),
			TaskID:      p.TaskID,
			EscrowID:    p.EscrowID,
			InitiatedBy: p.InitiatedBy,
			PosterID:    t.PosterID,
			WorkerID:    t.WorkerID,
			Reason:      p.Reason,
			State:       core.DisputeOpen,
			Version:     1,
		}
		if err := s.store.Insert(ctx, tx, d); err != nil {
			return err
		}
		out = d

		return s.outbox.Write(ctx, tx, outbox.Event{
			EventType:     core.EventDisputeOpened,
			AggregateType: core.AggregateDispute,
			AggregateID:   d.ID,
			EventVersion:  1,
			Payload: map[string]any{
				"dispute_id":   d.ID,
				"task_id":      d.TaskID,
				"escrow_id":    d.EscrowID,
				"initiated_by": d.InitiatedBy,
			},
			QueueName: core.QueueUserNotifications,
		})
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	s.logger.Printf("Dispute %s opened on task %s by %s", out.ID, out.TaskID, out.InitiatedBy)
	return out, nil
}

// Respond appends the worker's statement and moves OPEN → UNDER_REVIEW.
func (s *Service) Respond(ctx context.Context, disputeID, workerID, message string) (*Dispute, error) {
	var out *Dispute
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		d, err := s.store.GetForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d == nil {
			return hxerr.New(hxerr.NotFound, "dispute %s not found", disputeID)
		}
		if d.WorkerID != workerID {
			return hxerr.New(hxerr.Forbidden, "only the disputed task's worker may respond")
		}
		if d.State != core.DisputeOpen {
			return hxerr.New(hxerr.InvalidState, "dispute %s is %s, response requires OPEN", disputeID, d.State)
		}
		if err := s.store.AppendEvidence(ctx, tx, disputeID, EvidenceEntry{
			By: workerID, Message: message, At: time.Now().UTC(),
		}); err != nil {
			return err
		}
		out, err = s.store.Transition(ctx, tx, disputeID,
			core.DisputeOpen, core.DisputeUnderReview, d.Version)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	return out, nil
}

// AddEvidence appends a statement from either party without changing state.
func (s *Service) AddEvidence(ctx context.Context, disputeID, userID, message string) error {
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		d, err := s.store.GetForUpdate(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		if d == nil {
			return hxerr.New(hxerr.NotFound, "dispute %s not found", disputeID)
		}
		if userID != d.PosterID && userID != d.WorkerID {
			return hxerr.New(hxerr.Forbidden, "only dispute parties may add evidence")
		}
		if d.State.Terminal() {
			return hxerr.New(hxerr.InvalidState, "dispute %s is already resolved", disputeID)
		}
		return s.store.AppendEvidence(ctx, tx, disputeID, EvidenceEntry{
			By: userID, Message: message, At: time.Now().UTC(),
		})
	})
	if err != nil {
		return hxerr.FromDB(err)
	}
	return nil
}

// ResolveParams is the admin resolution input. RefundAmount and
// ReleaseAmount are required for SPLIT only.
type ResolveParams struct {
	DisputeID     string
	ResolvedBy    string
	Outcome       core.DisputeOutcome
	RefundAmount  int64
	ReleaseAmount int64
	RefundID      string
}

// Resolve settles the dispute: the admin capability is checked against
// the admin_roles row, the escrow moves out of LOCKED_DISPUTE per the
// outcome, the task lifecycle leaves DISPUTED (COMPLETED when the worker
// prevails, CANCELLED otherwise), and the resolved event carries the
// penalized party for the trust worker.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (*Dispute, error) {
	var out *Dispute
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		allowed, err := s.store.CanResolveDisputes(ctx, tx, p.ResolvedBy)
		if err != nil {
			return err
		}
		if !allowed {
			return hxerr.New(hxerr.Forbidden,
				"user %s lacks the dispute resolution capability", p.ResolvedBy)
		}

		d, err := s.store.GetForUpdate(ctx, tx, p.DisputeID)
		if err != nil {
			return err
		}
		if d == nil {
			return hxerr.New(hxerr.NotFound, "dispute %s not found", p.DisputeID)
		}
		if d.State.Terminal() {
			return hxerr.New(hxerr.InvalidState, "dispute %s is already resolved", p.DisputeID)
		}

		esc, err := s.escrows.GetTx(ctx, tx, d.EscrowID)
		if err != nil {
			return err
		}
		if esc == nil {
			return hxerr.New(hxerr.NotFound, "escrow %s not found", d.EscrowID)
		}
		if esc.State != core.EscrowLockedDispute {
			return hxerr.New(hxerr.InvalidState,
				"escrow %s is %s, resolution requires LOCKED_DISPUTE", d.EscrowID, esc.State)
		}

		var refundAmt, releaseAmt *int64
		penalized, role := "", ""
		switch p.Outcome {
		case core.OutcomeRelease:
			// Worker prevails: the task completes first so the release
			// sees a COMPLETED lifecycle, then the poster who escalated
			// takes the penalty.
			if _, err := s.tasks.ResolveDisputeTx(ctx, tx, d.TaskID, true); err != nil {
				return err
			}
			if _, err := s.escrows.ReleaseTx(ctx, tx, d.EscrowID, escrow.Mutation{}); err != nil {
				return err
			}
			penalized, role = d.PosterID, "poster"
		case core.OutcomeRefund:
			if _, err := s.escrows.RefundTx(ctx, tx, d.EscrowID, p.RefundID); err != nil {
				return err
			}
			if _, err := s.tasks.ResolveDisputeTx(ctx, tx, d.TaskID, false); err != nil {
				return err
			}
			penalized, role = d.WorkerID, "worker"
		case core.OutcomeSplit:
			if _, err := s.escrows.PartialRefundTx(ctx, tx, d.EscrowID, p.RefundID,
				p.RefundAmount, p.ReleaseAmount); err != nil {
				return err
			}
			if _, err := s.tasks.ResolveDisputeTx(ctx, tx, d.TaskID, false); err != nil {
				return err
			}
			refundAmt, releaseAmt = &p.RefundAmount, &p.ReleaseAmount
		default:
			return hxerr.New(hxerr.InvalidState, "unknown dispute outcome %q", p.Outcome)
		}

		out, err = s.store.SetResolution(ctx, tx, p.DisputeID, p.ResolvedBy,
			p.Outcome, refundAmt, releaseAmt, d.Version)
		if err != nil {
			return err
		}

		payload := map[string]any{
			"dispute_id": d.ID,
			"task_id":    d.TaskID,
			"escrow_id":  d.EscrowID,
			"outcome":    string(p.Outcome),
		}
		if penalized != "" {
			payload["penalized_user_id"] = penalized
			payload["penalized_role"] = role
		}
		return s.outbox.Write(ctx, tx, outbox.Event{
			EventType:      core.EventDisputeResolved,
			AggregateType:  core.AggregateDispute,
			AggregateID:    d.ID,
			EventVersion:   out.Version,
			IdempotencyKey: fmt.Sprintf("%s:%s", core.EventDisputeResolved, d.ID),
			Payload:        payload,
			QueueName:      core.QueueCriticalPayments,
		})
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	s.logger.Printf("✅ Dispute %s resolved %s by %s", out.ID, out.Outcome, p.ResolvedBy)
	return out, nil
}

// Get loads a dispute.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	var out *Dispute
	err := s.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		out, err = s.store.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if out == nil {
		return nil, hxerr.New(hxerr.NotFound, "dispute %s not found", id)
	}
	return out, nil
}
