package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/xp"
)

// PlatformFeeRate is the platform's share of a released escrow, recorded
// to the revenue ledger.
const PlatformFeeRate = 0.10

// EventProcessor runs one claimed payment event. Satisfied by
// *payments.Ingestor.
type EventProcessor interface {
	Process(ctx context.Context, externalID string) error
}

// XPAwarder is the XP service surface the fabric drives.
type XPAwarder interface {
	AwardXP(ctx context.Context, p xp.AwardParams) (*xp.LedgerEntry, error)
	MilestoneBadge(ctx context.Context, userID string) error
}

// PenaltyApplier applies dispute resolution trust effects. Satisfied by
// *trust.Service.
type PenaltyApplier interface {
	ApplyDisputePenalty(ctx context.Context, userID, role, idempotencyKey string) error
}

// Notifier forwards a user-facing event; the registry dispatcher and the
// realtime hub both implement it.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload json.RawMessage) error
}

// Store is the fabric's own persistence surface.
type Store interface {
	TaskWorker(ctx context.Context, tx storage.Tx, taskID string) (string, error)
	// InsertRevenue is deduped on (escrow, entry type); false = replay.
	InsertRevenue(ctx context.Context, tx storage.Tx, id, taskID, escrowID, entryType string, amount int64) (bool, error)
}

// Handlers dispatches jobs by event type. Every branch is idempotent:
// payment processing dedups on the claim, XP on the ledger constraint,
// penalties on the trust ledger key, revenue on the (escrow, type) index.
type Handlers struct {
	runner    storage.Runner
	store     Store
	processor EventProcessor
	xp        XPAwarder
	penalties PenaltyApplier
	notifiers []Notifier
	logger    *log.Logger
}

func NewHandlers(runner storage.Runner, store Store, processor EventProcessor,
	awarder XPAwarder, penalties PenaltyApplier, notifiers ...Notifier) *Handlers {
	return &Handlers{
		runner:    runner,
		store:     store,
		processor: processor,
		xp:        awarder,
		penalties: penalties,
		notifiers: notifiers,
		logger:    log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
	}
}

func (h *Handlers) Handle(ctx context.Context, job outbox.Job) error {
	switch job.EventType {
	case core.EventPaymentReceived:
		return h.processor.Process(ctx, job.AggregateID)

	case core.EventEscrowReleased:
		return h.handleEscrowReleased(ctx, job)

	case core.EventDisputeResolved:
		return h.handleDisputeResolved(ctx, job)

	case core.EventTaskCompleted:
		return h.handleTaskCompleted(ctx, job)

	case core.EventTaskAccepted, core.EventTaskProgressUpdated,
		core.EventXPAwarded, core.EventTrustTierChanged,
		core.EventDisputeOpened, core.EventEscrowFunded, core.EventEscrowRefunded:
		return h.notify(ctx, job)

	default:
		h.logger.Printf("Skipping unhandled event type %q", job.EventType)
		return nil
	}
}

type escrowEventPayload struct {
	EscrowID string `json:"escrow_id"`
	TaskID   string `json:"task_id"`
	Amount   int64  `json:"amount"`
}

// handleEscrowReleased books the platform fee and awards the worker's XP.
func (h *Handlers) handleEscrowReleased(ctx context.Context, job outbox.Job) error {
	var p escrowEventPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("escrow.released payload: %w", err)
	}

	var workerID string
	err := h.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		workerID, err = h.store.TaskWorker(ctx, tx, p.TaskID)
		if err != nil {
			return err
		}
		fee := int64(float64(p.Amount) * PlatformFeeRate)
		_, err = h.store.InsertRevenue(ctx, tx, uuid.NewString(), p.TaskID, p.EscrowID, "platform_fee", fee)
		return err
	})
	if err != nil {
		return err
	}
	if workerID == "" {
		h.logger.Printf("Escrow %s released with no assigned worker, skipping XP", p.EscrowID)
		return h.notify(ctx, job)
	}

	if _, err := h.xp.AwardXP(ctx, xp.AwardParams{
		UserID:   workerID,
		TaskID:   p.TaskID,
		EscrowID: p.EscrowID,
		BaseXP:   baseXP(p.Amount),
		Reason:   "task payout released",
	}); err != nil {
		return err
	}
	return h.notify(ctx, job)
}

type disputeResolvedPayload struct {
	PenalizedUserID string `json:"penalized_user_id"`
	PenalizedRole   string `json:"penalized_role"`
}

func (h *Handlers) handleDisputeResolved(ctx context.Context, job outbox.Job) error {
	var p disputeResolvedPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("dispute.resolved payload: %w", err)
	}
	if p.PenalizedUserID != "" {
		if err := h.penalties.ApplyDisputePenalty(ctx, p.PenalizedUserID, p.PenalizedRole, job.IdempotencyKey); err != nil {
			return err
		}
	}
	return h.notify(ctx, job)
}

type taskEventPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
}

func (h *Handlers) handleTaskCompleted(ctx context.Context, job outbox.Job) error {
	var p taskEventPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("task.completed payload: %w", err)
	}
	if p.WorkerID != "" {
		if err := h.xp.MilestoneBadge(ctx, p.WorkerID); err != nil {
			return err
		}
	}
	return h.notify(ctx, job)
}

func (h *Handlers) notify(ctx context.Context, job outbox.Job) error {
	for _, n := range h.notifiers {
		if err := n.Notify(ctx, job.EventType, job.Payload); err != nil {
			// Notification delivery is best effort; the authoritative
			// state change already committed.
			h.logger.Printf("⚠️ Notify failed for %s: %v", job.EventType, err)
		}
	}
	return nil
}

// baseXP derives the award base from the task price: one XP per dollar,
// floored at 10.
func baseXP(amountCents int64) int64 {
	base := amountCents / 100
	if base < 10 {
		base = 10
	}
	return base
}
