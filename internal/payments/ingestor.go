package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/hxerr"
	"github.com/hustlexp/backend/internal/outbox"
	"github.com/hustlexp/backend/internal/storage"
)

// StuckClaimTimeout is how long a processing claim may sit before the
// recovery sweep reopens it.
const StuckClaimTimeout = 10 * time.Minute

// Ingestor turns external payment events into escrow transitions.
// Dedup rests on two database facts: the external id primary key at
// ingress and the atomic claim UPDATE in the worker path.
type Ingestor struct {
	runner  storage.Runner
	store   IngestStore
	escrows EscrowOps
	tasks   ProgressCloser
	outbox  outbox.EventWriter
	logger  *log.Logger
	metrics *Metrics
}

func NewIngestor(runner storage.Runner, store IngestStore, escrows EscrowOps,
	tasks ProgressCloser, ob outbox.EventWriter, m *Metrics) *Ingestor {
	return &Ingestor{
		runner:  runner,
		store:   store,
		escrows: escrows,
		tasks:   tasks,
		outbox:  ob,
		logger:  log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		metrics: m,
	}
}

// eventObject is the processor object embedded in a webhook payload.
type eventObject struct {
	ID            string            `json:"id"`
	Amount        int64             `json:"amount"`
	Status        string            `json:"status"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// Ingest records an inbound event and schedules its processing through
// the outbox. A redelivered external id is a silent no-op.
func (in *Ingestor) Ingest(ctx context.Context, externalID, eventType string, payload []byte) error {
	err := in.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		inserted, err := in.store.Insert(ctx, tx, externalID, eventType, payload)
		if err != nil {
			return err
		}
		if !inserted {
			in.logger.Printf("Duplicate delivery of %s ignored", externalID)
			return nil
		}
		return in.outbox.Write(ctx, tx, outbox.Event{
			EventType:      core.EventPaymentReceived,
			AggregateType:  core.AggregatePayment,
			AggregateID:    externalID,
			EventVersion:   1,
			IdempotencyKey: fmt.Sprintf("%s:%s", core.EventPaymentReceived, externalID),
			Payload: map[string]any{
				"external_id": externalID,
				"event_type":  eventType,
			},
			QueueName: core.QueueCriticalPayments,
		})
	})
	if err != nil {
		return hxerr.FromDB(err)
	}
	return nil
}

// Process runs one worker job for an external event id. The claim commits
// in its own transaction so a crash mid-processing leaves a visible
// `processing` row for the recovery sweep. Failures finalize the row as
// `failed` and return the error so the job framework retries.
func (in *Ingestor) Process(ctx context.Context, externalID string) error {
	var ev *ExternalEvent
	err := in.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		ev, err = in.store.Claim(ctx, tx, externalID)
		return err
	})
	if err != nil {
		return hxerr.FromDB(err)
	}
	if ev == nil {
		// Someone else claimed it; duplicate job.
		return nil
	}

	result, note := core.ResultSuccess, ""
	err = in.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		result, note, err = in.handle(ctx, tx, ev)
		if err != nil {
			return err
		}
		return in.store.Finalize(ctx, tx, externalID, result, note)
	})
	if err != nil {
		ferr := in.runner.WithTransaction(ctx, func(tx storage.Tx) error {
			return in.store.Finalize(ctx, tx, externalID, core.ResultFailed, err.Error())
		})
		if ferr != nil {
			in.logger.Printf("❌ Could not finalize %s as failed: %v", externalID, ferr)
		}
		in.count(ev.EventType, core.ResultFailed)
		in.logger.Printf("❌ Event %s (%s) failed: %v", externalID, ev.EventType, err)
		return hxerr.FromDB(err)
	}

	in.count(ev.EventType, result)
	if result == core.ResultSkipped {
		in.logger.Printf("Event %s (%s) skipped: %s", externalID, ev.EventType, note)
	} else {
		in.logger.Printf("✅ Event %s (%s) processed", externalID, ev.EventType)
	}
	return nil
}

func (in *Ingestor) handle(ctx context.Context, tx storage.Tx, ev *ExternalEvent) (string, string, error) {
	var obj eventObject
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &obj); err != nil {
			return "", "", fmt.Errorf("malformed payload: %w", err)
		}
	}

	switch ev.EventType {
	case core.ExtPaymentIntentSucceeded:
		return in.handleIntentSucceeded(ctx, tx, obj)
	case core.ExtTransferCreated:
		return in.handleTransferCreated(ctx, tx, obj)
	case core.ExtChargeRefunded:
		return in.handleChargeRefunded(ctx, tx, obj)
	case ExtChargeDisputeCreated:
		return in.handleDisputeCreated(ctx, tx, ev.ExternalID, obj)
	case ExtChargeDisputeClosed:
		return in.handleDisputeClosed(ctx, tx, obj)
	default:
		return core.ResultSkipped, fmt.Sprintf("unknown event type %q", ev.EventType), nil
	}
}

func (in *Ingestor) handleIntentSucceeded(ctx context.Context, tx storage.Tx, obj eventObject) (string, string, error) {
	escrowID := obj.Metadata["escrow_id"]
	if escrowID == "" {
		return "", "", fmt.Errorf("payment_intent.succeeded %s carries no escrow_id metadata", obj.ID)
	}
	esc, err := in.escrows.GetTx(ctx, tx, escrowID)
	if err != nil {
		return "", "", err
	}
	if esc == nil {
		return "", "", fmt.Errorf("escrow %s not found", escrowID)
	}
	if esc.State == core.EscrowFunded && esc.PaymentIntentID == obj.ID {
		return core.ResultSkipped, "escrow already funded by this intent", nil
	}
	if esc.State.Terminal() {
		return core.ResultSkipped, fmt.Sprintf("escrow already terminal (%s)", esc.State), nil
	}
	if obj.Amount != esc.Amount {
		return "", "", fmt.Errorf("amount mismatch: intent %d, escrow %d", obj.Amount, esc.Amount)
	}
	if _, err := in.escrows.FundTx(ctx, tx, escrowID, obj.ID); err != nil {
		return "", "", err
	}
	return core.ResultSuccess, "", nil
}

func (in *Ingestor) handleTransferCreated(ctx context.Context, tx storage.Tx, obj eventObject) (string, string, error) {
	escrowID := obj.Metadata["escrow_id"]
	if escrowID == "" {
		return "", "", fmt.Errorf("transfer.created %s carries no escrow_id metadata", obj.ID)
	}
	esc, err := in.escrows.GetTx(ctx, tx, escrowID)
	if err != nil {
		return "", "", err
	}
	if esc == nil {
		return "", "", fmt.Errorf("escrow %s not found", escrowID)
	}
	if esc.State == core.EscrowReleased && esc.TransferID == obj.ID {
		return core.ResultSkipped, "escrow already released by this transfer", nil
	}
	if esc.State.Terminal() {
		return core.ResultSkipped, fmt.Sprintf("escrow already terminal (%s)", esc.State), nil
	}

	// LOCKED_DISPUTE is never released here: ReleaseFromFundedTx rejects
	// everything but FUNDED, so a transfer racing a dispute fails loud and
	// lands in front of an operator rather than releasing silently.
	if _, err := in.escrows.ReleaseFromFundedTx(ctx, tx, escrowID, obj.ID); err != nil {
		return "", "", err
	}
	if err := in.tasks.CloseProgressTx(ctx, tx, esc.TaskID); err != nil {
		return "", "", err
	}
	return core.ResultSuccess, "", nil
}

func (in *Ingestor) handleChargeRefunded(ctx context.Context, tx storage.Tx, obj eventObject) (string, string, error) {
	escrowID := obj.Metadata["escrow_id"]
	e, err := in.lookupEscrow(ctx, tx, escrowID, obj.PaymentIntent)
	if err != nil {
		return "", "", err
	}
	if e == nil {
		return "", "", fmt.Errorf("no escrow for refund %s (escrow_id=%q intent=%q)",
			obj.ID, escrowID, obj.PaymentIntent)
	}
	if e.State == core.EscrowRefunded && e.RefundID == obj.ID {
		return core.ResultSkipped, "escrow already refunded by this charge", nil
	}
	if e.State.Terminal() {
		return core.ResultSkipped, fmt.Sprintf("escrow already terminal (%s)", e.State), nil
	}
	if _, err := in.escrows.RefundTx(ctx, tx, e.ID, obj.ID); err != nil {
		return "", "", err
	}
	if err := in.tasks.CloseProgressTx(ctx, tx, e.TaskID); err != nil {
		return "", "", err
	}
	return core.ResultSuccess, "", nil
}

func (in *Ingestor) handleDisputeCreated(ctx context.Context, tx storage.Tx, externalID string, obj eventObject) (string, string, error) {
	escrowID := obj.Metadata["escrow_id"]
	workerID := ""
	if escrowID != "" {
		var err error
		workerID, err = in.store.EscrowWorkerID(ctx, tx, escrowID)
		if err != nil {
			return "", "", err
		}
	}
	inserted, err := in.store.InsertPaymentDispute(ctx, tx, obj.ID, escrowID, workerID,
		"chargeback", obj.Status, obj.Amount)
	if err != nil {
		return "", "", err
	}
	if !inserted {
		return core.ResultSkipped, "payment dispute already recorded", nil
	}
	if workerID != "" {
		if err := in.store.SetPayoutsLocked(ctx, tx, workerID, true,
			"chargeback "+obj.ID+" under review"); err != nil {
			return "", "", err
		}
		in.logger.Printf("🛑 Payouts locked for worker %s (chargeback %s)", workerID, obj.ID)
	}
	return core.ResultSuccess, "", nil
}

func (in *Ingestor) handleDisputeClosed(ctx context.Context, tx storage.Tx, obj eventObject) (string, string, error) {
	workerID, err := in.store.UpdatePaymentDisputeStatus(ctx, tx, obj.ID, obj.Status)
	if err != nil {
		return "", "", err
	}
	if workerID == "" {
		return core.ResultSkipped, "payment dispute not on record", nil
	}
	if obj.Status == "won" {
		if err := in.store.SetPayoutsLocked(ctx, tx, workerID, false, ""); err != nil {
			return "", "", err
		}
		in.logger.Printf("✅ Payouts unlocked for worker %s (chargeback %s won)", workerID, obj.ID)
	}
	return core.ResultSuccess, "", nil
}

// lookupEscrow resolves by metadata escrow id first, then by the payment
// intent the refund points at.
func (in *Ingestor) lookupEscrow(ctx context.Context, tx storage.Tx, escrowID, intentID string) (*ExternalEscrow, error) {
	if escrowID != "" {
		e, err := in.escrows.GetTx(ctx, tx, escrowID)
		if err != nil || e == nil {
			return nil, err
		}
		return &ExternalEscrow{ID: e.ID, TaskID: e.TaskID, State: e.State, RefundID: e.RefundID}, nil
	}
	if intentID != "" {
		e, err := in.escrows.GetByPaymentIntentTx(ctx, tx, intentID)
		if err != nil || e == nil {
			return nil, err
		}
		return &ExternalEscrow{ID: e.ID, TaskID: e.TaskID, State: e.State, RefundID: e.RefundID}, nil
	}
	return nil, nil
}

// ExternalEscrow is the narrow escrow view the refund path needs.
type ExternalEscrow struct {
	ID       string
	TaskID   string
	State    core.EscrowState
	RefundID string
}

// RecoverStuck reopens claims that sat in `processing` longer than the
// timeout. Returns the reopened event ids so the caller can re-enqueue.
// The timeout is a plain duration; there is no other knob.
func (in *Ingestor) RecoverStuck(ctx context.Context, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = StuckClaimTimeout
	}
	var ids []string
	err := in.runner.WithTransaction(ctx, func(tx storage.Tx) error {
		var err error
		ids, err = in.store.ResetStuck(ctx, tx, timeout,
			fmt.Sprintf("claim abandoned > %s, reopened", timeout))
		return err
	})
	if err != nil {
		return nil, hxerr.FromDB(err)
	}
	if len(ids) > 0 {
		if in.metrics != nil {
			in.metrics.Recovered.Add(float64(len(ids)))
		}
		in.logger.Printf("⚠️ Recovered %d stuck payment events", len(ids))
	}
	return ids, nil
}

func (in *Ingestor) count(eventType, result string) {
	if in.metrics != nil {
		in.metrics.Processed.WithLabelValues(eventType, result).Inc()
	}
}

// Extra processor event types handled by ingestion beyond the required
// three. Dispute lifecycle events feed the payment_disputes ledger.
const (
	ExtChargeDisputeCreated = "charge.dispute.created"
	ExtChargeDisputeClosed  = "charge.dispute.closed"
)
