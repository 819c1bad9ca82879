// Package core holds the leaf domain types shared by every engine:
// state enums, trust tiers, risk levels, queue names and outbox event
// types. It imports nothing from the rest of internal/ so that the
// engines can depend on it without cycles.
package core

import "time"

// ============================================================================
// TRUST TIERS
// ============================================================================

// TrustTier is a discrete ordered level expressing how much responsibility
// a user is allowed to take on. BANNED is terminal and incomparable.
type TrustTier string

const (
	TierRookie   TrustTier = "ROOKIE"
	TierVerified TrustTier = "VERIFIED"
	TierTrusted  TrustTier = "TRUSTED"
	TierElite    TrustTier = "ELITE"
	TierBanned   TrustTier = "BANNED"
)

// tierRank orders the comparable tiers. BANNED deliberately has no rank.
var tierRank = map[TrustTier]int{
	TierRookie:   1,
	TierVerified: 2,
	TierTrusted:  3,
	TierElite:    4,
}

// Rank returns the ordinal of a comparable tier and false for BANNED or
// unknown values.
func (t TrustTier) Rank() (int, bool) {
	r, ok := tierRank[t]
	return r, ok
}

// AtLeast reports whether t satisfies the required tier. BANNED never
// satisfies anything, including BANNED itself.
func (t TrustTier) AtLeast(required TrustTier) bool {
	tr, ok := t.Rank()
	if !ok {
		return false
	}
	rr, ok := required.Rank()
	if !ok {
		return false
	}
	return tr >= rr
}

// Next returns the tier one step above t, or "" when there is none.
func (t TrustTier) Next() TrustTier {
	switch t {
	case TierRookie:
		return TierVerified
	case TierVerified:
		return TierTrusted
	case TierTrusted:
		return TierElite
	}
	return ""
}

func (t TrustTier) Valid() bool {
	_, ok := tierRank[t]
	return ok || t == TierBanned
}

// XPMultiplier is the trust component of the effective-XP formula.
func (t TrustTier) XPMultiplier() float64 {
	switch t {
	case TierVerified:
		return 1.5
	case TierTrusted, TierElite:
		return 2.0
	default:
		return 1.0
	}
}

// ============================================================================
// TASK RISK
// ============================================================================

// RiskLevel classifies a task for eligibility gating. TIER_3 is blocked
// entirely while the marketplace is in alpha.
type RiskLevel string

const (
	RiskTier0 RiskLevel = "TIER_0"
	RiskTier1 RiskLevel = "TIER_1"
	RiskTier2 RiskLevel = "TIER_2"
	RiskTier3 RiskLevel = "TIER_3" // BLOCKED_IN_ALPHA
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskTier0, RiskTier1, RiskTier2, RiskTier3:
		return true
	}
	return false
}

// Blocked reports whether the risk level is rejected outright.
func (r RiskLevel) Blocked() bool { return r == RiskTier3 }

// RequiredTier is the authoritative risk → minimum-tier table.
func (r RiskLevel) RequiredTier() TrustTier {
	switch r {
	case RiskTier0, RiskTier1:
		return TierVerified
	case RiskTier2:
		return TierTrusted
	}
	return TierElite // TIER_3 is blocked before this matters
}

// Low reports whether the risk level is exempt from trust holds.
func (r RiskLevel) Low() bool { return r == RiskTier0 }

// ============================================================================
// TASK STATE MACHINES
// ============================================================================

// TaskState is the primary lifecycle state of a task.
type TaskState string

const (
	TaskOpen           TaskState = "OPEN"
	TaskMatching       TaskState = "MATCHING" // instant mode entry state
	TaskAccepted       TaskState = "ACCEPTED"
	TaskProofSubmitted TaskState = "PROOF_SUBMITTED"
	TaskDisputed       TaskState = "DISPUTED"
	TaskCompleted      TaskState = "COMPLETED"
	TaskCancelled      TaskState = "CANCELLED"
	TaskExpired        TaskState = "EXPIRED"
)

func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskExpired
}

var taskTransitions = map[TaskState][]TaskState{
	TaskOpen:           {TaskAccepted, TaskCancelled, TaskExpired},
	TaskMatching:       {TaskAccepted, TaskCancelled, TaskExpired},
	TaskAccepted:       {TaskProofSubmitted, TaskCompleted, TaskCancelled, TaskExpired},
	TaskProofSubmitted: {TaskCompleted, TaskAccepted, TaskDisputed},
	TaskDisputed:       {TaskCompleted, TaskCancelled},
}

// CanTransition reports whether from → to is a legal lifecycle move.
func (s TaskState) CanTransition(to TaskState) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressState is the delivery-tracking axis, separate from lifecycle.
type ProgressState string

const (
	ProgressPosted    ProgressState = "POSTED"
	ProgressAccepted  ProgressState = "ACCEPTED"
	ProgressTraveling ProgressState = "TRAVELING"
	ProgressWorking   ProgressState = "WORKING"
	ProgressCompleted ProgressState = "COMPLETED"
	ProgressClosed    ProgressState = "CLOSED"
)

var progressOrder = map[ProgressState]int{
	ProgressPosted:    0,
	ProgressAccepted:  1,
	ProgressTraveling: 2,
	ProgressWorking:   3,
	ProgressCompleted: 4,
	ProgressClosed:    5,
}

func (p ProgressState) Valid() bool {
	_, ok := progressOrder[p]
	return ok
}

// CanAdvance reports whether p → to is a legal forward step. Progress only
// moves forward one step at a time, except the CLOSED pin which the system
// may apply from any earlier state.
func (p ProgressState) CanAdvance(to ProgressState) bool {
	from, ok := progressOrder[p]
	if !ok {
		return false
	}
	target, ok := progressOrder[to]
	if !ok {
		return false
	}
	if to == ProgressClosed {
		return target > from
	}
	return target == from+1
}

// WorkerDriven reports whether the transition into this progress state is
// made by the assigned worker (vs the system).
func (p ProgressState) WorkerDriven() bool {
	switch p {
	case ProgressTraveling, ProgressWorking, ProgressCompleted:
		return true
	}
	return false
}

// Actor identifies who is attempting a progress transition.
type Actor string

const (
	ActorWorker Actor = "worker"
	ActorSystem Actor = "system"
)

// TaskMode distinguishes standard tasks from live (real-time) ones.
type TaskMode string

const (
	ModeStandard TaskMode = "STANDARD"
	ModeLive     TaskMode = "LIVE"
)

// Minimum prices in cents. The engine validates these up front and the
// kernel enforces the LIVE floor again as HX902.
const (
	MinPriceStandard = 500
	MinPriceLive     = 1500
)

func (m TaskMode) Valid() bool { return m == ModeStandard || m == ModeLive }

// MinPrice returns the minimum price in cents for the mode.
func (m TaskMode) MinPrice() int64 {
	if m == ModeLive {
		return MinPriceLive
	}
	return MinPriceStandard
}

// XPMultiplier is the live-mode component of the effective-XP formula.
func (m TaskMode) XPMultiplier() float64 {
	if m == ModeLive {
		return 1.25
	}
	return 1.0
}

// ============================================================================
// ESCROW
// ============================================================================

// EscrowState tracks payment custody across a task's life.
type EscrowState string

const (
	EscrowPending       EscrowState = "PENDING"
	EscrowFunded        EscrowState = "FUNDED"
	EscrowLockedDispute EscrowState = "LOCKED_DISPUTE"
	EscrowReleased      EscrowState = "RELEASED"
	EscrowRefunded      EscrowState = "REFUNDED"
	EscrowRefundPartial EscrowState = "REFUND_PARTIAL"
)

func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowRefundPartial
}

var escrowTransitions = map[EscrowState][]EscrowState{
	EscrowPending:       {EscrowFunded, EscrowRefunded},
	EscrowFunded:        {EscrowReleased, EscrowRefunded, EscrowRefundPartial, EscrowLockedDispute},
	EscrowLockedDispute: {EscrowReleased, EscrowRefunded, EscrowRefundPartial},
}

// CanTransition reports whether from → to is a legal escrow move.
func (s EscrowState) CanTransition(to EscrowState) bool {
	for _, next := range escrowTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ============================================================================
// PROOF & DISPUTE
// ============================================================================

type ProofState string

const (
	ProofPending  ProofState = "PENDING"
	ProofAccepted ProofState = "ACCEPTED"
	ProofRejected ProofState = "REJECTED"
)

type DisputeState string

const (
	DisputeOpen        DisputeState = "OPEN"
	DisputeUnderReview DisputeState = "UNDER_REVIEW"
	DisputeResolved    DisputeState = "RESOLVED"
)

func (s DisputeState) Terminal() bool { return s == DisputeResolved }

// DisputeOutcome is the admin resolution decision.
type DisputeOutcome string

const (
	OutcomeRelease DisputeOutcome = "RELEASE"
	OutcomeRefund  DisputeOutcome = "REFUND"
	OutcomeSplit   DisputeOutcome = "SPLIT"
)

func (o DisputeOutcome) Valid() bool {
	return o == OutcomeRelease || o == OutcomeRefund || o == OutcomeSplit
}

// DisputeWindow is how long after task completion a dispute may be opened.
const DisputeWindow = 48 * time.Hour

// ============================================================================
// PLANS
// ============================================================================

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
	PlanPro     Plan = "pro"
)

func (p Plan) Valid() bool { return p == PlanFree || p == PlanPremium || p == PlanPro }

// RecurringTaskLimit is the plan's cap on concurrent recurring series
// (enforced by HX501 in the kernel as well).
func (p Plan) RecurringTaskLimit() int {
	switch p {
	case PlanPro:
		return 25
	case PlanPremium:
		return 10
	default:
		return 2
	}
}

// ============================================================================
// QUEUES & OUTBOX EVENTS
// ============================================================================

// Named queues consumed by the worker fabric.
const (
	QueueCriticalPayments  = "critical_payments"
	QueueUserNotifications = "user_notifications"
	QueueMaintenance       = "maintenance"
)

// Outbox event types.
const (
	EventPaymentReceived     = "payment.event_received"
	EventEscrowFunded        = "escrow.funded"
	EventEscrowReleased      = "escrow.released"
	EventEscrowRefunded      = "escrow.refunded"
	EventEscrowLocked        = "escrow.locked_dispute"
	EventTaskAccepted        = "task.accepted"
	EventTaskCompleted       = "task.completed"
	EventTaskProgressUpdated = "task.progress_updated"
	EventDisputeOpened       = "dispute.opened"
	EventDisputeResolved     = "dispute.resolved"
	EventXPAwarded           = "xp.awarded"
	EventTrustTierChanged    = "trust.tier_changed"
)

// Aggregate types carried on outbox rows.
const (
	AggregateTask    = "task"
	AggregateEscrow  = "escrow"
	AggregateDispute = "dispute"
	AggregateUser    = "user"
	AggregatePayment = "payment_event"
)

// External payment processor event types understood by the ingestion
// pipeline. Anything else is recorded and skipped.
const (
	ExtPaymentIntentSucceeded = "payment_intent.succeeded"
	ExtTransferCreated        = "transfer.created"
	ExtChargeRefunded         = "charge.refunded"
)

// Ingestion results written to external_payment_events.result.
const (
	ResultProcessing = "processing"
	ResultSuccess    = "success"
	ResultFailed     = "failed"
	ResultSkipped    = "skipped"
)
