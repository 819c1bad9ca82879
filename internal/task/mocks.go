package task

import (
	"context"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// FakeStore is the in-memory Store used by engine tests. It honors the
// same conditional-update semantics as PGStore: AtomicAccept returns nil
// on a lost race, Transition returns ErrVersionConflict on a stale
// version or changed state.
type FakeStore struct {
	mu       sync.Mutex
	Tasks    map[string]*Task
	Proofs   map[string][]*Proof // taskID → proofs in submission order
	Users    map[string]*UserGate
	Disputes map[string]bool             // taskID → active dispute
	Escrows  map[string]core.EscrowState // taskID → escrow state
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Tasks:    make(map[string]*Task),
		Proofs:   make(map[string][]*Proof),
		Users:    make(map[string]*UserGate),
		Disputes: make(map[string]bool),
		Escrows:  make(map[string]core.EscrowState),
	}
}

func (s *FakeStore) Insert(_ context.Context, _ storage.Tx, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.Tasks[t.ID] = &cp
	return nil
}

func (s *FakeStore) Get(_ context.Context, _ storage.Tx, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) GetForUpdate(ctx context.Context, tx storage.Tx, id string) (*Task, error) {
	return s.Get(ctx, tx, id)
}

func (s *FakeStore) AtomicAccept(_ context.Context, _ storage.Tx, taskID, workerID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[taskID]
	if !ok {
		return nil, nil
	}
	if (t.State != core.TaskOpen && t.State != core.TaskMatching) || t.WorkerID != "" {
		return nil, nil
	}
	now := time.Now()
	t.WorkerID = workerID
	t.State = core.TaskAccepted
	t.ProgressState = core.ProgressAccepted
	t.AcceptedAt = &now
	t.Version++
	t.UpdatedAt = now
	cp := *t
	return &cp, nil
}

func (s *FakeStore) Transition(_ context.Context, _ storage.Tx, id string,
	from, to core.TaskState, expectedVersion int) (*Task, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok || t.State != from || t.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	now := time.Now()
	t.State = to
	t.Version++
	t.UpdatedAt = now
	switch to {
	case core.TaskProofSubmitted:
		t.ProofSubmittedAt = &now
	case core.TaskCompleted:
		t.CompletedAt = &now
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) SetProgress(_ context.Context, _ storage.Tx, id string, to core.ProgressState) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[id]
	if !ok {
		return nil, ErrVersionConflict
	}
	t.ProgressState = to
	t.Version++
	t.UpdatedAt = time.Now()
	cp := *t
	return &cp, nil
}

func (s *FakeStore) InsertProof(_ context.Context, _ storage.Tx, p *Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.CreatedAt = time.Now()
	s.Proofs[p.TaskID] = append(s.Proofs[p.TaskID], &cp)
	return nil
}

func (s *FakeStore) LatestProof(_ context.Context, _ storage.Tx, taskID string) (*Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.Proofs[taskID]
	if len(ps) == 0 {
		return nil, nil
	}
	cp := *ps[len(ps)-1]
	return &cp, nil
}

func (s *FakeStore) SetProofState(_ context.Context, _ storage.Tx, proofID string, state core.ProofState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ps := range s.Proofs {
		for _, p := range ps {
			if p.ID == proofID {
				p.State = state
				return nil
			}
		}
	}
	return nil
}

func (s *FakeStore) HasAcceptedProof(_ context.Context, _ storage.Tx, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.Proofs[taskID] {
		if p.State == core.ProofAccepted {
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) ActiveDisputeExists(_ context.Context, _ storage.Tx, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Disputes[taskID], nil
}

func (s *FakeStore) EscrowState(_ context.Context, _ storage.Tx, taskID string) (core.EscrowState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.Escrows[taskID]
	return state, ok, nil
}

func (s *FakeStore) UserGate(_ context.Context, _ storage.Tx, userID string) (*UserGate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// AddUser seeds a user for gating checks.
func (s *FakeStore) AddUser(id string, tier core.TrustTier) *UserGate {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &UserGate{ID: id, Tier: tier, Plan: core.PlanFree}
	s.Users[id] = u
	return u
}

var _ Store = (*FakeStore)(nil)

// AllowAllGuard approves every eligibility check.
type AllowAllGuard struct{}

func (AllowAllGuard) AssertEligibility(context.Context, storage.Tx, string, string, bool) error {
	return nil
}

// DenyGuard returns a fixed error for every check.
type DenyGuard struct{ Err error }

func (g DenyGuard) AssertEligibility(context.Context, storage.Tx, string, string, bool) error {
	return g.Err
}

// FakeKillSwitch is a toggleable kill switch.
type FakeKillSwitch struct {
	Disabled bool
	Reason   string
}

func (f *FakeKillSwitch) InstantModeDisabled(context.Context) (bool, string) {
	return f.Disabled, f.Reason
}

// FakeRateLimiter allows everything until Deny is set.
type FakeRateLimiter struct {
	Deny bool
	Keys []string
}

func (f *FakeRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	f.Keys = append(f.Keys, key)
	return !f.Deny, nil
}

// FakeCompletenessGate returns a fixed verdict.
type FakeCompletenessGate struct {
	Incomplete bool
	Missing    []string
}

func (f *FakeCompletenessGate) Evaluate(context.Context, string, string) (bool, []string, error) {
	return !f.Incomplete, f.Missing, nil
}

// AllowAllPlans accepts every plan/risk combination.
type AllowAllPlans struct{}

func (AllowAllPlans) AllowsRisk(core.Plan, core.RiskLevel) bool { return true }

// DenyAllPlans rejects everything; tests the PLAN_REQUIRED path.
type DenyAllPlans struct{}

func (DenyAllPlans) AllowsRisk(core.Plan, core.RiskLevel) bool { return false }

var (
	_ EligibilityGuard = AllowAllGuard{}
	_ EligibilityGuard = DenyGuard{}
	_ KillSwitch       = (*FakeKillSwitch)(nil)
	_ RateLimiter      = (*FakeRateLimiter)(nil)
	_ CompletenessGate = (*FakeCompletenessGate)(nil)
	_ PlanGate         = AllowAllPlans{}
	_ PlanGate         = DenyAllPlans{}
)
