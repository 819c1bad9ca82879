package dispute

import (
	"context"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// FakeStore is the in-memory Store for service tests.
type FakeStore struct {
	mu        sync.Mutex
	Disputes  map[string]*Dispute
	Admins    map[string]bool
	Completed map[string]time.Time // taskID → completed_at
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Disputes:  make(map[string]*Dispute),
		Admins:    make(map[string]bool),
		Completed: make(map[string]time.Time),
	}
}

func (s *FakeStore) Insert(_ context.Context, _ storage.Tx, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.CreatedAt = time.Now()
	s.Disputes[d.ID] = &cp
	return nil
}

func (s *FakeStore) Get(_ context.Context, _ storage.Tx, id string) (*Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disputes[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *FakeStore) GetForUpdate(ctx context.Context, tx storage.Tx, id string) (*Dispute, error) {
	return s.Get(ctx, tx, id)
}

func (s *FakeStore) Transition(_ context.Context, _ storage.Tx, id string,
	from, to core.DisputeState, expectedVersion int) (*Dispute, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disputes[id]
	if !ok || d.State != from || d.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	d.State = to
	d.Version++
	cp := *d
	return &cp, nil
}

func (s *FakeStore) AppendEvidence(_ context.Context, _ storage.Tx, id string, e EvidenceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.Disputes[id]; ok {
		d.Evidence = append(d.Evidence, e)
	}
	return nil
}

func (s *FakeStore) ActiveExists(_ context.Context, _ storage.Tx, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.Disputes {
		if d.TaskID == taskID && !d.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *FakeStore) CompletedWithin(_ context.Context, _ storage.Tx, taskID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.Completed[taskID]
	return ok && time.Since(at) <= window, nil
}

func (s *FakeStore) SetResolution(_ context.Context, _ storage.Tx, id, resolvedBy string,
	outcome core.DisputeOutcome, refundAmt, releaseAmt *int64, expectedVersion int) (*Dispute, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disputes[id]
	if !ok || d.State.Terminal() || d.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	now := time.Now()
	d.State = core.DisputeResolved
	d.Outcome = outcome
	d.RefundAmount = refundAmt
	d.ReleaseAmount = releaseAmt
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	d.Version++
	cp := *d
	return &cp, nil
}

func (s *FakeStore) CanResolveDisputes(_ context.Context, _ storage.Tx, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Admins[userID], nil
}

var _ Store = (*FakeStore)(nil)
