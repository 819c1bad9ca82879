package xp

import (
	"context"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// FakeStore is the in-memory Store for service tests. The unique
// (user, task, escrow) award key is enforced like the real constraint.
type FakeStore struct {
	mu        sync.Mutex
	Snapshots map[string]*Snapshot
	Modes     map[string]core.TaskMode
	Escrows   map[string]core.EscrowState
	Ledger    []*LedgerEntry
	awardKeys map[string]bool
	Tax       []*TaxEntry
	Unpaid    map[string]int64
	Badges    []*Badge
	Completed map[string]int
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Snapshots: make(map[string]*Snapshot),
		Modes:     make(map[string]core.TaskMode),
		Escrows:   make(map[string]core.EscrowState),
		awardKeys: make(map[string]bool),
		Unpaid:    make(map[string]int64),
		Completed: make(map[string]int),
	}
}

func (s *FakeStore) UserSnapshotForUpdate(_ context.Context, _ storage.Tx, userID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.Snapshots[userID]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (s *FakeStore) TaskMode(_ context.Context, _ storage.Tx, taskID string) (core.TaskMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.Modes[taskID]; ok {
		return m, nil
	}
	return core.ModeStandard, nil
}

func (s *FakeStore) EscrowState(_ context.Context, _ storage.Tx, escrowID string) (core.EscrowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Escrows[escrowID], nil
}

func (s *FakeStore) InsertLedger(_ context.Context, _ storage.Tx, e *LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.UserID + ":" + e.TaskID + ":" + e.EscrowID
	if s.awardKeys[key] {
		return false, nil
	}
	s.awardKeys[key] = true
	cp := *e
	cp.CreatedAt = time.Now()
	s.Ledger = append(s.Ledger, &cp)
	return true, nil
}

func (s *FakeStore) AddUserXP(_ context.Context, _ storage.Tx, userID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap, ok := s.Snapshots[userID]; ok {
		snap.XPTotal += delta
	}
	return nil
}

func (s *FakeStore) InsertTaxEntry(_ context.Context, _ storage.Tx, e *TaxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.CreatedAt = time.Now()
	s.Tax = append(s.Tax, &cp)
	return nil
}

func (s *FakeStore) AddUnpaidTax(_ context.Context, _ storage.Tx, userID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Unpaid[userID] += delta
	return nil
}

func (s *FakeStore) UnpaidTaxEntriesForUpdate(_ context.Context, _ storage.Tx, userID string) ([]*TaxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TaxEntry
	for _, e := range s.Tax {
		if e.UserID == userID && !e.TaxPaid {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *FakeStore) MarkTaxPaid(_ context.Context, _ storage.Tx, entryID, paymentIntentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, e := range s.Tax {
		if e.ID == entryID && !e.TaxPaid {
			e.TaxPaid = true
			e.XPHeldBack = false
			e.PaidAt = &now
			e.PaymentIntentID = paymentIntentID
		}
	}
	return nil
}

func (s *FakeStore) InsertBadge(_ context.Context, _ storage.Tx, b *Badge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.Badges = append(s.Badges, &cp)
	return nil
}

func (s *FakeStore) CompletedTaskCount(_ context.Context, _ storage.Tx, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Completed[userID], nil
}

var _ Store = (*FakeStore)(nil)

// FakeVerifier returns a canned processor verdict.
type FakeVerifier struct {
	Succeeded bool
	Kind      string
	Amount    int64
	Err       error
}

func (f *FakeVerifier) VerifyIntent(context.Context, string) (bool, string, int64, error) {
	return f.Succeeded, f.Kind, f.Amount, f.Err
}

var _ IntentVerifier = (*FakeVerifier)(nil)
