package trust

import (
	"context"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/task"
)

// FakeStore is the in-memory Store for service tests.
type FakeStore struct {
	mu      sync.Mutex
	Users   map[string]*User
	Tasks   map[string]*TaskFacts
	Stats   map[string]*PromotionStats
	Ledger  []*LedgerEntry
	keys    map[string]bool
	Active  map[string][]string // userID → active task IDs
	Holds   map[string]time.Time
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Users:  make(map[string]*User),
		Tasks:  make(map[string]*TaskFacts),
		Stats:  make(map[string]*PromotionStats),
		keys:   make(map[string]bool),
		Active: make(map[string][]string),
		Holds:  make(map[string]time.Time),
	}
}

func (s *FakeStore) GetUser(_ context.Context, _ storage.Tx, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *FakeStore) GetUserForUpdate(ctx context.Context, tx storage.Tx, id string) (*User, error) {
	return s.GetUser(ctx, tx, id)
}

func (s *FakeStore) TaskFacts(_ context.Context, _ storage.Tx, taskID string) (*TaskFacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tasks[taskID]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStore) SetTier(_ context.Context, _ storage.Tx, userID string, from, to core.TrustTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.Users[userID]
	if !ok || u.Tier != from {
		return ErrTierConflict
	}
	u.Tier = to
	return nil
}

func (s *FakeStore) SetHold(_ context.Context, _ storage.Tx, userID, reason string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.Users[userID]; ok {
		u.TrustHold = true
		u.TrustHoldReason = reason
		u.TrustHoldUntil = &until
	}
	s.Holds[userID] = until
	return nil
}

func (s *FakeStore) ClearHold(_ context.Context, _ storage.Tx, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.Users[userID]; ok {
		u.TrustHold = false
		u.TrustHoldReason = ""
		u.TrustHoldUntil = nil
	}
	delete(s.Holds, userID)
	return nil
}

func (s *FakeStore) PromotionStats(_ context.Context, _ storage.Tx, userID string) (*PromotionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.Stats[userID]; ok {
		cp := *st
		return &cp, nil
	}
	return &PromotionStats{OnTimeRate: 1.0}, nil
}

func (s *FakeStore) ActiveTaskIDs(_ context.Context, _ storage.Tx, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Active[userID]...), nil
}

func (s *FakeStore) AppendLedger(_ context.Context, _ storage.Tx, e *LedgerEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys[e.IdempotencyKey] {
		return false, nil
	}
	s.keys[e.IdempotencyKey] = true
	cp := *e
	s.Ledger = append(s.Ledger, &cp)
	return true, nil
}

func (s *FakeStore) RecentPosterPenalties(_ context.Context, _ storage.Tx, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.Ledger {
		if e.UserID == userID && e.Source == "dispute_penalty_poster" {
			n++
		}
	}
	return n, nil
}

// AddUser seeds a user at the given tier with all verifications done.
func (s *FakeStore) AddUser(id string, tier core.TrustTier) *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &User{
		ID: id, Tier: tier, Plan: core.PlanFree,
		PhoneVerified: true, PaymentMethodVerified: true, IDVerified: true,
		CreatedAt: time.Now().Add(-90 * 24 * time.Hour),
	}
	s.Users[id] = u
	return u
}

var _ Store = (*FakeStore)(nil)

// FakeCanceller records system cancellations.
type FakeCanceller struct {
	mu        sync.Mutex
	Cancelled []string
}

func (f *FakeCanceller) CancelBySystemTx(_ context.Context, _ storage.Tx, taskID string) (*task.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, taskID)
	return &task.Task{ID: taskID, State: core.TaskCancelled}, nil
}

var _ TaskCanceller = (*FakeCanceller)(nil)
