package recompute

import (
	"context"
	"sync"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// FakeStore is the in-memory Store for recompute tests.
type FakeStore struct {
	mu       sync.Mutex
	Tiers    map[string]core.TrustTier
	Records  map[string][]VerificationRecord
	Profiles map[string]CapabilityProfile
	Trades   map[string][]VerifiedTrade
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Tiers:    make(map[string]core.TrustTier),
		Records:  make(map[string][]VerificationRecord),
		Profiles: make(map[string]CapabilityProfile),
		Trades:   make(map[string][]VerifiedTrade),
	}
}

func (s *FakeStore) UserTier(_ context.Context, _ storage.Tx, userID string) (core.TrustTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tier, ok := s.Tiers[userID]; ok {
		return tier, nil
	}
	return core.TierRookie, nil
}

func (s *FakeStore) VerificationRecords(_ context.Context, _ storage.Tx, userID string) ([]VerificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Records[userID], nil
}

func (s *FakeStore) UpsertProfile(_ context.Context, _ storage.Tx, p CapabilityProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Profiles[p.UserID] = p
	return nil
}

func (s *FakeStore) ReplaceTrades(_ context.Context, _ storage.Tx, userID string, trades []VerifiedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Trades[userID] = trades
	return nil
}

var _ Store = (*FakeStore)(nil)
