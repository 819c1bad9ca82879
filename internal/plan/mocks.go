package plan

import (
	"context"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// FakeStore is the in-memory Store for service tests.
type FakeStore struct {
	mu      sync.Mutex
	Plans   map[string]core.Plan // userID → plan
	Expiry  map[string]time.Time // userID → plan expiry
	Series  map[string][]string  // ownerID → series ids
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Plans:  make(map[string]core.Plan),
		Expiry: make(map[string]time.Time),
		Series: make(map[string][]string),
	}
}

func (s *FakeStore) UserPlan(_ context.Context, userID string) (core.Plan, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.Plans[userID]
	if !ok {
		p = core.PlanFree
	}
	return p, s.Expiry[userID], nil
}

func (s *FakeStore) ActiveRecurringSeries(_ context.Context, _ storage.Tx, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Series[userID]), nil
}

func (s *FakeStore) InsertSeries(_ context.Context, _ storage.Tx, id, ownerID, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Series[ownerID] = append(s.Series[ownerID], id)
	return nil
}

var _ Store = (*FakeStore)(nil)
