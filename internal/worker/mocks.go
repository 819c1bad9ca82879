package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hustlexp/backend/internal/storage"
	"github.com/hustlexp/backend/internal/xp"
)

// FakeStore is the in-memory Store for handler tests.
type FakeStore struct {
	mu          sync.Mutex
	Workers     map[string]string // taskID → workerID
	Revenue     map[string]int64  // escrowID:entryType → amount
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		Workers: make(map[string]string),
		Revenue: make(map[string]int64),
	}
}

func (s *FakeStore) TaskWorker(_ context.Context, _ storage.Tx, taskID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Workers[taskID], nil
}

func (s *FakeStore) InsertRevenue(_ context.Context, _ storage.Tx, _, _, escrowID, entryType string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := escrowID + ":" + entryType
	if _, exists := s.Revenue[key]; exists {
		return false, nil
	}
	s.Revenue[key] = amount
	return true, nil
}

var _ Store = (*FakeStore)(nil)

// FakeProcessor records Process calls.
type FakeProcessor struct {
	mu        sync.Mutex
	Processed []string
	Err       error
}

func (f *FakeProcessor) Process(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Processed = append(f.Processed, externalID)
	return nil
}

var _ EventProcessor = (*FakeProcessor)(nil)

// FakeAwarder records XP awards and badge checks.
type FakeAwarder struct {
	mu      sync.Mutex
	Awards  []xp.AwardParams
	Badges  []string
	Err     error
}

func (f *FakeAwarder) AwardXP(_ context.Context, p xp.AwardParams) (*xp.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Awards = append(f.Awards, p)
	return &xp.LedgerEntry{UserID: p.UserID, TaskID: p.TaskID, EscrowID: p.EscrowID, BaseXP: p.BaseXP}, nil
}

func (f *FakeAwarder) MilestoneBadge(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Badges = append(f.Badges, userID)
	return nil
}

var _ XPAwarder = (*FakeAwarder)(nil)

// FakePenalties records penalty applications keyed for dedup assertions.
type FakePenalties struct {
	mu      sync.Mutex
	Applied []string // userID:role:idempotencyKey
}

func (f *FakePenalties) ApplyDisputePenalty(_ context.Context, userID, role, idempotencyKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Applied = append(f.Applied, userID+":"+role+":"+idempotencyKey)
	return nil
}

var _ PenaltyApplier = (*FakePenalties)(nil)

// FakeNotifier records forwarded events.
type FakeNotifier struct {
	mu     sync.Mutex
	Events []string
}

func (f *FakeNotifier) Notify(_ context.Context, eventType string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Events = append(f.Events, eventType)
	return nil
}

var _ Notifier = (*FakeNotifier)(nil)
