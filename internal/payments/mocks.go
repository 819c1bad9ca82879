package payments

import (
	"context"
	"sync"
	"time"

	"github.com/hustlexp/backend/internal/storage"
)

// FakeIngestStore is the in-memory IngestStore for pipeline tests. The
// primary-key dedup and claim-once semantics match the real store.
type FakeIngestStore struct {
	mu       sync.Mutex
	Events   map[string]*ExternalEvent
	Disputes map[string]*fakeDispute
	Locked   map[string]string // userID → reason ("" = unlocked)
	Workers  map[string]string // escrowID → workerID
}

type fakeDispute struct {
	EscrowID string
	WorkerID string
	Status   string
	Amount   int64
}

func NewFakeIngestStore() *FakeIngestStore {
	return &FakeIngestStore{
		Events:   make(map[string]*ExternalEvent),
		Disputes: make(map[string]*fakeDispute),
		Locked:   make(map[string]string),
		Workers:  make(map[string]string),
	}
}

func (s *FakeIngestStore) Insert(_ context.Context, _ storage.Tx, externalID, eventType string, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Events[externalID]; exists {
		return false, nil
	}
	s.Events[externalID] = &ExternalEvent{
		ExternalID: externalID,
		EventType:  eventType,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	return true, nil
}

func (s *FakeIngestStore) Claim(_ context.Context, _ storage.Tx, externalID string) (*ExternalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.Events[externalID]
	if !ok || ev.ClaimedAt != nil || ev.ProcessedAt != nil {
		return nil, nil
	}
	now := time.Now()
	ev.ClaimedAt = &now
	ev.Result = "processing"
	cp := *ev
	return &cp, nil
}

func (s *FakeIngestStore) Finalize(_ context.Context, _ storage.Tx, externalID, result, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.Events[externalID]; ok {
		now := time.Now()
		ev.ProcessedAt = &now
		ev.Result = result
		ev.ErrorMessage = errMsg
	}
	return nil
}

func (s *FakeIngestStore) ResetStuck(_ context.Context, _ storage.Tx, timeout time.Duration, _ string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	var ids []string
	for id, ev := range s.Events {
		if ev.Result == "processing" && ev.ProcessedAt == nil &&
			ev.ClaimedAt != nil && ev.ClaimedAt.Before(cutoff) {
			ev.ClaimedAt = nil
			ev.Result = ""
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *FakeIngestStore) InsertPaymentDispute(_ context.Context, _ storage.Tx,
	externalID, escrowID, workerID, kind, status string, amount int64) (bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.Disputes[externalID]; exists {
		return false, nil
	}
	s.Disputes[externalID] = &fakeDispute{EscrowID: escrowID, WorkerID: workerID, Status: status, Amount: amount}
	return true, nil
}

func (s *FakeIngestStore) UpdatePaymentDisputeStatus(_ context.Context, _ storage.Tx, externalID, status string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.Disputes[externalID]
	if !ok {
		return "", nil
	}
	d.Status = status
	return d.WorkerID, nil
}

func (s *FakeIngestStore) SetPayoutsLocked(_ context.Context, _ storage.Tx, userID string, locked bool, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if locked {
		s.Locked[userID] = reason
	} else {
		delete(s.Locked, userID)
	}
	return nil
}

func (s *FakeIngestStore) EscrowWorkerID(_ context.Context, _ storage.Tx, escrowID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Workers[escrowID], nil
}

var _ IngestStore = (*FakeIngestStore)(nil)

// FakeCloser records CloseProgressTx calls.
type FakeCloser struct {
	mu     sync.Mutex
	Closed []string
}

func (f *FakeCloser) CloseProgressTx(_ context.Context, _ storage.Tx, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = append(f.Closed, taskID)
	return nil
}

var _ ProgressCloser = (*FakeCloser)(nil)
