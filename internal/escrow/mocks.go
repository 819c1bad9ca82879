package escrow

import (
	"context"
	"sync"

	"github.com/hustlexp/backend/internal/core"
	"github.com/hustlexp/backend/internal/storage"
)

// FakeStore is an in-memory Store for tests and local development. It
// honors the same conditional-update semantics as the Postgres store,
// including ErrVersionConflict on state/version mismatch.
type FakeStore struct {
	mu      sync.Mutex
	rows    map[string]*Escrow
	locked  map[string]bool // taskID → worker payouts locked
	ByTask  map[string]string
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		rows:   make(map[string]*Escrow),
		locked: make(map[string]bool),
		ByTask: make(map[string]string),
	}
}

// SetPayoutsLocked marks the worker of taskID as payouts-locked.
func (f *FakeStore) SetPayoutsLocked(taskID string, locked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locked[taskID] = locked
}

func (f *FakeStore) Insert(ctx context.Context, tx storage.Tx, e *Escrow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	f.rows[e.ID] = &cp
	f.ByTask[e.TaskID] = e.ID
	return nil
}

func (f *FakeStore) Get(ctx context.Context, tx storage.Tx, id string) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *FakeStore) GetByTask(ctx context.Context, tx storage.Tx, taskID string) (*Escrow, error) {
	f.mu.Lock()
	id, ok := f.ByTask[taskID]
	f.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return f.Get(ctx, tx, id)
}

func (f *FakeStore) GetByPaymentIntent(ctx context.Context, tx storage.Tx, intentID string) (*Escrow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.rows {
		if e.PaymentIntentID == intentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *FakeStore) Transition(ctx context.Context, tx storage.Tx, id string,
	from, to core.EscrowState, expectedVersion int, m Mutation) (*Escrow, error) {

	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.rows[id]
	if !ok || e.State != from || e.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	e.State = to
	e.Version++
	if m.PaymentIntentID != nil {
		e.PaymentIntentID = *m.PaymentIntentID
	}
	if m.TransferID != nil {
		e.TransferID = *m.TransferID
	}
	if m.RefundID != nil {
		e.RefundID = *m.RefundID
	}
	if m.RefundAmount != nil {
		v := *m.RefundAmount
		e.RefundAmount = &v
	}
	if m.ReleaseAmount != nil {
		v := *m.ReleaseAmount
		e.ReleaseAmount = &v
	}
	cp := *e
	return &cp, nil
}

func (f *FakeStore) WorkerPayoutsLocked(ctx context.Context, tx storage.Tx, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[taskID], nil
}

var _ Store = (*FakeStore)(nil)
