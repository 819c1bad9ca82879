package storage

import "context"

// NopRunner executes transactional closures without a database. Fake
// stores ignore the Tx argument, so engines can be exercised end-to-end
// in unit tests.
type NopRunner struct{}

func (NopRunner) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return fn(nil)
}

func (NopRunner) WithSerializableTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return fn(nil)
}

var _ Runner = NopRunner{}
