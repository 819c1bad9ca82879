// Package storage is the invariant-enforcing kernel: the Postgres schema
// with its triggers, and the transaction primitives every engine runs on.
// The kernel is the last line of defense: even a buggy engine cannot
// violate the invariants it encodes.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// Tx is the statement executor handed to transactional closures.
// *sql.Tx satisfies it; fakes in tests satisfy it too.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Runner abstracts transaction execution so engines can be exercised with
// fakes. The production implementation is *DB.
type Runner interface {
	WithTransaction(ctx context.Context, fn func(tx Tx) error) error
	WithSerializableTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// DB wraps the shared connection pool.
type DB struct {
	*sql.DB
	logger *log.Logger
}

// Open connects to Postgres, verifies connectivity and tunes the pool.
func Open(databaseURL string) (*DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger := log.New(log.Writer(), "[STORAGE] ", log.LstdFlags)
	logger.Printf("✅ Connected to Postgres")

	return &DB{DB: db, logger: logger}, nil
}

// WithTransaction runs fn inside BEGIN/COMMIT. On error the transaction is
// rolled back; a rollback failure is logged but never masks the original
// error, which is always the one propagated.
func (d *DB) WithTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return d.runTx(ctx, &sql.TxOptions{}, fn)
}

// serializableAttempts bounds the retry loop on serialization conflicts.
const serializableAttempts = 3

// WithSerializableTransaction is WithTransaction at SERIALIZABLE isolation.
// Used by XP awards, where the snapshot reads and the ledger insert must
// observe a consistent world. Serialization failures (40001) are retried
// up to serializableAttempts times; fn must therefore be safe to re-run.
func (d *DB) WithSerializableTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return withSerializableRetry(ctx, d.logger, func() error {
		return d.runTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
	})
}

func withSerializableRetry(ctx context.Context, logger *log.Logger, run func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = run()
		if err == nil || attempt == serializableAttempts ||
			!isSerializationFailure(err) || ctx.Err() != nil {
			return err
		}
		logger.Printf("⚠️ Serialization conflict, retrying (attempt %d of %d)", attempt, serializableAttempts)
	}
}

// isSerializationFailure reports a Postgres serialization_failure, the
// one error class where an immediate retry can succeed.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

func (d *DB) runTx(ctx context.Context, opts *sql.TxOptions, fn func(tx Tx) error) error {
	tx, err := d.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	// Propagate the caller's deadline into Postgres as a statement timeout
	// so a cancelled request does not leave a query running server-side.
	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms > 0 {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", ms)); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("set statement timeout: %w", err)
			}
		}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			d.logger.Printf("⚠️ rollback failed (original error preserved): %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var _ Runner = (*DB)(nil)
