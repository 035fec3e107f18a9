// Package tx carries SQL transactions through context and defines the
// Runner boundary under which ledger appends execute atomically.
package tx

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/sentinel"
)

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Runner executes fn inside one atomic unit of work. Either every store
// write made through the derived context commits, or none of it does. This
// is the critical section serializing sequence allocation and chain-head
// advancement.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner runs units of work inside a database transaction with a bounded
// deadline. Stores pick the transaction out of context via From.
type SQLRunner struct {
	db        *sql.DB
	timeout   time.Duration
	isolation sql.IsolationLevel
}

// NewSQLRunner builds a Runner over db. A zero timeout disables the bound.
func NewSQLRunner(db *sql.DB, timeout time.Duration, isolation sql.IsolationLevel) *SQLRunner {
	return &SQLRunner{db: db, timeout: timeout, isolation: isolation}
}

func (r *SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: r.isolation})
	if err != nil {
		return translateTxError(ctx, err)
	}

	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		_ = sqlTx.Rollback()
		return translateTxError(ctx, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translateTxError(ctx, err)
	}
	return nil
}

// translateTxError maps infrastructure outcomes of a transaction onto
// sentinels: deadline expiry becomes the timeout sentinel, and a lost
// serialization or deadlock race becomes the conflict sentinel so callers
// classify it as retryable rather than an internal failure. Under
// serializable isolation PostgreSQL raises 40001 when a concurrent commit
// invalidates this transaction's reads (the counter upsert does exactly
// that on an issuance race), and it may surface at Commit rather than at
// the failing statement.
func translateTxError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sentinel.ErrTimeout
	}
	if isSerializationFailure(err) {
		return sentinel.ErrConflict
	}
	return err
}

// isSerializationFailure reports SQLSTATE 40001 (serialization_failure) and
// 40P01 (deadlock_detected).
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// MutexRunner serializes units of work behind a single mutex. Used with the
// in-memory stores, where the mutex is the only available transactional
// boundary. Writes are not rolled back on error, so memory stores must stage
// their mutations and apply them last.
type MutexRunner struct {
	mu sync.Mutex
}

func NewMutexRunner() *MutexRunner { return &MutexRunner{} }

func (r *MutexRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return translateTxError(ctx, err)
	}
	return fn(ctx)
}
