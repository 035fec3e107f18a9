// Package sequence issues gapless, monotonically increasing invoice numbers
// per (series, year).
package sequence

import (
	"context"
	"time"
)

// Store is the counter persistence contract. Implementations must make Next
// atomic with respect to concurrent allocators: a dedicated counter row with
// row-level locking in SQL, a mutex-guarded map in memory. A bare
// read-then-increment is not an acceptable implementation.
type Store interface {
	// Next atomically increments and returns the counter for (series, year).
	// The first allocation for a new pair returns 1; numbering restarts at 1
	// on year rollover because the counter is keyed by the composite pair,
	// never by series alone.
	Next(ctx context.Context, series string, year int) (int64, error)

	// Current returns the highest allocated number for (series, year), or 0
	// when none has been issued.
	Current(ctx context.Context, series string, year int) (int64, error)

	// MarkVoid records that a number was burned and must never be issued
	// again. Voiding never decrements the counter.
	MarkVoid(ctx context.Context, series string, year int, number int64, reason string, at time.Time) error

	// Voided lists burned numbers for (series, year) in ascending order.
	Voided(ctx context.Context, series string, year int) ([]int64, error)
}

// Allocator wraps a counter store. It exists so callers depend on the
// allocation contract, not on a concrete store.
type Allocator struct {
	store Store
}

func NewAllocator(store Store) *Allocator {
	return &Allocator{store: store}
}

// NextNumber reserves the next number for (series, year). Exactly-once under
// concurrency: two simultaneous callers never receive the same value, and no
// value is skipped except through an explicit Void.
func (a *Allocator) NextNumber(ctx context.Context, series string, year int) (int64, error) {
	return a.store.Next(ctx, series, year)
}

// Current reports the highest number issued so far for (series, year).
func (a *Allocator) Current(ctx context.Context, series string, year int) (int64, error) {
	return a.store.Current(ctx, series, year)
}

// Void burns a number. Not exposed by normal issuance flows; only the
// deletion of a provisional record reaches it, and every call is audited by
// the caller through the event log.
func (a *Allocator) Void(ctx context.Context, series string, year int, number int64, reason string, at time.Time) error {
	return a.store.MarkVoid(ctx, series, year, number, reason, at)
}

// Voided lists burned numbers for audit exports.
func (a *Allocator) Voided(ctx context.Context, series string, year int) ([]int64, error) {
	return a.store.Voided(ctx, series, year)
}
