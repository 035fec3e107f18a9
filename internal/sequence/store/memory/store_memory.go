// Package memory provides the in-memory counter store used by tests and
// embedded deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type counterKey struct {
	series string
	year   int
}

type voidEntry struct {
	number int64
	reason string
	at     time.Time
}

// Store keeps per-(series, year) counters behind a mutex. The mutex gives
// the atomic increment-and-read the SQL stores get from row locking.
type Store struct {
	mu       sync.Mutex
	counters map[counterKey]int64
	voids    map[counterKey][]voidEntry
}

func New() *Store {
	return &Store{
		counters: make(map[counterKey]int64),
		voids:    make(map[counterKey][]voidEntry),
	}
}

func (s *Store) Next(_ context.Context, series string, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{series: series, year: year}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *Store) Current(_ context.Context, series string, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{series: series, year: year}], nil
}

func (s *Store) MarkVoid(_ context.Context, series string, year int, number int64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey{series: series, year: year}
	if number < 1 || number > s.counters[key] {
		return fmt.Errorf("cannot void number %d: never allocated for %s/%d", number, series, year)
	}
	s.voids[key] = append(s.voids[key], voidEntry{number: number, reason: reason, at: at})
	return nil
}

func (s *Store) Voided(_ context.Context, series string, year int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.voids[counterKey{series: series, year: year}]
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.number)
	}
	return out, nil
}
