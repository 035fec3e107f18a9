// Package memory provides the in-memory event store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
)

// Store keeps events in append order behind a mutex. Events are copied on
// the way out so callers can never mutate the stored history.
type Store struct {
	mu     sync.RWMutex
	events []eventlog.SystemEvent
}

func New() *Store {
	return &Store{}
}

func (s *Store) Append(_ context.Context, event *eventlog.SystemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Position = int64(len(s.events) + 1)
	s.events = append(s.events, *event)
	return nil
}

func (s *Store) List(_ context.Context, filter eventlog.Filter) ([]eventlog.SystemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []eventlog.SystemEvent
	for _, e := range s.events {
		if !matches(e, filter) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CountByType(_ context.Context, since time.Time) (map[eventlog.EventType]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[eventlog.EventType]int64)
	for _, e := range s.events {
		if e.Timestamp.Before(since) {
			continue
		}
		counts[e.Type]++
	}
	return counts, nil
}

func matches(e eventlog.SystemEvent, filter eventlog.Filter) bool {
	if e.Position <= filter.AfterPosition {
		return false
	}
	if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
		return false
	}
	if len(filter.Types) > 0 {
		found := false
		for _, t := range filter.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
