package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/hashchain"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/requestcontext"
)

// Store is the event persistence contract. Append must participate in any
// transaction carried by the context so ledger mutations and their audit
// entries commit atomically.
type Store interface {
	Append(ctx context.Context, event *SystemEvent) error
	List(ctx context.Context, filter Filter) ([]SystemEvent, error)
	CountByType(ctx context.Context, since time.Time) (map[EventType]int64, error)
}

// Service appends and reports audit events.
type Service struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration

	mu            sync.Mutex
	lastSummaryAt time.Time
}

// NewService builds the event log. interval is the rollup cadence; summaries
// happen on that fixed schedule, not on every call.
func NewService(store Store, logger *slog.Logger, interval time.Duration) *Service {
	return &Service{store: store, logger: logger, interval: interval}
}

// Record appends an event with its self-hash. The hash covers every field of
// the entry, so any later mutation of a stored event is detectable.
func (s *Service) Record(ctx context.Context, eventType EventType, actor, detail string) (*SystemEvent, error) {
	event := &SystemEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: requestcontext.Now(ctx).UTC(),
		Actor:     actor,
		Detail:    detail,
	}
	event.HashEvent = SelfHash(event)

	if err := s.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("append %s event: %w", eventType, err)
	}

	s.logger.InfoContext(ctx, string(eventType),
		"event", string(eventType),
		"actor", actor,
		"detail", detail,
		"request_id", requestcontext.RequestID(ctx),
		"log_type", "audit",
	)
	return event, nil
}

// SelfHash computes an event's tamper-evidence hash over its identifying
// fields. Position is excluded: it is store bookkeeping, not audit content.
func SelfHash(event *SystemEvent) string {
	return hashchain.HashBytes(
		[]byte(event.ID.String()),
		[]byte(event.Type),
		[]byte(event.Timestamp.UTC().Format(time.RFC3339Nano)),
		[]byte(event.Actor),
		[]byte(event.Detail),
	)
}

// VerifyEvent reports whether a stored event still matches its self-hash.
func VerifyEvent(event *SystemEvent) bool {
	return SelfHash(event) == event.HashEvent
}

// Summarize returns per-type counts since the given time plus the rollup
// schedule bookkeeping.
func (s *Service) Summarize(ctx context.Context, since time.Time) (*Stats, error) {
	counts, err := s.store.CountByType(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	var total int64
	for _, c := range counts {
		total += c
	}

	s.mu.Lock()
	last := s.lastSummaryAt
	s.mu.Unlock()

	return &Stats{
		Since:         since,
		Total:         total,
		Counts:        counts,
		LastSummaryAt: last,
		NextSummaryAt: last.Add(s.interval),
	}, nil
}

// Export returns events matching filter in append order. Read-only and
// restartable: callers resume with AfterPosition set to the last position
// they consumed.
func (s *Service) Export(ctx context.Context, filter Filter) ([]SystemEvent, error) {
	return s.store.List(ctx, filter)
}

// runSummary performs one scheduled rollup: computes counts for the elapsed
// window, logs them, and appends a summary event so the rollup itself is
// audited.
func (s *Service) runSummary(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	since := s.lastSummaryAt
	s.lastSummaryAt = now
	s.mu.Unlock()

	counts, err := s.store.CountByType(ctx, since)
	if err != nil {
		return fmt.Errorf("summary rollup: %w", err)
	}
	var total int64
	for _, c := range counts {
		total += c
	}

	detail := fmt.Sprintf("rollup since %s: %d events", since.UTC().Format(time.RFC3339), total)
	ctx = requestcontext.WithTime(ctx, now)
	if _, err := s.Record(ctx, EventSummary, "system", detail); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "event log summary",
		"since", since,
		"total", total,
	)
	return nil
}
