// Package clockguard compares the local clock against external time
// references and reports drift. Issuance timestamps are legally meaningful,
// so the deployment needs to know when its clock cannot be trusted.
package clockguard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
)

// MaxDrift is the tolerated absolute offset before the clock is reported
// unsynchronized.
const MaxDrift = 60 * time.Second

// State is the outcome of one clock verification.
//
// Verifiable distinguishes "we measured the drift" from "we could not reach
// any reference". A caller must never conflate an unverifiable check with a
// confirmed unsynchronized clock.
type State struct {
	OffsetSeconds float64   `json:"offset_seconds"`
	Synchronized  bool      `json:"synchronized"`
	Verifiable    bool      `json:"verifiable"`
	CheckedAt     time.Time `json:"checked_at"`
	Reference     string    `json:"reference,omitempty"`
}

// ReferenceSource measures the local clock's offset against one server.
// offset = local_time - reference_time.
type ReferenceSource interface {
	Offset(ctx context.Context, server string) (time.Duration, error)
}

// Guard queries reference servers and caches the latest state.
type Guard struct {
	source  ReferenceSource
	servers []string
	events  *eventlog.Service
	logger  *slog.Logger

	mu     sync.RWMutex
	latest State
}

func New(source ReferenceSource, servers []string, events *eventlog.Service, logger *slog.Logger) *Guard {
	return &Guard{
		source:  source,
		servers: servers,
		events:  events,
		logger:  logger,
	}
}

// Check queries every configured reference concurrently, takes the median of
// the successful offsets, and records the outcome in the event log. When no
// reference answers, the returned state is marked unverifiable and an
// incident event is raised; the error stays nil because "could not check" is
// a reportable condition, not a guard failure.
func (g *Guard) Check(ctx context.Context) (State, error) {
	now := time.Now().UTC()

	offsets := make([]time.Duration, 0, len(g.servers))
	references := make([]string, 0, len(g.servers))
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for _, server := range g.servers {
		group.Go(func() error {
			offset, err := g.source.Offset(groupCtx, server)
			if err != nil {
				g.logger.WarnContext(ctx, "clock reference unreachable",
					"server", server,
					"error", err,
				)
				// Other references may still answer.
				return nil
			}
			mu.Lock()
			offsets = append(offsets, offset)
			references = append(references, server)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return State{CheckedAt: now}, err
	}

	if len(offsets) == 0 {
		state := State{CheckedAt: now, Verifiable: false}
		g.store(state)
		if _, err := g.events.Record(ctx, eventlog.EventIncident, "system",
			"clock check failed: no reference server reachable"); err != nil {
			g.logger.ErrorContext(ctx, "failed to record clock incident", "error", err)
		}
		return state, nil
	}

	offset := median(offsets)
	state := State{
		OffsetSeconds: offset.Seconds(),
		Synchronized:  offset.Abs() <= MaxDrift,
		Verifiable:    true,
		CheckedAt:     now,
		Reference:     references[0],
	}
	g.store(state)

	detail := fmt.Sprintf("offset %.3fs against %s, synchronized=%t",
		state.OffsetSeconds, state.Reference, state.Synchronized)
	if _, err := g.events.Record(ctx, eventlog.EventClockCheck, "system", detail); err != nil {
		g.logger.ErrorContext(ctx, "failed to record clock check", "error", err)
	}
	if !state.Synchronized {
		if _, err := g.events.Record(ctx, eventlog.EventIncident, "system",
			"clock drift beyond tolerance: "+detail); err != nil {
			g.logger.ErrorContext(ctx, "failed to record clock incident", "error", err)
		}
	}
	return state, nil
}

// Latest returns the most recent check result. The zero State (never
// checked) is unverifiable by construction.
func (g *Guard) Latest() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.latest
}

func (g *Guard) store(state State) {
	g.mu.Lock()
	g.latest = state
	g.mu.Unlock()
}

// Run re-checks the clock on a fixed interval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Check(ctx); err != nil {
				g.logger.ErrorContext(ctx, "clock check failed", "error", err)
			}
		}
	}
}

func median(offsets []time.Duration) time.Duration {
	sorted := make([]time.Duration, len(offsets))
	copy(sorted, offsets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
