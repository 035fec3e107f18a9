// Package postgres implements the event store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
	txcontext "github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/tx"
)

// timeLayout is a fixed-width UTC rendering with full nanosecond precision.
// The timestamp feeds the event self-hash, so it is stored as TEXT rather
// than letting TIMESTAMPTZ round it to microseconds; the fixed width keeps
// plain string comparison chronological for the since filters.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store appends audit events to an append-only table. There are no UPDATE
// or DELETE statements in this package; history only grows.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Schema creates the events table. Idempotent.
func (s *Store) Schema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS system_events (
			position   BIGSERIAL PRIMARY KEY,
			id         UUID        NOT NULL UNIQUE,
			event_type TEXT        NOT NULL,
			timestamp  TEXT        NOT NULL,
			actor      TEXT        NOT NULL,
			detail     TEXT        NOT NULL,
			hash_event TEXT        NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_system_events_type_time
			ON system_events (event_type, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("create event schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, event *eventlog.SystemEvent) error {
	query := `
		INSERT INTO system_events (id, event_type, timestamp, actor, detail, hash_event)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING position
	`
	err := s.execer(ctx).QueryRowContext(ctx, query,
		event.ID,
		string(event.Type),
		event.Timestamp.UTC().Format(timeLayout),
		event.Actor,
		event.Detail,
		event.HashEvent,
	).Scan(&event.Position)
	if err != nil {
		return fmt.Errorf("insert system event: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, filter eventlog.Filter) ([]eventlog.SystemEvent, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT position, id, event_type, timestamp, actor, detail, hash_event
		FROM system_events
		WHERE position > $1
	`)
	args := []any{filter.AfterPosition}

	if !filter.Since.IsZero() {
		args = append(args, filter.Since.UTC().Format(timeLayout))
		fmt.Fprintf(&query, " AND timestamp >= $%d", len(args))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, 0, len(filter.Types))
		for _, t := range filter.Types {
			args = append(args, string(t))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		fmt.Fprintf(&query, " AND event_type IN (%s)", strings.Join(placeholders, ", "))
	}
	query.WriteString(" ORDER BY position")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	rows, err := s.execer(ctx).QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query system events: %w", err)
	}
	defer rows.Close()

	var events []eventlog.SystemEvent
	for rows.Next() {
		var (
			e         eventlog.SystemEvent
			eventType string
			stamp     string
		)
		if err := rows.Scan(&e.Position, &e.ID, &eventType, &stamp, &e.Actor, &e.Detail, &e.HashEvent); err != nil {
			return nil, fmt.Errorf("scan system event: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		e.Type = eventlog.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) CountByType(ctx context.Context, since time.Time) (map[eventlog.EventType]int64, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM system_events WHERE timestamp >= $1 GROUP BY event_type`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("count system events: %w", err)
	}
	defer rows.Close()

	counts := make(map[eventlog.EventType]int64)
	for rows.Next() {
		var (
			eventType string
			count     int64
		)
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		counts[eventlog.EventType(eventType)] = count
	}
	return counts, rows.Err()
}
