// Package sqlite provides a single-file embedded store for deployments
// without a PostgreSQL server. One Store implements the ledger, counter and
// event log contracts so the whole ledger lives in one database file.
//
// The database is opened in WAL mode. SQLite serializes writers, and all
// mutating ledger operations additionally run under the caller's transaction
// runner, so counter allocation and chain appends stay atomic.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/hashchain"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/sentinel"
	txcontext "github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/tx"
)

// timeLayout is fixed width so stored timestamps compare lexicographically.
// RFC3339Nano trims trailing zeros and would break >= filters on TEXT columns.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between the pool's handles.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// DB exposes the underlying handle for transaction runners.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS issuance_records (
		id TEXT PRIMARY KEY,
		series TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		year INTEGER NOT NULL,
		issuer_json TEXT NOT NULL,
		recipient_json TEXT NOT NULL,
		lines_json TEXT NOT NULL,
		tax_breakdown_json TEXT NOT NULL,
		total TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		hash_current TEXT NOT NULL,
		hash_previous TEXT NOT NULL,
		signature TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		issued_by TEXT NOT NULL,
		state TEXT NOT NULL,
		chain_position INTEGER NOT NULL UNIQUE,
		UNIQUE (series, year, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS annulment_records (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL REFERENCES issuance_records(id),
		reason TEXT NOT NULL,
		hash_current TEXT NOT NULL,
		hash_previous TEXT NOT NULL,
		signature TEXT NOT NULL,
		annulled_at TEXT NOT NULL,
		annulled_by TEXT NOT NULL,
		chain_position INTEGER NOT NULL UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_issuance_records_state
		ON issuance_records(state);

	CREATE TABLE IF NOT EXISTS invoice_counters (
		series TEXT NOT NULL,
		year INTEGER NOT NULL,
		last_value INTEGER NOT NULL,
		PRIMARY KEY (series, year)
	);

	CREATE TABLE IF NOT EXISTS voided_numbers (
		series TEXT NOT NULL,
		year INTEGER NOT NULL,
		number INTEGER NOT NULL,
		reason TEXT NOT NULL,
		voided_at TEXT NOT NULL,
		PRIMARY KEY (series, year, number)
	);

	CREATE TABLE IF NOT EXISTS system_events (
		position INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		actor TEXT NOT NULL,
		detail TEXT NOT NULL,
		hash_event TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_system_events_type_time
		ON system_events(event_type, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
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

// ----- ledger store -----

func (s *Store) Insert(ctx context.Context, record *models.IssuanceRecord) error {
	issuer, err := json.Marshal(record.Issuer)
	if err != nil {
		return fmt.Errorf("marshal issuer: %w", err)
	}
	recipient, err := json.Marshal(record.Recipient)
	if err != nil {
		return fmt.Errorf("marshal recipient: %w", err)
	}
	lines, err := json.Marshal(record.Lines)
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}
	taxes, err := json.Marshal(record.TaxBreakdown)
	if err != nil {
		return fmt.Errorf("marshal tax breakdown: %w", err)
	}

	const query = `
		INSERT INTO issuance_records (
			id, series, sequence_number, year,
			issuer_json, recipient_json, lines_json, tax_breakdown_json, total, description,
			hash_current, hash_previous, signature, issued_at, issued_by,
			state, chain_position
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		record.ID.String(), record.Series, record.SequenceNumber, record.Year,
		string(issuer), string(recipient), string(lines), string(taxes),
		record.Total.String(), record.Description,
		record.HashCurrent, record.HashPrevious, record.Signature,
		record.Timestamp.UTC().Format(timeLayout), record.IssuedBy,
		string(record.State), record.ChainPosition,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	return err
}

func (s *Store) InsertAnnulment(ctx context.Context, annulment *models.AnnulmentRecord) error {
	const query = `
		INSERT INTO annulment_records (
			id, target_id, reason,
			hash_current, hash_previous, signature, annulled_at, annulled_by,
			chain_position
		) VALUES (?,?,?,?,?,?,?,?,?)`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		annulment.ID.String(), annulment.TargetID.String(), annulment.Reason,
		annulment.HashCurrent, annulment.HashPrevious, annulment.Signature,
		annulment.Timestamp.UTC().Format(timeLayout), annulment.AnnulledBy,
		annulment.ChainPosition,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	return err
}

const recordColumns = `
	id, series, sequence_number, year,
	issuer_json, recipient_json, lines_json, tax_breakdown_json, total, description,
	hash_current, hash_previous, signature, issued_at, issued_by,
	state, chain_position`

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*models.IssuanceRecord, error) {
	query := `SELECT` + recordColumns + ` FROM issuance_records WHERE id = ?`
	row := s.execer(ctx).QueryRowContext(ctx, query, id.String())
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return record, err
}

func (s *Store) SetState(ctx context.Context, id uuid.UUID, from, to models.RecordState) error {
	const query = `UPDATE issuance_records SET state = ? WHERE id = ? AND state = ?`
	res, err := s.execer(ctx).ExecContext(ctx, query, string(to), id.String(), string(from))
	if err != nil {
		return err
	}
	return s.guardedUpdateResult(ctx, res, id)
}

func (s *Store) Tombstone(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE issuance_records
		SET state = 'deleted',
		    recipient_json = '{}',
		    lines_json = '[]',
		    tax_breakdown_json = '[]',
		    description = ''
		WHERE id = ? AND state = 'provisional'`
	res, err := s.execer(ctx).ExecContext(ctx, query, id.String())
	if err != nil {
		return err
	}
	return s.guardedUpdateResult(ctx, res, id)
}

func (s *Store) guardedUpdateResult(ctx context.Context, res sql.Result, id uuid.UUID) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	err = s.execer(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM issuance_records WHERE id = ?)`, id.String()).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrInvalidState
}

func (s *Store) Head(ctx context.Context) (string, int64, error) {
	const query = `
		SELECT hash_current, chain_position FROM (
			SELECT hash_current, chain_position FROM issuance_records
			UNION ALL
			SELECT hash_current, chain_position FROM annulment_records
		)
		ORDER BY chain_position DESC
		LIMIT 1`
	var hash string
	var position int64
	err := s.execer(ctx).QueryRowContext(ctx, query).Scan(&hash, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return hashchain.GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return hash, position, nil
}

func (s *Store) ListChain(ctx context.Context) ([]models.ChainEntry, error) {
	records, err := s.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	annulments, err := s.ListAnnulments(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]models.ChainEntry, 0, len(records)+len(annulments))
	for i := range records {
		r := &records[i]
		entry := models.ChainEntry{
			Position:     r.ChainPosition,
			Kind:         models.EntryIssuance,
			RecordID:     r.ID,
			HashCurrent:  r.HashCurrent,
			HashPrevious: r.HashPrevious,
		}
		if r.State != models.StateDeleted {
			entry.Payload = r.CanonicalPayload()
		}
		entries = append(entries, entry)
	}
	for i := range annulments {
		a := &annulments[i]
		entries = append(entries, models.ChainEntry{
			Position:     a.ChainPosition,
			Kind:         models.EntryAnnulment,
			RecordID:     a.ID,
			HashCurrent:  a.HashCurrent,
			HashPrevious: a.HashPrevious,
			Payload:      a.CanonicalPayload(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
	return entries, nil
}

func (s *Store) ListRecords(ctx context.Context) ([]models.IssuanceRecord, error) {
	query := `SELECT` + recordColumns + ` FROM issuance_records ORDER BY chain_position`
	rows, err := s.execer(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IssuanceRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
	}
	return out, rows.Err()
}

func (s *Store) ListAnnulments(ctx context.Context) ([]models.AnnulmentRecord, error) {
	const query = `
		SELECT id, target_id, reason, hash_current, hash_previous, signature,
		       annulled_at, annulled_by, chain_position
		FROM annulment_records
		ORDER BY chain_position`
	rows, err := s.execer(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AnnulmentRecord
	for rows.Next() {
		var a models.AnnulmentRecord
		var id, targetID, annulledAt string
		if err := rows.Scan(&id, &targetID, &a.Reason,
			&a.HashCurrent, &a.HashPrevious, &a.Signature,
			&annulledAt, &a.AnnulledBy, &a.ChainPosition); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse annulment id: %w", err)
		}
		if a.TargetID, err = uuid.Parse(targetID); err != nil {
			return nil, fmt.Errorf("parse annulment target id: %w", err)
		}
		if a.Timestamp, err = time.Parse(time.RFC3339Nano, annulledAt); err != nil {
			return nil, fmt.Errorf("parse annulment timestamp: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountByState(ctx context.Context) (map[models.RecordState]int64, error) {
	const query = `SELECT state, COUNT(*) FROM issuance_records GROUP BY state`
	rows, err := s.execer(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.RecordState]int64)
	for rows.Next() {
		var state string
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[models.RecordState(state)] = count
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.IssuanceRecord, error) {
	var r models.IssuanceRecord
	var id, issuer, recipient, lines, taxes, total, issuedAt, state string
	if err := row.Scan(
		&id, &r.Series, &r.SequenceNumber, &r.Year,
		&issuer, &recipient, &lines, &taxes, &total, &r.Description,
		&r.HashCurrent, &r.HashPrevious, &r.Signature, &issuedAt, &r.IssuedBy,
		&state, &r.ChainPosition,
	); err != nil {
		return nil, err
	}
	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	if err = json.Unmarshal([]byte(issuer), &r.Issuer); err != nil {
		return nil, fmt.Errorf("unmarshal issuer: %w", err)
	}
	if err = json.Unmarshal([]byte(recipient), &r.Recipient); err != nil {
		return nil, fmt.Errorf("unmarshal recipient: %w", err)
	}
	if err = json.Unmarshal([]byte(lines), &r.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal lines: %w", err)
	}
	if err = json.Unmarshal([]byte(taxes), &r.TaxBreakdown); err != nil {
		return nil, fmt.Errorf("unmarshal tax breakdown: %w", err)
	}
	if r.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, issuedAt); err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	r.State = models.RecordState(state)
	return &r, nil
}

// ----- counter store -----

func (s *Store) Next(ctx context.Context, series string, year int) (int64, error) {
	db := s.execer(ctx)
	_, err := db.ExecContext(ctx, `
		INSERT INTO invoice_counters (series, year, last_value)
		VALUES (?, ?, 1)
		ON CONFLICT (series, year) DO UPDATE SET last_value = last_value + 1`,
		series, year)
	if err != nil {
		return 0, fmt.Errorf("advance counter: %w", err)
	}

	var value int64
	err = db.QueryRowContext(ctx,
		`SELECT last_value FROM invoice_counters WHERE series = ? AND year = ?`,
		series, year).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return value, nil
}

func (s *Store) Current(ctx context.Context, series string, year int) (int64, error) {
	var value int64
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT last_value FROM invoice_counters WHERE series = ? AND year = ?`,
		series, year).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return value, err
}

func (s *Store) MarkVoid(ctx context.Context, series string, year int, number int64, reason string, at time.Time) error {
	current, err := s.Current(ctx, series, year)
	if err != nil {
		return err
	}
	if number < 1 || number > current {
		return sentinel.ErrInvalidState
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO voided_numbers (series, year, number, reason, voided_at)
		VALUES (?, ?, ?, ?, ?)`,
		series, year, number, reason, at.UTC().Format(timeLayout))
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	return err
}

func (s *Store) Voided(ctx context.Context, series string, year int) ([]int64, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT number FROM voided_numbers
		WHERE series = ? AND year = ?
		ORDER BY number`,
		series, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var numbers []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// ----- event store -----

func (s *Store) Append(ctx context.Context, event *eventlog.SystemEvent) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO system_events (id, event_type, timestamp, actor, detail, hash_event)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID.String(),
		string(event.Type),
		event.Timestamp.UTC().Format(timeLayout),
		event.Actor,
		event.Detail,
		event.HashEvent,
	)
	if err != nil {
		return fmt.Errorf("insert system event: %w", err)
	}
	event.Position, err = res.LastInsertId()
	return err
}

func (s *Store) List(ctx context.Context, filter eventlog.Filter) ([]eventlog.SystemEvent, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT position, id, event_type, timestamp, actor, detail, hash_event
		FROM system_events
		WHERE position > ?
	`)
	args := []any{filter.AfterPosition}

	if !filter.Since.IsZero() {
		query.WriteString(" AND timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		fmt.Fprintf(&query, " AND event_type IN (%s)", strings.Join(placeholders, ", "))
	}
	query.WriteString(" ORDER BY position")
	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
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
			id        string
			eventType string
			timestamp string
		)
		if err := rows.Scan(&e.Position, &id, &eventType, &timestamp, &e.Actor, &e.Detail, &e.HashEvent); err != nil {
			return nil, fmt.Errorf("scan system event: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		e.Type = eventlog.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) CountByType(ctx context.Context, since time.Time) (map[eventlog.EventType]int64, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM system_events WHERE timestamp >= ? GROUP BY event_type`,
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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
