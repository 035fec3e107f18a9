// Package postgres persists the invoice ledger in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/hashchain"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/sentinel"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/tx"
)

// timeLayout is a fixed-width UTC rendering with full nanosecond precision.
// Timestamps are stored as TEXT because they feed the canonical payload:
// a TIMESTAMPTZ column keeps only microseconds, and a record re-read with a
// rounded instant would re-hash to a different value than the one it was
// chained under.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// execer returns the transaction bound to ctx when present, so ledger
// writes share the caller's transaction.
func (s *Store) execer(ctx context.Context) execer {
	if t, ok := tx.From(ctx); ok {
		return t
	}
	return s.db
}

// Schema creates the ledger tables.
func (s *Store) Schema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS issuance_records (
	id UUID PRIMARY KEY,
	series TEXT NOT NULL,
	sequence_number BIGINT NOT NULL,
	year INT NOT NULL,
	issuer JSONB NOT NULL,
	recipient JSONB NOT NULL,
	lines JSONB NOT NULL,
	tax_breakdown JSONB NOT NULL,
	total TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	hash_current TEXT NOT NULL,
	hash_previous TEXT NOT NULL,
	signature TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	issued_by TEXT NOT NULL,
	state TEXT NOT NULL,
	chain_position BIGINT NOT NULL UNIQUE,
	UNIQUE (series, year, sequence_number)
);
CREATE TABLE IF NOT EXISTS annulment_records (
	id UUID PRIMARY KEY,
	target_id UUID NOT NULL REFERENCES issuance_records(id),
	reason TEXT NOT NULL,
	hash_current TEXT NOT NULL,
	hash_previous TEXT NOT NULL,
	signature TEXT NOT NULL,
	annulled_at TEXT NOT NULL,
	annulled_by TEXT NOT NULL,
	chain_position BIGINT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_issuance_records_state ON issuance_records(state);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

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
			issuer, recipient, lines, tax_breakdown, total, description,
			hash_current, hash_previous, signature, issued_at, issued_by,
			state, chain_position
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		record.ID, record.Series, record.SequenceNumber, record.Year,
		issuer, recipient, lines, taxes, record.Total.String(), record.Description,
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
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		annulment.ID, annulment.TargetID, annulment.Reason,
		annulment.HashCurrent, annulment.HashPrevious, annulment.Signature,
		annulment.Timestamp.UTC().Format(timeLayout), annulment.AnnulledBy, annulment.ChainPosition,
	)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	return err
}

const recordColumns = `
	id, series, sequence_number, year,
	issuer, recipient, lines, tax_breakdown, total, description,
	hash_current, hash_previous, signature, issued_at, issued_by,
	state, chain_position`

func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*models.IssuanceRecord, error) {
	query := `SELECT` + recordColumns + ` FROM issuance_records WHERE id = $1`
	row := s.execer(ctx).QueryRowContext(ctx, query, id)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	return record, err
}

func (s *Store) SetState(ctx context.Context, id uuid.UUID, from, to models.RecordState) error {
	const query = `UPDATE issuance_records SET state = $1 WHERE id = $2 AND state = $3`
	res, err := s.execer(ctx).ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return err
	}
	return s.guardedUpdateResult(ctx, res, id)
}

func (s *Store) Tombstone(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE issuance_records
		SET state = 'deleted',
		    recipient = '{}'::jsonb,
		    lines = '[]'::jsonb,
		    tax_breakdown = '[]'::jsonb,
		    description = ''
		WHERE id = $1 AND state = 'provisional'`
	res, err := s.execer(ctx).ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	return s.guardedUpdateResult(ctx, res, id)
}

// guardedUpdateResult disambiguates a zero-row guarded update: the record is
// either missing or not in the expected state.
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
		`SELECT EXISTS (SELECT 1 FROM issuance_records WHERE id = $1)`, id).Scan(&exists)
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
		) entries
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
		var annulledAt string
		if err := rows.Scan(&a.ID, &a.TargetID, &a.Reason,
			&a.HashCurrent, &a.HashPrevious, &a.Signature,
			&annulledAt, &a.AnnulledBy, &a.ChainPosition); err != nil {
			return nil, err
		}
		if a.Timestamp, err = time.Parse(time.RFC3339Nano, annulledAt); err != nil {
			return nil, fmt.Errorf("parse annulled_at: %w", err)
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
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*models.IssuanceRecord, error) {
	var r models.IssuanceRecord
	var issuer, recipient, lines, taxes []byte
	var total, state, issuedAt string
	if err := row.Scan(
		&r.ID, &r.Series, &r.SequenceNumber, &r.Year,
		&issuer, &recipient, &lines, &taxes, &total, &r.Description,
		&r.HashCurrent, &r.HashPrevious, &r.Signature, &issuedAt, &r.IssuedBy,
		&state, &r.ChainPosition,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(issuer, &r.Issuer); err != nil {
		return nil, fmt.Errorf("unmarshal issuer: %w", err)
	}
	if err := json.Unmarshal(recipient, &r.Recipient); err != nil {
		return nil, fmt.Errorf("unmarshal recipient: %w", err)
	}
	if err := json.Unmarshal(lines, &r.Lines); err != nil {
		return nil, fmt.Errorf("unmarshal lines: %w", err)
	}
	if err := json.Unmarshal(taxes, &r.TaxBreakdown); err != nil {
		return nil, fmt.Errorf("unmarshal tax breakdown: %w", err)
	}
	parsed, err := decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	r.Total = parsed
	r.State = models.RecordState(state)
	if r.Timestamp, err = time.Parse(time.RFC3339Nano, issuedAt); err != nil {
		return nil, fmt.Errorf("parse issued_at: %w", err)
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
