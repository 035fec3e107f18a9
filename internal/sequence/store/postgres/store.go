// Package postgres implements the counter store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	txcontext "github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/tx"
)

// Store allocates sequence numbers from a dedicated counter row per
// (series, year). The upsert increments and reads in one statement, so two
// concurrent allocators serialize on the row lock instead of observing the
// same "last number" and colliding.
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

// Schema creates the counter tables. Idempotent.
func (s *Store) Schema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS invoice_counters (
			series     TEXT   NOT NULL,
			year       INT    NOT NULL,
			last_value BIGINT NOT NULL,
			PRIMARY KEY (series, year)
		);
		CREATE TABLE IF NOT EXISTS voided_numbers (
			series    TEXT      NOT NULL,
			year      INT       NOT NULL,
			number    BIGINT    NOT NULL,
			reason    TEXT      NOT NULL,
			voided_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (series, year, number)
		);
	`)
	if err != nil {
		return fmt.Errorf("create counter schema: %w", err)
	}
	return nil
}

func (s *Store) Next(ctx context.Context, series string, year int) (int64, error) {
	query := `
		INSERT INTO invoice_counters (series, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (series, year)
		DO UPDATE SET last_value = invoice_counters.last_value + 1
		RETURNING last_value
	`
	var next int64
	if err := s.execer(ctx).QueryRowContext(ctx, query, series, year).Scan(&next); err != nil {
		return 0, fmt.Errorf("allocate sequence %s/%d: %w", series, year, err)
	}
	return next, nil
}

func (s *Store) Current(ctx context.Context, series string, year int) (int64, error) {
	var current int64
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT last_value FROM invoice_counters WHERE series = $1 AND year = $2`,
		series, year,
	).Scan(&current)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s/%d: %w", series, year, err)
	}
	return current, nil
}

func (s *Store) MarkVoid(ctx context.Context, series string, year int, number int64, reason string, at time.Time) error {
	current, err := s.Current(ctx, series, year)
	if err != nil {
		return err
	}
	if number < 1 || number > current {
		return fmt.Errorf("cannot void number %d: never allocated for %s/%d", number, series, year)
	}
	_, err = s.execer(ctx).ExecContext(ctx,
		`INSERT INTO voided_numbers (series, year, number, reason, voided_at) VALUES ($1, $2, $3, $4, $5)`,
		series, year, number, reason, at,
	)
	if err != nil {
		return fmt.Errorf("void number %s-%d/%d: %w", series, number, year, err)
	}
	return nil
}

func (s *Store) Voided(ctx context.Context, series string, year int) ([]int64, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT number FROM voided_numbers WHERE series = $1 AND year = $2 ORDER BY number`,
		series, year,
	)
	if err != nil {
		return nil, fmt.Errorf("query voided numbers: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan voided number: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
