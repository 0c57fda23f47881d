// Package store persists records in SQLite and reads them back in stable
// pages for egress.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tobyfield/feedbridge/internal/record"
)

// Store wraps the people table.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// BulkInsert persists a batch in one transaction with duplicate-tolerant
// semantics: rows colliding with an existing (name, sex) pair are skipped,
// not updated and not an error. Returns the number of rows actually
// inserted, which may be less than len(recs).
func (s *Store) BulkInsert(ctx context.Context, recs []record.Record) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO people (name, sex, created_at)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	inserted := 0
	for _, r := range recs {
		res, err := stmt.Exec(r.Name, string(r.Sex), now)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %q/%s: %w", r.Name, r.Sex, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert tx: %w", err)
	}
	return inserted, nil
}

// Page reads one fixed-size page ordered by the surrogate id, ascending.
// An empty result signals exhaustion. Assumes no concurrent writer during
// an egress run; inserts mid-run can cause rows to be skipped or repeated.
func (s *Store) Page(ctx context.Context, limit, offset int) ([]record.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sex
		FROM people
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query page: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var r record.Record
		var sex string
		if err := rows.Scan(&r.ID, &r.Name, &sex); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Sex = record.Sex(sex)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading page: %w", err)
	}
	return out, nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM people`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count people: %w", err)
	}
	return n, nil
}
