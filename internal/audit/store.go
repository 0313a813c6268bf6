// Package audit persists every verdict observed on the output topic so
// the verifier can detect duplicate or conflicting verdicts across its
// own restarts, not just within one run.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ismaiel54/order-details-service/internal/msg"
)

// Store is a sqlite-backed verdict journal
type Store struct {
	db *sql.DB
}

// Verdict is one journal row
type Verdict struct {
	OrderID             string
	CheckType           string
	Result              string
	FirstSeenUnixMillis int64
	TimesSeen           int64
}

// Open creates or opens the verdict journal
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS verdicts (
		order_id TEXT NOT NULL,
		check_type TEXT NOT NULL,
		result TEXT NOT NULL,
		first_seen_unix_millis INTEGER NOT NULL,
		times_seen INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (order_id, check_type)
	)`)
	if err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}
	return nil
}

// RecordVerdict journals one observed verdict. It returns true when a
// verdict for the same order and check was already journaled, i.e. the
// delivery is a duplicate that exactly-once should have prevented.
func (s *Store) RecordVerdict(ctx context.Context, v msg.OrderValidation, nowMillis int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seen int64
	err = tx.QueryRowContext(ctx,
		"SELECT times_seen FROM verdicts WHERE order_id = ? AND check_type = ?",
		v.OrderID, v.CheckType,
	).Scan(&seen)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO verdicts (order_id, check_type, result, first_seen_unix_millis, times_seen)
			 VALUES (?, ?, ?, ?, 1)`,
			v.OrderID, v.CheckType, v.Result, nowMillis,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert verdict: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to check existing verdict: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE verdicts SET times_seen = times_seen + 1 WHERE order_id = ? AND check_type = ?",
		v.OrderID, v.CheckType,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update verdict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Duplicates returns every verdict seen more than once
func (s *Store) Duplicates(ctx context.Context) ([]Verdict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, check_type, result, first_seen_unix_millis, times_seen
		 FROM verdicts
		 WHERE times_seen > 1
		 ORDER BY order_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicates: %w", err)
	}
	defer rows.Close()

	var out []Verdict
	for rows.Next() {
		var v Verdict
		if err := rows.Scan(&v.OrderID, &v.CheckType, &v.Result, &v.FirstSeenUnixMillis, &v.TimesSeen); err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Counts returns total deliveries and unique verdicts journaled
func (s *Store) Counts(ctx context.Context) (total, unique int64, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(times_seen), 0), COUNT(*) FROM verdicts",
	).Scan(&total, &unique)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count verdicts: %w", err)
	}
	return total, unique, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
