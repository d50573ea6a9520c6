package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the hash-chained trail in a SQLite table. Each row
// stores the exact chained line so verification hashes the same bytes the
// JSONL backend would.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an open database and runs the migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		ts TEXT NOT NULL,
		kind TEXT NOT NULL,
		decision_id TEXT NOT NULL DEFAULT '',
		tx_id TEXT NOT NULL DEFAULT '',
		line TEXT NOT NULL,
		hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_entries(decision_id);
	CREATE INDEX IF NOT EXISTS idx_audit_tx ON audit_entries(tx_id);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("audit: migrate sqlite: %w", err)
	}
	return nil
}

// Append inserts e in a single transaction with the chain tail lookup.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if e.ID != "" {
		var line string
		err := tx.QueryRowContext(ctx, "SELECT line FROM audit_entries WHERE id = ?", e.ID).Scan(&line)
		if err == nil {
			existing, perr := parseLine([]byte(line))
			return existing, false, perr
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, fmt.Errorf("audit: lookup id: %w", err)
		}
	}

	var lastSeq int64
	prevHash := GenesisHash
	err = tx.QueryRowContext(ctx, "SELECT seq, hash FROM audit_entries ORDER BY seq DESC LIMIT 1").Scan(&lastSeq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, fmt.Errorf("audit: read tail: %w", err)
	}

	e = e.stamp(lastSeq+1, prevHash)
	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: marshal entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_entries (seq, id, ts, kind, decision_id, tx_id, line, hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.Timestamp, string(e.Kind), e.DecisionID, e.TransactionID, string(line), HashLine(line),
	)
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, fmt.Errorf("audit: commit: %w", err)
	}
	return e, true, nil
}

// Query returns matching entries in append order.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	where = append(where, "seq > ?")
	args = append(args, f.AfterSeq)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.DecisionID != "" {
		where = append(where, "decision_id = ?")
		args = append(args, f.DecisionID)
	}
	if f.TransactionID != "" {
		where = append(where, "tx_id = ?")
		args = append(args, f.TransactionID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(TimestampFormat))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.Until.UTC().Format(TimestampFormat))
	}

	query := "SELECT line FROM audit_entries WHERE " + strings.Join(where, " AND ") + " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e, err := parseLine([]byte(line))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Rows came newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// At returns the entry with seq.
func (s *SQLiteStore) At(ctx context.Context, seq int64) (Entry, bool, error) {
	var line string
	err := s.db.QueryRowContext(ctx, "SELECT line FROM audit_entries WHERE seq = ?", seq).Scan(&line)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("audit: read seq %d: %w", seq, err)
	}
	e, err := parseLine([]byte(line))
	return e, err == nil, err
}

// Stats returns the stored range.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{LastHash: GenesisHash}
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MIN(seq), 0), COALESCE(MAX(seq), 0) FROM audit_entries",
	).Scan(&st.Count, &st.FirstSeq, &st.LastSeq)
	if err != nil {
		return Stats{}, fmt.Errorf("audit: stats: %w", err)
	}
	if st.Count > 0 {
		if err := s.db.QueryRowContext(ctx, "SELECT hash FROM audit_entries WHERE seq = ?", st.LastSeq).Scan(&st.LastHash); err != nil {
			return Stats{}, fmt.Errorf("audit: stats tail: %w", err)
		}
	}
	return st, nil
}

// Prune deletes entries below beforeSeq.
func (s *SQLiteStore) Prune(ctx context.Context, beforeSeq int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE seq < ?", beforeSeq)
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("audit: prune rows: %w", err)
	}
	return int(n), nil
}

// Lines returns the chained lines in seq order.
func (s *SQLiteStore) Lines(ctx context.Context) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT line FROM audit_entries ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("audit: read lines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out [][]byte
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, []byte(line))
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func parseLine(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, fmt.Errorf("audit: parse entry: %w", err)
	}
	return e, nil
}
