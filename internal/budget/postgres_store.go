package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore opens dsn with the lib/pq driver and ensures the table exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the daily_spend table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS daily_spend (
		day TEXT PRIMARY KEY,
		spent_cents BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("migrate daily_spend: %w", err)
	}
	return nil
}

func (s *PostgresStore) Spent(ctx context.Context, day string) (int64, error) {
	row := s.db.QueryRowContext(ctx, "SELECT spent_cents FROM daily_spend WHERE day = $1", day)
	var spent int64
	err := row.Scan(&spent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get spend: %w", err)
	}
	return spent, nil
}

// Reserve performs a conditional upsert: the row is only updated when the
// new total fits under the cap, so concurrent reservations cannot overshoot.
func (s *PostgresStore) Reserve(ctx context.Context, day string, amount, limit int64) (bool, int64, error) {
	if amount > limit {
		spent, err := s.Spent(ctx, day)
		return false, spent, err
	}
	query := `
		INSERT INTO daily_spend (day, spent_cents, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (day) DO UPDATE SET
			spent_cents = daily_spend.spent_cents + EXCLUDED.spent_cents,
			updated_at = NOW()
		WHERE EXCLUDED.spent_cents <= $3 - daily_spend.spent_cents
		RETURNING spent_cents
	`
	row := s.db.QueryRowContext(ctx, query, day, amount, limit)
	var total int64
	err := row.Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		spent, serr := s.Spent(ctx, day)
		return false, spent, serr
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to reserve spend: %w", err)
	}
	return true, total, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
