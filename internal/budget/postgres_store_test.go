package budget

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Spent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT spent_cents FROM daily_spend WHERE day = $1")).
		WithArgs("2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"spent_cents"}).AddRow(1200))

	spent, err := store.Spent(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), spent)

	// No row yet for the day
	mock.ExpectQuery(regexp.QuoteMeta("SELECT spent_cents FROM daily_spend WHERE day = $1")).
		WithArgs("2026-03-02").
		WillReturnRows(sqlmock.NewRows([]string{"spent_cents"}))

	spent, err = store.Spent(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, int64(0), spent)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveGranted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	mock.ExpectQuery(`INSERT INTO daily_spend(.|\s)+WHERE EXCLUDED\.spent_cents <= \$3 - daily_spend\.spent_cents`).
		WithArgs("2026-03-01", int64(300), int64(50000)).
		WillReturnRows(sqlmock.NewRows([]string{"spent_cents"}).AddRow(800))

	ok, total, err := store.Reserve(context.Background(), "2026-03-01", 300, 50000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(800), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveRefused(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)

	// The conditional upsert's WHERE clause rejects the update, so RETURNING is empty.
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO daily_spend")).
		WithArgs("2026-03-01", int64(300), int64(1000)).
		WillReturnRows(sqlmock.NewRows([]string{"spent_cents"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT spent_cents FROM daily_spend")).
		WithArgs("2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"spent_cents"}).AddRow(900))

	ok, total, err := store.Reserve(context.Background(), "2026-03-01", 300, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(900), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveAboveCapSkipsUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT spent_cents FROM daily_spend")).
		WithArgs("2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"spent_cents"}))

	ok, total, err := store.Reserve(context.Background(), "2026-03-01", 2000, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ErrorsPropagate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO daily_spend")).
		WillReturnError(errors.New("connection reset by peer"))

	_, _, err = store.Reserve(context.Background(), "2026-03-01", 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS daily_spend")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, NewPostgresStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
