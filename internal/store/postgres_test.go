package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return &PostgresStore{pool: mock, now: func() time.Time { return fixedNow }}, mock
}

func TestPostgresStore_RecordStockObservation(t *testing.T) {
	ctx := context.Background()

	t.Run("positive price updates source price", func(t *testing.T) {
		s, mock := newMockPostgres(t)
		mock.ExpectExec(q("SET stock_status = $1, active = $2, source_price = $3, last_probed_at = $4, updated_at = $4 WHERE id = $5")).
			WithArgs("in_stock", true, pgxmock.AnyArg(), fixedNow, int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.RecordStockObservation(ctx, 7, true, decimal.NewFromInt(110)))
	})

	t.Run("zero price keeps source price", func(t *testing.T) {
		s, mock := newMockPostgres(t)
		mock.ExpectExec(q("SET stock_status = $1, active = $2, last_probed_at = $3, updated_at = $3 WHERE id = $4")).
			WithArgs("out_of_stock", false, fixedNow, int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, s.RecordStockObservation(ctx, 7, false, decimal.Zero))
	})

	t.Run("missing listing", func(t *testing.T) {
		s, mock := newMockPostgres(t)
		mock.ExpectExec(q("UPDATE listings SET")).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := s.RecordStockObservation(ctx, 99, true, decimal.NewFromInt(50))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPostgresStore_Activity(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockPostgres(t)

	mock.ExpectExec(q("INSERT INTO activity_logs (action, details, status, created_at) VALUES ($1, $2, $3, $4)")).
		WithArgs("stock_sync", "run=r1 checked=3", "error", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Record(ctx, Activity{Action: "stock_sync", Details: "run=r1 checked=3", Status: ActivityError}))

	mock.ExpectQuery(q("FROM activity_logs ORDER BY created_at DESC, id DESC LIMIT $1")).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "action", "details", "status", "created_at"}).
			AddRow(int64(4), "stock_sync", "", "warning", fixedNow))

	entries, err := s.RecentActivity(ctx, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActivityWarning, entries[0].Status)
	assert.Equal(t, fixedNow, entries[0].CreatedAt)
}

func TestPostgresStore_Settings(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(q("SELECT value FROM settings WHERE key = $1")).
		WithArgs("exchange_rate").
		WillReturnError(pgx.ErrNoRows)
	_, ok, err := s.GetSetting(ctx, "exchange_rate")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(q("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value")).
		WithArgs("exchange_rate", "34.5", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SetSetting(ctx, "exchange_rate", "34.5"))

	mock.ExpectQuery(q("SELECT value FROM settings WHERE key = $1")).
		WithArgs("exchange_rate").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("34.5"))
	v, ok, err := s.GetSetting(ctx, "exchange_rate")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "34.5", v)

	mock.ExpectQuery(q("SELECT value FROM settings")).
		WithArgs("exchange_rate").
		WillReturnError(errors.New("conn busy"))
	_, _, err = s.GetSetting(ctx, "exchange_rate")
	assert.Error(t, err)
}
