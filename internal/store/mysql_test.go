package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-sync-service/internal/database"
)

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newMockMySQL(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	s := NewMySQLStore(&database.Database{DB: db})
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func q(query string) string {
	return regexp.QuoteMeta(query)
}

func TestMySQLStore_GetPublishedListings(t *testing.T) {
	s, mock := newMockMySQL(t)

	cols := []string{"id", "source_id", "destination_id", "name", "source_price", "source_original_price",
		"destination_price", "margin", "published_to_destination", "stock_status", "active", "last_probed_at", "updated_at"}
	mock.ExpectQuery(q("FROM listings WHERE published_to_destination = TRUE ORDER BY id")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(1), "A", "dest-a", "lamp", "50.00", "55.00", "3.00", nil, true, "in_stock", true, nil, fixedNow).
			AddRow(int64(2), "B", "dest-b", "rug", "80.00", "80.00", "4.80", "20.00", true, "out_of_stock", false, fixedNow, fixedNow))

	listings, err := s.GetPublishedListings(context.Background())
	require.NoError(t, err)
	require.Len(t, listings, 2)

	assert.Equal(t, "dest-a", listings[0].DestinationID.String)
	assert.True(t, decimal.RequireFromString("50").Equal(listings[0].SourcePrice))
	assert.False(t, listings[0].Margin.Valid)
	assert.Equal(t, InStock, listings[0].StockStatus)
	assert.False(t, listings[0].LastProbedAt.Valid)

	assert.True(t, listings[1].Margin.Valid)
	assert.True(t, decimal.NewFromInt(20).Equal(listings[1].Margin.Decimal))
	assert.Equal(t, OutOfStock, listings[1].StockStatus)
	assert.False(t, listings[1].Active)
}

func TestMySQLStore_RecordStockObservation(t *testing.T) {
	ctx := context.Background()

	t.Run("positive price updates source price", func(t *testing.T) {
		s, mock := newMockMySQL(t)
		mock.ExpectExec(q("UPDATE listings SET stock_status = ?, active = ?, source_price = ?, last_probed_at = ?")).
			WithArgs("in_stock", true, decimal.NewFromInt(110), fixedNow, fixedNow, int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.RecordStockObservation(ctx, 7, true, decimal.NewFromInt(110)))
	})

	t.Run("zero price keeps source price", func(t *testing.T) {
		s, mock := newMockMySQL(t)
		mock.ExpectExec(q("UPDATE listings SET stock_status = ?, active = ?, last_probed_at = ?, updated_at = ? WHERE id = ?")).
			WithArgs("out_of_stock", false, fixedNow, fixedNow, int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.RecordStockObservation(ctx, 7, false, decimal.Zero))
	})

	t.Run("missing listing", func(t *testing.T) {
		s, mock := newMockMySQL(t)
		mock.ExpectExec(q("UPDATE listings SET")).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := s.RecordStockObservation(ctx, 99, true, decimal.NewFromInt(50))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMySQLStore_RecordDestinationPrice(t *testing.T) {
	ctx := context.Background()

	t.Run("updates price and appends history in one transaction", func(t *testing.T) {
		s, mock := newMockMySQL(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE listings SET destination_price = ?, updated_at = ? WHERE id = ?")).
			WithArgs(decimal.RequireFromString("6.6"), fixedNow, int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(q("INSERT INTO price_history (listing_id, source_price, destination_price, recorded_at)")).
			WithArgs(decimal.RequireFromString("6.6"), fixedNow, int64(3)).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, s.RecordDestinationPrice(ctx, 3, decimal.RequireFromString("6.6")))
	})

	t.Run("missing listing rolls back", func(t *testing.T) {
		s, mock := newMockMySQL(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE listings SET destination_price")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := s.RecordDestinationPrice(ctx, 99, decimal.NewFromInt(5))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("history insert failure rolls back", func(t *testing.T) {
		s, mock := newMockMySQL(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE listings SET destination_price")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(q("INSERT INTO price_history")).
			WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		err := s.RecordDestinationPrice(ctx, 3, decimal.NewFromInt(5))
		assert.EqualError(t, err, "disk full")
	})

	t.Run("rollback failure reports both errors", func(t *testing.T) {
		s, mock := newMockMySQL(t)
		mock.ExpectBegin()
		mock.ExpectExec(q("UPDATE listings SET destination_price")).
			WillReturnError(errors.New("deadlock"))
		mock.ExpectRollback().WillReturnError(sql.ErrConnDone)

		err := s.RecordDestinationPrice(ctx, 3, decimal.NewFromInt(5))
		assert.ErrorContains(t, err, "deadlock")
		assert.ErrorIs(t, err, sql.ErrConnDone)
	})
}

func TestMySQLStore_Activity(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockMySQL(t)

	mock.ExpectExec(q("INSERT INTO activity_logs (action, details, status, created_at) VALUES (?, ?, ?, ?)")).
		WithArgs("stock_sync", "run=r1 checked=3", "warning", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Record(ctx, Activity{Action: "stock_sync", Details: "run=r1 checked=3", Status: ActivityWarning}))

	mock.ExpectQuery(q("FROM activity_logs ORDER BY created_at DESC, id DESC LIMIT ?")).
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "details", "status", "created_at"}).
			AddRow(int64(2), "stock_sync", nil, "error", fixedNow).
			AddRow(int64(1), "stock_sync", "run=r1", "success", fixedNow.Add(-time.Hour)))

	entries, err := s.RecentActivity(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "", entries[0].Details)
	assert.Equal(t, ActivityError, entries[0].Status)
	assert.Equal(t, int64(1), entries[1].ID)
}

func TestMySQLStore_Settings(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockMySQL(t)

	mock.ExpectQuery(q("SELECT value FROM settings WHERE `key` = ?")).
		WithArgs("profit_margin").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, ok, err := s.GetSetting(ctx, "profit_margin")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(q("ON DUPLICATE KEY UPDATE value = VALUES(value)")).
		WithArgs("profit_margin", "40", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetSetting(ctx, "profit_margin", "40"))

	mock.ExpectQuery(q("SELECT value FROM settings WHERE `key` = ?")).
		WithArgs("profit_margin").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("40"))
	v, ok, err := s.GetSetting(ctx, "profit_margin")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "40", v)

	mock.ExpectQuery(q("SELECT value FROM settings")).
		WillReturnError(errors.New("connection reset"))
	_, _, err = s.GetSetting(ctx, "profit_margin")
	assert.Error(t, err)
}

func TestMySQLStore_Migrate(t *testing.T) {
	s, mock := newMockMySQL(t)
	for range mysqlSchema {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
}
