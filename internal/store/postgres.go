package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stock-sync-service/internal/logger"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id BIGSERIAL PRIMARY KEY,
		source_id TEXT NOT NULL UNIQUE,
		destination_id TEXT NULL,
		name TEXT NOT NULL,
		source_price NUMERIC(12,2) NOT NULL DEFAULT 0,
		source_original_price NUMERIC(12,2) NOT NULL DEFAULT 0,
		destination_price NUMERIC(12,2) NOT NULL DEFAULT 0,
		margin NUMERIC(7,2) NULL,
		published_to_destination BOOLEAN NOT NULL DEFAULT FALSE,
		stock_status TEXT NOT NULL DEFAULT 'in_stock',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_probed_at TIMESTAMPTZ NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		listing_id BIGINT NOT NULL,
		source_price NUMERIC(12,2) NOT NULL,
		destination_price NUMERIC(12,2) NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_listing ON price_history (listing_id)`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		details TEXT,
		status TEXT NOT NULL DEFAULT 'success',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// pgxPool is the subset of *pgxpool.Pool the store uses.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore is the catalog store used when the storage URL points at Postgres.
type PostgresStore struct {
	pool pgxPool
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Log.Info("Connected to postgres", zap.String("host", cfg.ConnConfig.Host), zap.String("database", cfg.ConnConfig.Database))
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) GetPublishedListings(ctx context.Context) ([]Listing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, destination_id, name, source_price, source_original_price, destination_price,
		       margin, published_to_destination, stock_status, active, last_probed_at, updated_at
		FROM listings WHERE published_to_destination ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		var (
			l      Listing
			status string
		)
		if err := rows.Scan(
			&l.ID, &l.SourceID, &l.DestinationID, &l.Name,
			&l.SourcePrice, &l.SourceOriginalPrice, &l.DestinationPrice, &l.Margin,
			&l.PublishedToDestination, &status, &l.Active, &l.LastProbedAt, &l.UpdatedAt,
		); err != nil {
			return nil, err
		}
		l.StockStatus = StockStatus(status)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) RecordStockObservation(ctx context.Context, listingID int64, inStock bool, observedPrice decimal.Decimal) error {
	now := s.now()
	var (
		tag pgconn.CommandTag
		err error
	)
	if observedPrice.IsPositive() {
		tag, err = s.pool.Exec(ctx,
			`UPDATE listings SET stock_status = $1, active = $2, source_price = $3, last_probed_at = $4, updated_at = $4 WHERE id = $5`,
			string(StockStatusOf(inStock)), inStock, observedPrice, now, listingID)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE listings SET stock_status = $1, active = $2, last_probed_at = $3, updated_at = $3 WHERE id = $4`,
			string(StockStatusOf(inStock)), inStock, now, listingID)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %d: %w", listingID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) RecordDestinationPrice(ctx context.Context, listingID int64, price decimal.Decimal) error {
	now := s.now()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var sourcePrice decimal.Decimal
		err := tx.QueryRow(ctx,
			`UPDATE listings SET destination_price = $1, updated_at = $2 WHERE id = $3 RETURNING source_price`,
			price, now, listingID).Scan(&sourcePrice)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("listing %d: %w", listingID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO price_history (listing_id, source_price, destination_price, recorded_at) VALUES ($1, $2, $3, $4)`,
			listingID, sourcePrice, price, now)
		return err
	})
}

func (s *PostgresStore) Record(ctx context.Context, a Activity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activity_logs (action, details, status, created_at) VALUES ($1, $2, $3, $4)`,
		a.Action, a.Details, string(a.Status), s.now())
	return err
}

func (s *PostgresStore) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, action, COALESCE(details, ''), status, created_at FROM activity_logs ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var (
			a      Activity
			status string
		)
		if err := rows.Scan(&a.ID, &a.Action, &a.Details, &status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = ActivityStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value, s.now())
	return err
}
