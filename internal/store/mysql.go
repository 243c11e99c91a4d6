package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stock-sync-service/internal/database"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		source_id VARCHAR(64) NOT NULL,
		destination_id VARCHAR(64) NULL,
		name VARCHAR(512) NOT NULL,
		source_price DECIMAL(12,2) NOT NULL DEFAULT 0,
		source_original_price DECIMAL(12,2) NOT NULL DEFAULT 0,
		destination_price DECIMAL(12,2) NOT NULL DEFAULT 0,
		margin DECIMAL(7,2) NULL,
		published_to_destination BOOLEAN NOT NULL DEFAULT FALSE,
		stock_status VARCHAR(16) NOT NULL DEFAULT 'in_stock',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_probed_at DATETIME NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_listings_source (source_id)
	)`,
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		listing_id BIGINT NOT NULL,
		source_price DECIMAL(12,2) NOT NULL,
		destination_price DECIMAL(12,2) NOT NULL,
		recorded_at DATETIME NOT NULL,
		KEY idx_price_history_listing (listing_id)
	)`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		action VARCHAR(64) NOT NULL,
		details TEXT,
		status VARCHAR(16) NOT NULL DEFAULT 'success',
		created_at DATETIME NOT NULL
	)`,
	"CREATE TABLE IF NOT EXISTS settings (`key` VARCHAR(128) PRIMARY KEY, value TEXT NOT NULL, updated_at DATETIME NOT NULL)",
}

type MySQLStore struct {
	db  *database.Database
	now func() time.Time
}

func NewMySQLStore(db *database.Database) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

func (s *MySQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) GetPublishedListings(ctx context.Context) ([]Listing, error) {
	query := `SELECT id, source_id, destination_id, name, source_price, source_original_price, destination_price,
			  margin, published_to_destination, stock_status, active, last_probed_at, updated_at
			  FROM listings WHERE published_to_destination = TRUE ORDER BY id`

	rows, err := s.db.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []Listing
	for rows.Next() {
		var l Listing
		err := rows.Scan(
			&l.ID,
			&l.SourceID,
			&l.DestinationID,
			&l.Name,
			&l.SourcePrice,
			&l.SourceOriginalPrice,
			&l.DestinationPrice,
			&l.Margin,
			&l.PublishedToDestination,
			&l.StockStatus,
			&l.Active,
			&l.LastProbedAt,
			&l.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}

	return listings, rows.Err()
}

func (s *MySQLStore) RecordStockObservation(ctx context.Context, listingID int64, inStock bool, observedPrice decimal.Decimal) error {
	now := s.now()
	var (
		res sql.Result
		err error
	)
	if observedPrice.IsPositive() {
		res, err = s.db.DB.ExecContext(ctx,
			`UPDATE listings SET stock_status = ?, active = ?, source_price = ?, last_probed_at = ?, updated_at = ? WHERE id = ?`,
			StockStatusOf(inStock), inStock, observedPrice, now, now, listingID)
	} else {
		res, err = s.db.DB.ExecContext(ctx,
			`UPDATE listings SET stock_status = ?, active = ?, last_probed_at = ?, updated_at = ? WHERE id = ?`,
			StockStatusOf(inStock), inStock, now, now, listingID)
	}
	if err != nil {
		return err
	}
	return requireRow(res, listingID)
}

// RecordDestinationPrice updates the storefront price and appends a price_history row.
func (s *MySQLStore) RecordDestinationPrice(ctx context.Context, listingID int64, price decimal.Decimal) error {
	now := s.now()
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE listings SET destination_price = ?, updated_at = ? WHERE id = ?`,
			price, now, listingID)
		if err != nil {
			return err
		}
		if err := requireRow(res, listingID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO price_history (listing_id, source_price, destination_price, recorded_at)
			 SELECT id, source_price, ?, ? FROM listings WHERE id = ?`,
			price, now, listingID)
		return err
	})
}

func (s *MySQLStore) Record(ctx context.Context, a Activity) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO activity_logs (action, details, status, created_at) VALUES (?, ?, ?, ?)`,
		a.Action, a.Details, a.Status, s.now())
	return err
}

func (s *MySQLStore) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, action, details, status, created_at FROM activity_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var details sql.NullString
		if err := rows.Scan(&a.ID, &a.Action, &details, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Details = details.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.DB.QueryRowContext(ctx, "SELECT value FROM settings WHERE `key` = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *MySQLStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.DB.ExecContext(ctx,
		"INSERT INTO settings (`key`, value, updated_at) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)",
		key, value, s.now())
	return err
}

func requireRow(res sql.Result, listingID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("listing %d: %w", listingID, ErrNotFound)
	}
	return nil
}
