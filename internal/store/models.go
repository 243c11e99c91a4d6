package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidListing = errors.New("invalid listing")
)

type StockStatus string

const (
	InStock    StockStatus = "in_stock"
	OutOfStock StockStatus = "out_of_stock"
)

func StockStatusOf(inStock bool) StockStatus {
	if inStock {
		return InStock
	}
	return OutOfStock
}

// Listing is a catalog entry mirrored from the source marketplace to the storefront.
type Listing struct {
	ID                     int64               `db:"id" json:"id"`
	SourceID               string              `db:"source_id" json:"source_id"`
	DestinationID          sql.NullString      `db:"destination_id" json:"-"`
	Name                   string              `db:"name" json:"name"`
	SourcePrice            decimal.Decimal     `db:"source_price" json:"source_price"`
	SourceOriginalPrice    decimal.Decimal     `db:"source_original_price" json:"source_original_price"`
	DestinationPrice       decimal.Decimal     `db:"destination_price" json:"destination_price"`
	Margin                 decimal.NullDecimal `db:"margin" json:"-"`
	PublishedToDestination bool                `db:"published_to_destination" json:"published_to_destination"`
	StockStatus            StockStatus         `db:"stock_status" json:"stock_status"`
	Active                 bool                `db:"active" json:"active"`
	LastProbedAt           sql.NullTime        `db:"last_probed_at" json:"-"`
	UpdatedAt              time.Time           `db:"updated_at" json:"updated_at"`
}

// Validate checks that a published listing has a destination id.
func (l Listing) Validate() error {
	if l.SourceID == "" {
		return errors.Join(ErrInvalidListing, errors.New("source id is required"))
	}
	if l.PublishedToDestination && (!l.DestinationID.Valid || l.DestinationID.String == "") {
		return errors.Join(ErrInvalidListing, errors.New("published listing has no destination id"))
	}
	return nil
}

func (l Listing) HasDestination() bool {
	return l.DestinationID.Valid && l.DestinationID.String != ""
}

type ActivityStatus string

const (
	ActivitySuccess ActivityStatus = "success"
	ActivityWarning ActivityStatus = "warning"
	ActivityError   ActivityStatus = "error"
)

type Activity struct {
	ID        int64          `db:"id" json:"id"`
	Action    string         `db:"action" json:"action"`
	Details   string         `db:"details" json:"details"`
	Status    ActivityStatus `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
