package store

import (
	"context"

	"github.com/shopspring/decimal"
)

type Catalog interface {
	GetPublishedListings(ctx context.Context) ([]Listing, error)
	// RecordStockObservation stores the observed stock state. A zero observedPrice
	// means the price is unknown and keeps the stored source price.
	RecordStockObservation(ctx context.Context, listingID int64, inStock bool, observedPrice decimal.Decimal) error
	RecordDestinationPrice(ctx context.Context, listingID int64, price decimal.Decimal) error
}

type ActivityLog interface {
	Record(ctx context.Context, activity Activity) error
	RecentActivity(ctx context.Context, limit int) ([]Activity, error)
}

type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

type Store interface {
	Catalog
	ActivityLog
	Settings

	Close() error
}
