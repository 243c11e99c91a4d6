package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is one entry of a listing's price history.
type PricePoint struct {
	ListingID        int64
	SourcePrice      decimal.Decimal
	DestinationPrice decimal.Decimal
	RecordedAt       time.Time
}

// MemoryStore keeps everything in process. It backs the "memory" storage type
// and the engine tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[int64]Listing
	history  []PricePoint
	activity []Activity
	settings map[string]string
	nextID   int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[int64]Listing),
		settings: make(map[string]string),
		now:      time.Now,
	}
}

// AddListing inserts or replaces a listing. A zero ID gets the next free one.
func (m *MemoryStore) AddListing(l Listing) (Listing, error) {
	if err := l.Validate(); err != nil {
		return Listing{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.ID == 0 {
		m.nextID++
		l.ID = m.nextID
	} else if l.ID > m.nextID {
		m.nextID = l.ID
	}
	if l.StockStatus == "" {
		l.StockStatus = InStock
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = m.now()
	}
	m.listings[l.ID] = l
	return l, nil
}

func (m *MemoryStore) GetListing(id int64) (Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return Listing{}, fmt.Errorf("listing %d: %w", id, ErrNotFound)
	}
	return l, nil
}

func (m *MemoryStore) PriceHistory(id int64) []PricePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PricePoint
	for _, p := range m.history {
		if p.ListingID == id {
			out = append(out, p)
		}
	}
	return out
}

func (m *MemoryStore) GetPublishedListings(ctx context.Context) ([]Listing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Listing
	for _, l := range m.listings {
		if l.PublishedToDestination {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) RecordStockObservation(ctx context.Context, listingID int64, inStock bool, observedPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return fmt.Errorf("listing %d: %w", listingID, ErrNotFound)
	}
	now := m.now()
	l.StockStatus = StockStatusOf(inStock)
	l.Active = inStock
	if observedPrice.IsPositive() {
		l.SourcePrice = observedPrice
	}
	l.LastProbedAt.Time, l.LastProbedAt.Valid = now, true
	l.UpdatedAt = now
	m.listings[listingID] = l
	return nil
}

func (m *MemoryStore) RecordDestinationPrice(ctx context.Context, listingID int64, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return fmt.Errorf("listing %d: %w", listingID, ErrNotFound)
	}
	now := m.now()
	l.DestinationPrice = price
	l.UpdatedAt = now
	m.listings[listingID] = l
	m.history = append(m.history, PricePoint{
		ListingID:        listingID,
		SourcePrice:      l.SourcePrice,
		DestinationPrice: price,
		RecordedAt:       now,
	})
	return nil
}

func (m *MemoryStore) Record(ctx context.Context, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.ID = int64(len(m.activity) + 1)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.activity = append(m.activity, a)
	return nil
}

// RecentActivity returns newest entries first.
func (m *MemoryStore) RecentActivity(ctx context.Context, limit int) ([]Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Activity, 0, len(m.activity))
	for i := len(m.activity) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.activity[i])
	}
	return out, nil
}

func (m *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemoryStore) Close() error { return nil }
