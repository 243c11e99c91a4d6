package sync

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"stock-sync-service/internal/lock"
	"stock-sync-service/internal/marketplace"
	"stock-sync-service/internal/settings"
	"stock-sync-service/internal/store"
)

type fakeProber struct {
	mu       sync.Mutex
	results  map[string]marketplace.StockProbeResult
	calls    map[string]int
	panicFor string
	gate     chan struct{}
	entered  chan struct{}
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		results: make(map[string]marketplace.StockProbeResult),
		calls:   make(map[string]int),
	}
}

func (p *fakeProber) set(id string, inStock bool, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[id] = marketplace.StockProbeResult{
		SourceID: id,
		InStock:  inStock,
		Price:    decimal.RequireFromString(price),
		Variants: []marketplace.VariantStock{},
	}
}

func (p *fakeProber) fail(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[id] = marketplace.StockProbeResult{
		SourceID: id,
		Variants: []marketplace.VariantStock{},
		Err:      errors.New("connection reset"),
	}
}

func (p *fakeProber) Probe(ctx context.Context, sourceID string) marketplace.StockProbeResult {
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if p.entered != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
	}
	if p.gate != nil {
		<-p.gate
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[sourceID]++
	if sourceID == p.panicFor {
		panic("probe exploded")
	}
	res, ok := p.results[sourceID]
	if !ok {
		return marketplace.StockProbeResult{SourceID: sourceID, Variants: []marketplace.VariantStock{}, Err: errors.New("unknown listing")}
	}
	return res
}

type gatewayCall struct {
	DestinationID string
	Active        *bool
	Price         decimal.Decimal
}

type fakeGateway struct {
	mu         sync.Mutex
	calls      []gatewayCall
	failHide   map[string]bool
	failPrice  map[string]bool
	panicPrice bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failHide: map[string]bool{}, failPrice: map[string]bool{}}
}

func (g *fakeGateway) SetListingActive(_ context.Context, destinationID string, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gatewayCall{DestinationID: destinationID, Active: &active})
	if g.failHide[destinationID] {
		return errors.New("storefront unavailable")
	}
	return nil
}

func (g *fakeGateway) UpdatePrice(_ context.Context, destinationID string, price decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.panicPrice {
		panic("nil variant")
	}
	g.calls = append(g.calls, gatewayCall{DestinationID: destinationID, Price: price})
	if g.failPrice[destinationID] {
		return errors.New("422 unprocessable")
	}
	return nil
}

func (g *fakeGateway) hides(destinationID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.DestinationID == destinationID && c.Active != nil && !*c.Active {
			n++
		}
	}
	return n
}

func (g *fakeGateway) prices() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gatewayCall
	for _, c := range g.calls {
		if c.Active == nil {
			out = append(out, c)
		}
	}
	return out
}

type fixedPolicy struct {
	mu     sync.Mutex
	policy settings.Policy
	reads  int
}

func (p *fixedPolicy) Policy(context.Context) settings.Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return p.policy
}

type fixedRate decimal.Decimal

func (r fixedRate) Rate(context.Context) decimal.Decimal { return decimal.Decimal(r) }

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) types() []EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeLocker struct {
	err      error
	acquired atomic.Int32
	released atomic.Int32
}

func (l *fakeLocker) Acquire(context.Context) (lock.Release, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired.Add(1)
	return func(context.Context) error {
		l.released.Add(1)
		return nil
	}, nil
}

type failingCatalog struct {
	store.Catalog
}

func (failingCatalog) GetPublishedListings(context.Context) ([]store.Listing, error) {
	return nil, errors.New("dial tcp: connection refused")
}

type harness struct {
	store    *store.MemoryStore
	prober   *fakeProber
	gateway  *fakeGateway
	policy   *fixedPolicy
	notifier *recordingNotifier
	locker   *fakeLocker
	manager  *Manager
}

func defaultPolicy() settings.Policy {
	return settings.Policy{
		HideOutOfStock:      true,
		AutoPriceUpdate:     true,
		ConvertCurrency:     true,
		DefaultMargin:       decimal.NewFromInt(50),
		SyncIntervalMinutes: 30,
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		prober:   newFakeProber(),
		gateway:  newFakeGateway(),
		policy:   &fixedPolicy{policy: defaultPolicy()},
		notifier: &recordingNotifier{},
		locker:   &fakeLocker{},
	}
	if opts.PriceTolerance.IsZero() {
		opts.PriceTolerance = decimal.RequireFromString("0.01")
	}
	h.manager = NewManager(Deps{
		Catalog:  h.store,
		Activity: h.store,
		Prober:   h.prober,
		Gateway:  h.gateway,
		Policy:   h.policy,
		Rates:    fixedRate(decimal.NewFromInt(25)),
		Locker:   h.locker,
		Notifier: h.notifier,
	}, opts)
	return h
}

func (h *harness) add(t *testing.T, sourceID, destID, price string) store.Listing {
	t.Helper()
	l, err := h.store.AddListing(store.Listing{
		SourceID:               sourceID,
		DestinationID:          sql.NullString{String: destID, Valid: destID != ""},
		Name:                   "listing " + sourceID,
		SourcePrice:            decimal.RequireFromString(price),
		PublishedToDestination: destID != "",
		StockStatus:            store.InStock,
		Active:                 true,
	})
	require.NoError(t, err)
	return l
}

func (h *harness) listing(t *testing.T, id int64) store.Listing {
	t.Helper()
	l, err := h.store.GetListing(id)
	require.NoError(t, err)
	return l
}
