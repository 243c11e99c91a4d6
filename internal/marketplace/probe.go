// Package marketplace probes live stock and price for source marketplace listings.
package marketplace

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"stock-sync-service/internal/logger"
)

const DefaultMaxConcurrency = 5

type ProberOptions struct {
	MaxConcurrency int
	RequestsPerSec float64 // <= 0 disables the shared limiter
	Jitter         time.Duration
	Timeout        time.Duration
}

// Prober issues stock lookups. Every lookup, single or bulk, shares one rate limiter.
type Prober struct {
	transport      Transport
	limiter        *rate.Limiter
	maxConcurrency int
	jitter         time.Duration
	timeout        time.Duration
	now            func() time.Time
}

func NewProber(transport Transport, opts ProberOptions) *Prober {
	limit := rate.Inf
	if opts.RequestsPerSec > 0 {
		limit = rate.Limit(opts.RequestsPerSec)
	}
	maxConc := opts.MaxConcurrency
	if maxConc < 1 {
		maxConc = DefaultMaxConcurrency
	}
	return &Prober{
		transport:      transport,
		limiter:        rate.NewLimiter(limit, 1),
		maxConcurrency: maxConc,
		jitter:         opts.Jitter,
		timeout:        opts.Timeout,
		now:            time.Now,
	}
}

func (p *Prober) MaxConcurrency() int {
	return p.maxConcurrency
}

// Probe never fails: transport or parse errors yield a degraded result with Err set.
func (p *Prober) Probe(ctx context.Context, sourceID string) StockProbeResult {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if err := p.pace(ctx); err != nil {
		return p.degrade(sourceID, err)
	}

	raw, err := p.transport.FetchDetail(ctx, sourceID)
	if err != nil {
		return p.degrade(sourceID, err)
	}

	res, err := ParseDetail(sourceID, raw, p.now())
	if err != nil {
		return p.degrade(sourceID, err)
	}
	return res
}

// ProbeMany probes ids with at most MaxConcurrency requests in flight.
func (p *Prober) ProbeMany(ctx context.Context, ids []string) map[string]StockProbeResult {
	results := make(map[string]StockProbeResult, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			res := p.Probe(gctx, id)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// CheckStockForPurchase verifies availability right before a purchase. A requested variant
// that the marketplace does not report is treated as unavailable.
func (p *Prober) CheckStockForPurchase(ctx context.Context, sourceID, variantLabel string) PurchaseCheck {
	res := p.Probe(ctx, sourceID)
	return purchaseCheck(res, variantLabel)
}

func purchaseCheck(res StockProbeResult, variantLabel string) PurchaseCheck {
	if res.Degraded() {
		return PurchaseCheck{Available: false, Reason: fmt.Sprintf("stock check failed: %v", res.Err), CurrentPrice: decimal.Zero}
	}
	if !res.InStock {
		return PurchaseCheck{Available: false, Reason: "listing is out of stock", CurrentPrice: decimal.Zero}
	}

	label := strings.TrimSpace(variantLabel)
	if label == "" {
		return PurchaseCheck{Available: true, Reason: "in stock", CurrentPrice: res.Price}
	}

	for _, v := range res.Variants {
		if !strings.EqualFold(v.Label, label) {
			continue
		}
		if v.InStock {
			return PurchaseCheck{Available: true, Reason: "in stock", CurrentPrice: v.Price}
		}
		return PurchaseCheck{Available: false, Reason: fmt.Sprintf("variant %q is out of stock", label), CurrentPrice: decimal.Zero}
	}
	return PurchaseCheck{Available: false, Reason: fmt.Sprintf("variant %q not found", label), CurrentPrice: decimal.Zero}
}

func (p *Prober) pace(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if p.jitter <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(rand.Int64N(int64(p.jitter))))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) degrade(sourceID string, err error) StockProbeResult {
	logger.Log.Warn("Stock probe degraded",
		zap.String("sourceID", sourceID),
		zap.Error(err),
	)
	return degraded(sourceID, p.now(), err)
}
