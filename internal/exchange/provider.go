// Package exchange resolves the source→destination currency rate used for listing prices.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stock-sync-service/internal/logger"
)

// maxRetryBackoff caps how long a failed refresh is not retried.
const maxRetryBackoff = time.Minute

type Options struct {
	URL         string // JSON document of the form {"rates":{"TRY":34.9}}; empty uses Fallback only
	Symbol      string
	TTL         time.Duration
	Fallback    decimal.Decimal
	HTTPTimeout time.Duration
}

// Provider caches the fetched rate for TTL. On fetch failure it serves the last known
// rate, or Fallback if none was ever fetched, and does not call upstream again until
// min(TTL, maxRetryBackoff) has passed.
type Provider struct {
	client   *resty.Client
	url      string
	symbol   string
	ttl      time.Duration
	fallback decimal.Decimal

	mu        sync.Mutex
	rate      decimal.Decimal
	fetchedAt time.Time
	retryAt   time.Time
	now       func() time.Time
}

func NewProvider(opts Options) (*Provider, error) {
	if !opts.Fallback.IsPositive() {
		return nil, errors.New("fallback exchange rate must be positive")
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Provider{
		client:   resty.New().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		url:      opts.URL,
		symbol:   opts.Symbol,
		ttl:      opts.TTL,
		fallback: opts.Fallback,
		now:      time.Now,
	}, nil
}

func (p *Provider) Rate(ctx context.Context) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.url == "" {
		return p.fallback
	}
	now := p.now()
	if !p.rate.IsZero() && now.Sub(p.fetchedAt) < p.ttl {
		return p.rate
	}
	if now.Before(p.retryAt) {
		return p.lastKnown()
	}

	rate, err := p.fetch(ctx)
	if err != nil {
		p.retryAt = now.Add(p.retryBackoff())
		last := p.lastKnown()
		logger.Log.Warn("Exchange rate refresh failed, using last known rate",
			zap.String("rate", last.String()),
			zap.Time("retry_at", p.retryAt),
			zap.Error(err),
		)
		return last
	}

	p.rate = rate
	p.fetchedAt = now
	p.retryAt = time.Time{}
	logger.Log.Info("Exchange rate updated", zap.String("symbol", p.symbol), zap.String("rate", rate.String()))
	return rate
}

func (p *Provider) lastKnown() decimal.Decimal {
	if p.rate.IsZero() {
		return p.fallback
	}
	return p.rate
}

func (p *Provider) retryBackoff() time.Duration {
	if p.ttl <= 0 {
		return maxRetryBackoff
	}
	return min(p.ttl, maxRetryBackoff)
}

func (p *Provider) fetch(ctx context.Context) (decimal.Decimal, error) {
	var doc struct {
		Rates map[string]decimal.Decimal `json:"rates"`
	}
	resp, err := p.client.R().SetContext(ctx).SetResult(&doc).Get(p.url)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("http status %d", resp.StatusCode())
	}
	rate, ok := doc.Rates[p.symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("rate %q missing from response", p.symbol)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("rate %q is not positive: %s", p.symbol, rate)
	}
	return rate.Round(4), nil
}
