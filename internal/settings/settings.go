package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stock-sync-service/internal/config"
	"stock-sync-service/internal/logger"
	"stock-sync-service/internal/store"
)

const (
	KeyHideOutOfStock  = "hide_out_of_stock"
	KeyAutoPriceUpdate = "auto_price_update"
	KeyConvertCurrency = "convert_currency"
	KeyProfitMargin    = "profit_margin"
	KeyExchangeRate    = "exchange_rate"
	KeySyncInterval    = "stock_sync_interval"
	KeyAutoStockSync   = "auto_stock_sync"
)

var ErrInvalidInterval = errors.New("interval must be at least 1 minute")

// Policy is the set of operator switches a reconciliation run consults.
// A zero ExchangeRate means no override is stored and the live provider rate applies.
type Policy struct {
	HideOutOfStock      bool
	AutoPriceUpdate     bool
	ConvertCurrency     bool
	DefaultMargin       decimal.Decimal
	ExchangeRate        decimal.Decimal
	SyncIntervalMinutes int
}

type Defaults struct {
	HideOutOfStock      bool
	AutoPriceUpdate     bool
	ConvertCurrency     bool
	DefaultMargin       decimal.Decimal
	SyncIntervalMinutes int
}

func DefaultsFromConfig(cfg *config.Config) Defaults {
	return Defaults{
		HideOutOfStock:      cfg.Sync.HideOutOfStock,
		AutoPriceUpdate:     cfg.Sync.AutoPriceUpdate,
		ConvertCurrency:     cfg.Pricing.ConvertCurrency,
		DefaultMargin:       decimal.NewFromFloat(cfg.Pricing.DefaultMargin),
		SyncIntervalMinutes: cfg.Scheduler.IntervalMinutes,
	}
}

// Reader reads the policy from the settings store on every call. Nothing is cached,
// so an operator change is visible to the next listing a run processes.
type Reader struct {
	store    store.Settings
	defaults Defaults
}

func NewReader(s store.Settings, defaults Defaults) *Reader {
	return &Reader{store: s, defaults: defaults}
}

func (r *Reader) Policy(ctx context.Context) Policy {
	return Policy{
		HideOutOfStock:      r.boolValue(ctx, KeyHideOutOfStock, r.defaults.HideOutOfStock),
		AutoPriceUpdate:     r.boolValue(ctx, KeyAutoPriceUpdate, r.defaults.AutoPriceUpdate),
		ConvertCurrency:     r.boolValue(ctx, KeyConvertCurrency, r.defaults.ConvertCurrency),
		DefaultMargin:       r.decimalValue(ctx, KeyProfitMargin, r.defaults.DefaultMargin),
		ExchangeRate:        r.exchangeRate(ctx),
		SyncIntervalMinutes: r.interval(ctx),
	}
}

func (r *Reader) Interval(ctx context.Context) int {
	return r.interval(ctx)
}

func (r *Reader) SetInterval(ctx context.Context, minutes int) error {
	if minutes < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidInterval, minutes)
	}
	return r.store.SetSetting(ctx, KeySyncInterval, strconv.Itoa(minutes))
}

func (r *Reader) AutoSync(ctx context.Context) (enabled bool, ok bool) {
	raw, ok := r.lookup(ctx, KeyAutoStockSync)
	if !ok {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.invalid(KeyAutoStockSync, raw, err)
		return false, false
	}
	return v, true
}

func (r *Reader) SetAutoSync(ctx context.Context, enabled bool) error {
	return r.store.SetSetting(ctx, KeyAutoStockSync, strconv.FormatBool(enabled))
}

func (r *Reader) interval(ctx context.Context) int {
	raw, ok := r.lookup(ctx, KeySyncInterval)
	if !ok {
		return r.defaults.SyncIntervalMinutes
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		r.invalid(KeySyncInterval, raw, err)
		return r.defaults.SyncIntervalMinutes
	}
	return n
}

func (r *Reader) exchangeRate(ctx context.Context) decimal.Decimal {
	raw, ok := r.lookup(ctx, KeyExchangeRate)
	if !ok || raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		r.invalid(KeyExchangeRate, raw, err)
		return decimal.Zero
	}
	return d
}

func (r *Reader) boolValue(ctx context.Context, key string, def bool) bool {
	raw, ok := r.lookup(ctx, key)
	if !ok {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		r.invalid(key, raw, err)
		return def
	}
	return v
}

func (r *Reader) decimalValue(ctx context.Context, key string, def decimal.Decimal) decimal.Decimal {
	raw, ok := r.lookup(ctx, key)
	if !ok {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		r.invalid(key, raw, err)
		return def
	}
	return d
}

func (r *Reader) lookup(ctx context.Context, key string) (string, bool) {
	raw, ok, err := r.store.GetSetting(ctx, key)
	if err != nil {
		logger.Log.Warn("Failed to read setting, using default", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return raw, ok
}

func (r *Reader) invalid(key, raw string, err error) {
	logger.Log.Warn("Invalid setting value, using default",
		zap.String("key", key),
		zap.String("value", raw),
		zap.Error(err),
	)
}
