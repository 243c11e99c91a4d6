package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	StateStorage StateStorage      `mapstructure:"state_storage"`
	Marketplace  MarketplaceConfig `mapstructure:"marketplace"`
	Storefront   StorefrontConfig  `mapstructure:"storefront"`
	Pricing      PricingConfig     `mapstructure:"pricing"`
	Sync         SyncConfig        `mapstructure:"sync"`
	Scheduler    SchedulerConfig   `mapstructure:"scheduler"`
	Lock         LockConfig        `mapstructure:"lock"`
	Logging      LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	AuthToken    string        `mapstructure:"auth_token"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StateStorage selects the catalog backend. Type is one of mysql, postgres or memory.
type StateStorage struct {
	Type     string `mapstructure:"type"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	URL      string `mapstructure:"url"` // Postgres DSN, overrides host/port when set
}

type MarketplaceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	DetailPath     string        `mapstructure:"detail_path"`
	UserAgent      string        `mapstructure:"user_agent"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Jitter         time.Duration `mapstructure:"jitter"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RetryCount     int           `mapstructure:"retry_count"`
}

type StorefrontConfig struct {
	ShopName    string        `mapstructure:"shop_name"`
	AccessToken string        `mapstructure:"access_token"`
	APIVersion  string        `mapstructure:"api_version"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type PricingConfig struct {
	DefaultMargin       float64       `mapstructure:"default_margin"`
	DefaultExchangeRate float64       `mapstructure:"default_exchange_rate"`
	ExchangeRateURL     string        `mapstructure:"exchange_rate_url"`
	RateSymbol          string        `mapstructure:"rate_symbol"`
	RateTTL             time.Duration `mapstructure:"rate_ttl"`
	ConvertCurrency     bool          `mapstructure:"convert_currency"`
}

type SyncConfig struct {
	HideOutOfStock  bool    `mapstructure:"hide_out_of_stock"`
	AutoPriceUpdate bool    `mapstructure:"auto_price_update"`
	PriceTolerance  float64 `mapstructure:"price_tolerance"`
	MaxDetails      int     `mapstructure:"max_details"`
}

type SchedulerConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	RunOnStart      bool `mapstructure:"run_on_start"`
}

type LockConfig struct {
	RedisAddress string        `mapstructure:"redis_address"`
	RedisDB      int           `mapstructure:"redis_db"`
	Key          string        `mapstructure:"key"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads path (if it exists), applies STOCKSYNC_* environment overrides
// and fills every unset key with its default. A .env file in the working
// directory is loaded into the environment first.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !isMissingFile(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STOCKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("state_storage.url", "STOCKSYNC_STATE_STORAGE_URL", "DATABASE_URL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "mysql", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported state_storage.type %q", c.StateStorage.Type)
	}
	if c.StateStorage.Type == "postgres" && c.StateStorage.URL == "" {
		return errors.New("state_storage.url (or DATABASE_URL) is required for postgres")
	}
	if c.Scheduler.IntervalMinutes < 1 {
		return fmt.Errorf("scheduler.interval_minutes must be >= 1, got %d", c.Scheduler.IntervalMinutes)
	}
	if c.Marketplace.MaxConcurrency < 1 {
		return fmt.Errorf("marketplace.max_concurrency must be >= 1, got %d", c.Marketplace.MaxConcurrency)
	}
	if c.Pricing.DefaultExchangeRate <= 0 {
		return fmt.Errorf("pricing.default_exchange_rate must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "10m")

	v.SetDefault("state_storage.type", "memory")
	v.SetDefault("state_storage.host", "localhost")
	v.SetDefault("state_storage.port", 3306)
	v.SetDefault("state_storage.user", "root")
	v.SetDefault("state_storage.database", "dropship")

	v.SetDefault("marketplace.base_url", "https://apigw.trendyol.com")
	v.SetDefault("marketplace.detail_path", "/discovery-web-productgw-service/api/productDetail/{id}")
	v.SetDefault("marketplace.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("marketplace.max_concurrency", 5)
	v.SetDefault("marketplace.requests_per_sec", 10.0)
	v.SetDefault("marketplace.jitter", "100ms")
	v.SetDefault("marketplace.probe_timeout", "10s")
	v.SetDefault("marketplace.retry_count", 2)

	v.SetDefault("storefront.api_version", "2024-01")
	v.SetDefault("storefront.timeout", "20s")

	v.SetDefault("pricing.default_margin", 50.0)
	v.SetDefault("pricing.default_exchange_rate", 35.0)
	v.SetDefault("pricing.rate_symbol", "TRY")
	v.SetDefault("pricing.rate_ttl", "1h")
	v.SetDefault("pricing.convert_currency", true)

	v.SetDefault("sync.hide_out_of_stock", true)
	v.SetDefault("sync.auto_price_update", true)
	v.SetDefault("sync.price_tolerance", 0.01)
	v.SetDefault("sync.max_details", 100)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval_minutes", 30)
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("lock.key", "stock-sync:run")
	v.SetDefault("lock.ttl", "30m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
