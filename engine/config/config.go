// Package config loads the engine configuration: per-queue limits, API rate
// budgets, breaker tuning, the background schedule, and retention.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// QueueConfig tunes one task queue.
type QueueConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	MaxRetries       int           `mapstructure:"max_retries"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// RateConfig is one external API's token budget. Keys are the rotating
// credentials for that API; an empty list means a single anonymous bucket.
type RateConfig struct {
	Capacity     int      `mapstructure:"capacity"`
	RefillPerSec float64  `mapstructure:"refill_per_sec"`
	Keys         []string `mapstructure:"keys"`
}

// MarketConfig bounds the market-hours trading window.
type MarketConfig struct {
	Timezone string `mapstructure:"timezone"`
	Open     string `mapstructure:"open"`  // "09:15"
	Close    string `mapstructure:"close"` // "15:30"
}

// RetentionConfig bounds terminal-task retention.
type RetentionConfig struct {
	Completed time.Duration `mapstructure:"completed"`
	Failed    time.Duration `mapstructure:"failed"`
	Sweep     time.Duration `mapstructure:"sweep"`
}

// MonitorConfig tunes the health monitor: how often it samples and the
// thresholds past which a queue raises an alert.
type MonitorConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	DepthLimit     int           `mapstructure:"depth_limit"`
	OldestAge      time.Duration `mapstructure:"oldest_age"`
	ErrorRate      float64       `mapstructure:"error_rate"`
	ErrorRateFloor int           `mapstructure:"error_rate_floor"`
}

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	Backend  string `mapstructure:"backend"` // "sqlite", "postgres", "memory"
	SQLite   string `mapstructure:"sqlite_path"`
	Postgres string `mapstructure:"postgres_url"`
}

// RedisConfig points the idempotency store at Redis. Addr empty means the
// in-process fallback cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ClientConfig points one outbound client at its upstream. An empty BaseURL
// selects the built-in simulator, which serves deterministic data for
// development runs without live credentials.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ClientsConfig holds the outbound collaborator endpoints.
type ClientsConfig struct {
	Broker     ClientConfig `mapstructure:"broker"`
	LLM        ClientConfig `mapstructure:"llm"`
	MarketData ClientConfig `mapstructure:"market_data"`
}

// Config is the full engine configuration, loaded once at startup. The
// running engine works from this snapshot; edits require a restart except for
// the pause/resume and clear controls exposed on the API.
type Config struct {
	ListenAddr          string                 `mapstructure:"listen_addr"`
	LogLevel            string                 `mapstructure:"log_level"`
	Queues              map[string]QueueConfig `mapstructure:"queues"`
	Rates               map[string]RateConfig  `mapstructure:"rates"`
	Market              MarketConfig           `mapstructure:"market"`
	Retention           RetentionConfig        `mapstructure:"retention"`
	Monitor             MonitorConfig          `mapstructure:"monitor"`
	Store               StoreConfig            `mapstructure:"store"`
	Redis               RedisConfig            `mapstructure:"redis"`
	Clients             ClientsConfig          `mapstructure:"clients"`
	StarvationThreshold time.Duration          `mapstructure:"starvation_threshold"`
	CancelGrace         time.Duration          `mapstructure:"cancel_grace"`
	RetryBase           time.Duration          `mapstructure:"retry_base"`
	RetryCap            time.Duration          `mapstructure:"retry_cap"`
}

func defaultQueue() QueueConfig {
	return QueueConfig{
		Enabled:          true,
		MaxConcurrent:    4,
		MaxRetries:       3,
		DefaultTimeout:   2 * time.Minute,
		BreakerThreshold: 5,
		BreakerWindow:    60 * time.Second,
		BreakerCooldown:  30 * time.Second,
	}
}

// Defaults returns the built-in configuration: three queues at four slots
// each, NSE market hours, and the standard retention windows.
func Defaults() Config {
	return Config{
		ListenAddr: ":8090",
		LogLevel:   "info",
		Queues: map[string]QueueConfig{
			"portfolio_sync": defaultQueue(),
			"data_fetcher":   defaultQueue(),
			"ai_analysis":    defaultQueue(),
		},
		Rates: map[string]RateConfig{},
		Market: MarketConfig{
			Timezone: "Asia/Kolkata",
			Open:     "09:15",
			Close:    "15:30",
		},
		Retention: RetentionConfig{
			Completed: 24 * time.Hour,
			Failed:    7 * 24 * time.Hour,
			Sweep:     time.Hour,
		},
		Monitor: MonitorConfig{
			Interval:       15 * time.Second,
			DepthLimit:     500,
			OldestAge:      30 * time.Minute,
			ErrorRate:      0.5,
			ErrorRateFloor: 10,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			SQLite:  "tradeforge.db",
		},
		Redis: RedisConfig{
			TTL: 24 * time.Hour,
		},
		StarvationThreshold: 10 * time.Minute,
		CancelGrace:         5 * time.Second,
		RetryBase:           time.Second,
		RetryCap:            5 * time.Minute,
	}
}

// Load reads the config file (path may be empty for defaults + env) and
// unmarshals it over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRADEFORGE")
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("market.timezone", d.Market.Timezone)
	v.SetDefault("market.open", d.Market.Open)
	v.SetDefault("market.close", d.Market.Close)
	v.SetDefault("retention.completed", d.Retention.Completed)
	v.SetDefault("retention.failed", d.Retention.Failed)
	v.SetDefault("retention.sweep", d.Retention.Sweep)
	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.depth_limit", d.Monitor.DepthLimit)
	v.SetDefault("monitor.oldest_age", d.Monitor.OldestAge)
	v.SetDefault("monitor.error_rate", d.Monitor.ErrorRate)
	v.SetDefault("monitor.error_rate_floor", d.Monitor.ErrorRateFloor)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.sqlite_path", d.Store.SQLite)
	v.SetDefault("redis.ttl", d.Redis.TTL)
	v.SetDefault("starvation_threshold", d.StarvationThreshold)
	v.SetDefault("cancel_grace", d.CancelGrace)
	v.SetDefault("retry_base", d.RetryBase)
	v.SetDefault("retry_cap", d.RetryCap)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradeforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tradeforge")
	}
	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := d
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.fillQueueDefaults()
	cfg.fillMonitorDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillQueueDefaults() {
	if c.Queues == nil {
		c.Queues = Defaults().Queues
		return
	}
	for name, q := range c.Queues {
		d := defaultQueue()
		if q.MaxConcurrent <= 0 {
			q.MaxConcurrent = d.MaxConcurrent
		}
		if q.MaxRetries < 0 {
			q.MaxRetries = d.MaxRetries
		}
		if q.DefaultTimeout <= 0 {
			q.DefaultTimeout = d.DefaultTimeout
		}
		if q.BreakerThreshold <= 0 {
			q.BreakerThreshold = d.BreakerThreshold
		}
		if q.BreakerWindow <= 0 {
			q.BreakerWindow = d.BreakerWindow
		}
		if q.BreakerCooldown <= 0 {
			q.BreakerCooldown = d.BreakerCooldown
		}
		c.Queues[name] = q
	}
	for _, name := range []string{"portfolio_sync", "data_fetcher", "ai_analysis"} {
		if _, ok := c.Queues[name]; !ok {
			c.Queues[name] = defaultQueue()
		}
	}
}

func (c *Config) fillMonitorDefaults() {
	d := Defaults().Monitor
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = d.Interval
	}
	if c.Monitor.DepthLimit <= 0 {
		c.Monitor.DepthLimit = d.DepthLimit
	}
	if c.Monitor.OldestAge <= 0 {
		c.Monitor.OldestAge = d.OldestAge
	}
	if c.Monitor.ErrorRate <= 0 {
		c.Monitor.ErrorRate = d.ErrorRate
	}
	if c.Monitor.ErrorRateFloor <= 0 {
		c.Monitor.ErrorRateFloor = d.ErrorRateFloor
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.Postgres == "" {
		return fmt.Errorf("store.postgres_url required for postgres backend")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	for _, field := range []string{c.Market.Open, c.Market.Close} {
		if _, err := time.Parse("15:04", field); err != nil {
			return fmt.Errorf("market window %q: %w", field, err)
		}
	}
	for api, r := range c.Rates {
		if r.Capacity <= 0 || r.RefillPerSec <= 0 {
			return fmt.Errorf("rate budget %q needs positive capacity and refill", api)
		}
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.ErrorRate <= 0 || c.Monitor.ErrorRate > 1 {
		return fmt.Errorf("monitor.error_rate %v outside (0, 1]", c.Monitor.ErrorRate)
	}
	return nil
}

// MarketWindow parses the configured window into a location and open/close
// minute offsets from midnight.
func (c *Config) MarketWindow() (loc *time.Location, openMin, closeMin int, err error) {
	loc, err = time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return nil, 0, 0, err
	}
	open, err := time.Parse("15:04", c.Market.Open)
	if err != nil {
		return nil, 0, 0, err
	}
	close, err := time.Parse("15:04", c.Market.Close)
	if err != nil {
		return nil, 0, 0, err
	}
	return loc, open.Hour()*60 + open.Minute(), close.Hour()*60 + close.Minute(), nil
}
