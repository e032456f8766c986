// Package config defines the top-level configuration for the simulator and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"leversim/internal/sim"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEVERSIM_* environment variables.
type Config struct {
	Risk     RiskConfig     `toml:"risk"`
	Fees     FeesConfig     `toml:"fees"`
	Slippage SlippageConfig `toml:"slippage"`
	Funding  FundingConfig  `toml:"funding"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ProfitTier maps a high-water-mark ROE threshold to a trail step.
type ProfitTier struct {
	MinROE    float64 `toml:"min_roe"`
	TrailStep float64 `toml:"trail_step"`
}

// RiskConfig holds position sizing and lifecycle parameters.
type RiskConfig struct {
	Leverage            float64      `toml:"leverage"`
	PositionSizePercent float64      `toml:"position_size_percent"`
	StopLossPercent     float64      `toml:"stop_loss_percent"`
	TakeProfitPercent   float64      `toml:"take_profit_percent"`
	TrailTriggerPercent float64      `toml:"trail_trigger_percent"`
	TrailStepPercent    float64      `toml:"trail_step_percent"`
	ProfitTiers         []ProfitTier `toml:"profit_tiers"`

	InsuranceEnabled          bool     `toml:"insurance_enabled"`
	InsuranceThresholdPercent float64  `toml:"insurance_threshold_percent"`
	InsuranceStressWinRate    float64  `toml:"insurance_stress_win_rate"`
	InsuranceWindow           duration `toml:"insurance_window"`
	InsuranceMinSample        int      `toml:"insurance_min_sample"`

	MaxOpenPositions          int     `toml:"max_open_positions"`
	MinPositionSize           float64 `toml:"min_position_size"`
	InitialBalance            float64 `toml:"initial_balance"`
	LiquidationMarginFraction float64 `toml:"liquidation_margin_fraction"`
	RequireFutures            bool    `toml:"require_futures"`
}

// FeesConfig holds maker/taker fee rates as fractions.
type FeesConfig struct {
	MakerRate float64 `toml:"maker_rate"`
	TakerRate float64 `toml:"taker_rate"`
}

// SlippageConfig holds the simulated slippage model parameters.
type SlippageConfig struct {
	BaseBps              float64 `toml:"base_bps"`
	SizeImpactFactor     float64 `toml:"size_impact_factor"`
	MinBps               float64 `toml:"min_bps"`
	MaxBps               float64 `toml:"max_bps"`
	VolatilityMultiplier float64 `toml:"volatility_multiplier"`
	ExitMultiplier       float64 `toml:"exit_multiplier"`
}

// FundingConfig holds the simulated funding parameters.
type FundingConfig struct {
	IntervalHours float64 `toml:"interval_hours"`
	Rate          float64 `toml:"rate"`
	NeutralRate   float64 `toml:"neutral_rate"`
}

// PostgresConfig holds PostgreSQL connection parameters for the trade ledger.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the price cache.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for ledger archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds market data ingestion parameters.
type FeedConfig struct {
	WsHost       string   `toml:"ws_host"`
	Symbols      []string `toml:"symbols"`
	TickInterval duration `toml:"tick_interval"`
	PriceTTL     duration `toml:"price_ttl"`
	FetchTimeout duration `toml:"fetch_timeout"`
}

// ArchiveConfig holds ledger archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
	BatchSize     int      `toml:"batch_size"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	risk := sim.DefaultRiskConfig()
	tiers := make([]ProfitTier, len(risk.ProfitTiers))
	for i, t := range risk.ProfitTiers {
		tiers[i] = ProfitTier{MinROE: t.MinROE, TrailStep: t.TrailStep}
	}
	return Config{
		Risk: RiskConfig{
			Leverage:                  risk.Leverage,
			PositionSizePercent:       risk.PositionSizePercent,
			StopLossPercent:           risk.StopLossPercent,
			TakeProfitPercent:         risk.TakeProfitPercent,
			TrailTriggerPercent:       risk.TrailTriggerPercent,
			TrailStepPercent:          risk.TrailStepPercent,
			ProfitTiers:               tiers,
			InsuranceEnabled:          risk.InsuranceEnabled,
			InsuranceThresholdPercent: risk.InsuranceThresholdPercent,
			InsuranceStressWinRate:    risk.InsuranceStressWinRate,
			InsuranceWindow:           duration{risk.InsuranceWindow},
			InsuranceMinSample:        risk.InsuranceMinSample,
			MaxOpenPositions:          risk.MaxOpenPositions,
			MinPositionSize:           risk.MinPositionSize,
			InitialBalance:            risk.InitialBalance,
			LiquidationMarginFraction: risk.LiquidationMarginFraction,
			RequireFutures:            risk.RequireFutures,
		},
		Fees: FeesConfig{
			MakerRate: risk.Fees.MakerRate,
			TakerRate: risk.Fees.TakerRate,
		},
		Slippage: SlippageConfig{
			BaseBps:              risk.Slippage.BaseBps,
			SizeImpactFactor:     risk.Slippage.SizeImpactFactor,
			MinBps:               risk.Slippage.MinBps,
			MaxBps:               risk.Slippage.MaxBps,
			VolatilityMultiplier: risk.Slippage.VolatilityMultiplier,
			ExitMultiplier:       risk.Slippage.ExitMultiplier,
		},
		Funding: FundingConfig{
			IntervalHours: risk.Funding.IntervalHours,
			Rate:          risk.Funding.Rate,
			NeutralRate:   risk.Funding.NeutralRate,
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "leversim",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "leversim-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			WsHost:       "wss://fstream.binance.com",
			Symbols:      []string{"BTCUSDT", "ETHUSDT"},
			TickInterval: duration{5 * time.Second},
			PriceTTL:     duration{30 * time.Second},
			FetchTimeout: duration{3 * time.Second},
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Interval:      duration{24 * time.Hour},
			BatchSize:     1000,
		},
		Notify: NotifyConfig{
			Events: []string{"position_opened", "position_closed", "error"},
		},
		Mode:     "trade",
		LogLevel: "info",
	}
}

// RiskConfig converts the file-level risk sections to the simulator's
// configuration.
func (c *Config) RiskConfig() sim.RiskConfig {
	tiers := make([]sim.ProfitTier, len(c.Risk.ProfitTiers))
	for i, t := range c.Risk.ProfitTiers {
		tiers[i] = sim.ProfitTier{MinROE: t.MinROE, TrailStep: t.TrailStep}
	}
	return sim.RiskConfig{
		Leverage:                  c.Risk.Leverage,
		PositionSizePercent:       c.Risk.PositionSizePercent,
		StopLossPercent:           c.Risk.StopLossPercent,
		TakeProfitPercent:         c.Risk.TakeProfitPercent,
		TrailTriggerPercent:       c.Risk.TrailTriggerPercent,
		TrailStepPercent:          c.Risk.TrailStepPercent,
		ProfitTiers:               tiers,
		InsuranceEnabled:          c.Risk.InsuranceEnabled,
		InsuranceThresholdPercent: c.Risk.InsuranceThresholdPercent,
		InsuranceStressWinRate:    c.Risk.InsuranceStressWinRate,
		InsuranceWindow:           c.Risk.InsuranceWindow.Duration,
		InsuranceMinSample:        c.Risk.InsuranceMinSample,
		MaxOpenPositions:          c.Risk.MaxOpenPositions,
		MinPositionSize:           c.Risk.MinPositionSize,
		InitialBalance:            c.Risk.InitialBalance,
		LiquidationMarginFraction: c.Risk.LiquidationMarginFraction,
		RequireFutures:            c.Risk.RequireFutures,
		Fees: sim.FeeConfig{
			MakerRate: c.Fees.MakerRate,
			TakerRate: c.Fees.TakerRate,
		},
		Slippage: sim.SlippageConfig{
			BaseBps:              c.Slippage.BaseBps,
			SizeImpactFactor:     c.Slippage.SizeImpactFactor,
			MinBps:               c.Slippage.MinBps,
			MaxBps:               c.Slippage.MaxBps,
			VolatilityMultiplier: c.Slippage.VolatilityMultiplier,
			ExitMultiplier:       c.Slippage.ExitMultiplier,
		},
		Funding: sim.FundingConfig{
			IntervalHours: c.Funding.IntervalHours,
			Rate:          c.Funding.Rate,
			NeutralRate:   c.Funding.NeutralRate,
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. Risk parameters get their
// full validation at simulator construction; this catches wiring-level
// problems early.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, monitor, archive)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3, only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, fmt.Sprintf("archive: retention_days must be >= 1, got %d", c.Archive.RetentionDays))
		}
		if c.Archive.BatchSize < 1 {
			errs = append(errs, fmt.Sprintf("archive: batch_size must be >= 1, got %d", c.Archive.BatchSize))
		}
	}

	// Feed
	if c.Mode == "trade" || c.Mode == "monitor" {
		if c.Feed.WsHost == "" {
			errs = append(errs, "feed: ws_host must not be empty")
		}
		if len(c.Feed.Symbols) == 0 {
			errs = append(errs, "feed: at least one symbol must be configured")
		}
		if c.Feed.TickInterval.Duration <= 0 {
			errs = append(errs, "feed: tick_interval must be > 0")
		}
		if c.Feed.PriceTTL.Duration <= 0 {
			errs = append(errs, "feed: price_ttl must be > 0")
		}
	}

	// Notify: chat id is useless without a token and vice versa.
	tg := c.Notify.TelegramToken != ""
	tc := c.Notify.TelegramChatID != ""
	if tg != tc {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
