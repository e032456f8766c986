package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies LEVERSIM_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known LEVERSIM_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Risk ──
	setFloat64(&cfg.Risk.Leverage, "LEVERSIM_RISK_LEVERAGE")
	setFloat64(&cfg.Risk.PositionSizePercent, "LEVERSIM_RISK_POSITION_SIZE_PERCENT")
	setFloat64(&cfg.Risk.StopLossPercent, "LEVERSIM_RISK_STOP_LOSS_PERCENT")
	setFloat64(&cfg.Risk.TakeProfitPercent, "LEVERSIM_RISK_TAKE_PROFIT_PERCENT")
	setFloat64(&cfg.Risk.TrailTriggerPercent, "LEVERSIM_RISK_TRAIL_TRIGGER_PERCENT")
	setFloat64(&cfg.Risk.TrailStepPercent, "LEVERSIM_RISK_TRAIL_STEP_PERCENT")
	setBool(&cfg.Risk.InsuranceEnabled, "LEVERSIM_RISK_INSURANCE_ENABLED")
	setFloat64(&cfg.Risk.InsuranceThresholdPercent, "LEVERSIM_RISK_INSURANCE_THRESHOLD_PERCENT")
	setFloat64(&cfg.Risk.InsuranceStressWinRate, "LEVERSIM_RISK_INSURANCE_STRESS_WIN_RATE")
	setDuration(&cfg.Risk.InsuranceWindow, "LEVERSIM_RISK_INSURANCE_WINDOW")
	setInt(&cfg.Risk.InsuranceMinSample, "LEVERSIM_RISK_INSURANCE_MIN_SAMPLE")
	setInt(&cfg.Risk.MaxOpenPositions, "LEVERSIM_RISK_MAX_OPEN_POSITIONS")
	setFloat64(&cfg.Risk.MinPositionSize, "LEVERSIM_RISK_MIN_POSITION_SIZE")
	setFloat64(&cfg.Risk.InitialBalance, "LEVERSIM_RISK_INITIAL_BALANCE")
	setFloat64(&cfg.Risk.LiquidationMarginFraction, "LEVERSIM_RISK_LIQUIDATION_MARGIN_FRACTION")
	setBool(&cfg.Risk.RequireFutures, "LEVERSIM_RISK_REQUIRE_FUTURES")

	// ── Fees / slippage / funding ──
	setFloat64(&cfg.Fees.MakerRate, "LEVERSIM_FEES_MAKER_RATE")
	setFloat64(&cfg.Fees.TakerRate, "LEVERSIM_FEES_TAKER_RATE")
	setFloat64(&cfg.Slippage.BaseBps, "LEVERSIM_SLIPPAGE_BASE_BPS")
	setFloat64(&cfg.Slippage.SizeImpactFactor, "LEVERSIM_SLIPPAGE_SIZE_IMPACT_FACTOR")
	setFloat64(&cfg.Slippage.MinBps, "LEVERSIM_SLIPPAGE_MIN_BPS")
	setFloat64(&cfg.Slippage.MaxBps, "LEVERSIM_SLIPPAGE_MAX_BPS")
	setFloat64(&cfg.Slippage.VolatilityMultiplier, "LEVERSIM_SLIPPAGE_VOLATILITY_MULTIPLIER")
	setFloat64(&cfg.Slippage.ExitMultiplier, "LEVERSIM_SLIPPAGE_EXIT_MULTIPLIER")
	setFloat64(&cfg.Funding.IntervalHours, "LEVERSIM_FUNDING_INTERVAL_HOURS")
	setFloat64(&cfg.Funding.Rate, "LEVERSIM_FUNDING_RATE")
	setFloat64(&cfg.Funding.NeutralRate, "LEVERSIM_FUNDING_NEUTRAL_RATE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "LEVERSIM_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "LEVERSIM_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "LEVERSIM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "LEVERSIM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "LEVERSIM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "LEVERSIM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "LEVERSIM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "LEVERSIM_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "LEVERSIM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "LEVERSIM_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "LEVERSIM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "LEVERSIM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEVERSIM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEVERSIM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "LEVERSIM_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "LEVERSIM_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "LEVERSIM_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "LEVERSIM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "LEVERSIM_S3_REGION")
	setStr(&cfg.S3.Bucket, "LEVERSIM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "LEVERSIM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "LEVERSIM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "LEVERSIM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "LEVERSIM_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setStr(&cfg.Feed.WsHost, "LEVERSIM_FEED_WS_HOST")
	setStringSlice(&cfg.Feed.Symbols, "LEVERSIM_FEED_SYMBOLS")
	setDuration(&cfg.Feed.TickInterval, "LEVERSIM_FEED_TICK_INTERVAL")
	setDuration(&cfg.Feed.PriceTTL, "LEVERSIM_FEED_PRICE_TTL")
	setDuration(&cfg.Feed.FetchTimeout, "LEVERSIM_FEED_FETCH_TIMEOUT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "LEVERSIM_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "LEVERSIM_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "LEVERSIM_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.BatchSize, "LEVERSIM_ARCHIVE_BATCH_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "LEVERSIM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "LEVERSIM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "LEVERSIM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "LEVERSIM_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "LEVERSIM_MODE")
	setStr(&cfg.LogLevel, "LEVERSIM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
