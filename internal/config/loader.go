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
// built-in defaults, applies EXCHANGE_* environment variable overrides, and
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

// applyEnvOverrides reads well-known EXCHANGE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXCHANGE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXCHANGE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXCHANGE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXCHANGE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXCHANGE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXCHANGE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXCHANGE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXCHANGE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXCHANGE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXCHANGE_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXCHANGE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXCHANGE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXCHANGE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXCHANGE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXCHANGE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXCHANGE_REDIS_TLS_ENABLED")

	// ── Circle ──
	setStr(&cfg.Circle.BaseURL, "EXCHANGE_CIRCLE_BASE_URL")
	setStr(&cfg.Circle.ApiKey, "EXCHANGE_CIRCLE_API_KEY")
	setStr(&cfg.Circle.EntitySecret, "EXCHANGE_CIRCLE_ENTITY_SECRET")
	setStr(&cfg.Circle.EncryptedSecretPath, "EXCHANGE_CIRCLE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Circle.SecretPassword, "EXCHANGE_CIRCLE_SECRET_PASSWORD")
	setStr(&cfg.Circle.EntityPublicKeyPath, "EXCHANGE_CIRCLE_ENTITY_PUBLIC_KEY_PATH")
	setStr(&cfg.Circle.WalletSetID, "EXCHANGE_CIRCLE_WALLET_SET_ID")
	setStr(&cfg.Circle.Blockchain, "EXCHANGE_CIRCLE_BLOCKCHAIN")
	setStr(&cfg.Circle.USDCTokenID, "EXCHANGE_CIRCLE_USDC_TOKEN_ID")

	// ── Solana ──
	setStr(&cfg.Solana.RpcURL, "EXCHANGE_SOLANA_RPC_URL")
	setStr(&cfg.Solana.USDCMint, "EXCHANGE_SOLANA_USDC_MINT")

	// ── Trading ──
	setInt64(&cfg.Trading.FeeBps, "EXCHANGE_TRADING_FEE_BPS")
	setDuration(&cfg.Trading.QueueTimeout, "EXCHANGE_TRADING_QUEUE_TIMEOUT")

	// ── Withdrawal ──
	setInt64(&cfg.Withdrawal.MinAmount, "EXCHANGE_WITHDRAWAL_MIN_AMOUNT")
	setInt64(&cfg.Withdrawal.MaxAmount, "EXCHANGE_WITHDRAWAL_MAX_AMOUNT")
	setDuration(&cfg.Withdrawal.DedupWindow, "EXCHANGE_WITHDRAWAL_DEDUP_WINDOW")
	setDuration(&cfg.Withdrawal.Cooldown, "EXCHANGE_WITHDRAWAL_COOLDOWN")
	setInt(&cfg.Withdrawal.MaxAttempts, "EXCHANGE_WITHDRAWAL_MAX_ATTEMPTS")
	setDuration(&cfg.Withdrawal.RetryBase, "EXCHANGE_WITHDRAWAL_RETRY_BASE")
	setDuration(&cfg.Withdrawal.PollInterval, "EXCHANGE_WITHDRAWAL_POLL_INTERVAL")
	setInt(&cfg.Withdrawal.ConfirmAttempts, "EXCHANGE_WITHDRAWAL_CONFIRM_ATTEMPTS")
	setDuration(&cfg.Withdrawal.ConfirmInterval, "EXCHANGE_WITHDRAWAL_CONFIRM_INTERVAL")
	setDuration(&cfg.Withdrawal.StaleLease, "EXCHANGE_WITHDRAWAL_STALE_LEASE")

	// ── Deposit ──
	setDuration(&cfg.Deposit.Interval, "EXCHANGE_DEPOSIT_INTERVAL")
	setInt(&cfg.Deposit.ScanLimit, "EXCHANGE_DEPOSIT_SCAN_LIMIT")
	setInt(&cfg.Deposit.FirstRunLookback, "EXCHANGE_DEPOSIT_FIRST_RUN_LOOKBACK")
	setInt64(&cfg.Deposit.MinAmount, "EXCHANGE_DEPOSIT_MIN_AMOUNT")
	setInt(&cfg.Deposit.RateLimit, "EXCHANGE_DEPOSIT_RATE_LIMIT")
	setDuration(&cfg.Deposit.RateWindow, "EXCHANGE_DEPOSIT_RATE_WINDOW")
	setStr(&cfg.Deposit.HotWalletAddress, "EXCHANGE_DEPOSIT_HOT_WALLET_ADDRESS")

	// ── Resolution ──
	setDuration(&cfg.Resolution.Interval, "EXCHANGE_RESOLUTION_INTERVAL")
	setInt(&cfg.Resolution.OptionLimit, "EXCHANGE_RESOLUTION_OPTION_LIMIT")
	setInt(&cfg.Resolution.BatchSize, "EXCHANGE_RESOLUTION_BATCH_SIZE")
	setInt(&cfg.Resolution.MarketLimit, "EXCHANGE_RESOLUTION_MARKET_LIMIT")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "EXCHANGE_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "EXCHANGE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "EXCHANGE_ARCHIVE_CRON")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "EXCHANGE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXCHANGE_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXCHANGE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXCHANGE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXCHANGE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXCHANGE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXCHANGE_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "EXCHANGE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "EXCHANGE_SERVER_PORT")
	setKeyValueMap(&cfg.Server.APIKeys, "EXCHANGE_SERVER_API_KEYS")
	setStringSlice(&cfg.Server.CORSOrigins, "EXCHANGE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "EXCHANGE_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "EXCHANGE_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXCHANGE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXCHANGE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXCHANGE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXCHANGE_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXCHANGE_MODE")
	setStr(&cfg.LogLevel, "EXCHANGE_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

// setKeyValueMap parses "token=user1,token2=user2" pairs into a map.
func setKeyValueMap(dst *map[string]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		k, val, ok := strings.Cut(pair, "=")
		if !ok || k == "" || val == "" {
			continue
		}
		out[k] = val
	}
	if len(out) > 0 {
		*dst = out
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
