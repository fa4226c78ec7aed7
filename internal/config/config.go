// Package config defines the top-level configuration for the exchange
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXCHANGE_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Circle     CircleConfig     `toml:"circle"`
	Solana     SolanaConfig     `toml:"solana"`
	Trading    TradingConfig    `toml:"trading"`
	Withdrawal WithdrawalConfig `toml:"withdrawal"`
	Deposit    DepositConfig    `toml:"deposit"`
	Resolution ResolutionConfig `toml:"resolution"`
	Archive    ArchiveConfig    `toml:"archive"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// CircleConfig holds the custodial wallet provider credentials.
type CircleConfig struct {
	BaseURL             string `toml:"base_url"`
	ApiKey              string `toml:"api_key"`
	EntitySecret        string `toml:"entity_secret"`
	EncryptedSecretPath string `toml:"encrypted_secret_path"`
	SecretPassword      string `toml:"secret_password"`
	EntityPublicKeyPath string `toml:"entity_public_key_path"`
	WalletSetID         string `toml:"wallet_set_id"`
	Blockchain          string `toml:"blockchain"`
	USDCTokenID         string `toml:"usdc_token_id"`
}

// SolanaConfig holds the RPC node endpoint and token mint parameters.
type SolanaConfig struct {
	RpcURL   string `toml:"rpc_url"`
	USDCMint string `toml:"usdc_mint"`
}

// TradingConfig holds trade execution parameters.
type TradingConfig struct {
	FeeBps       int64    `toml:"fee_bps"`
	QueueTimeout duration `toml:"queue_timeout"`
}

// WithdrawalConfig holds withdrawal pipeline parameters. Amounts are
// micro-USDC.
type WithdrawalConfig struct {
	MinAmount       int64    `toml:"min_amount"`
	MaxAmount       int64    `toml:"max_amount"`
	DedupWindow     duration `toml:"dedup_window"`
	Cooldown        duration `toml:"cooldown"`
	MaxAttempts     int      `toml:"max_attempts"`
	RetryBase       duration `toml:"retry_base"`
	PollInterval    duration `toml:"poll_interval"`
	ConfirmAttempts int      `toml:"confirm_attempts"`
	ConfirmInterval duration `toml:"confirm_interval"`
	StaleLease      duration `toml:"stale_lease"` // reclaim processing rows older than this
}

// DepositConfig holds deposit scanner parameters.
type DepositConfig struct {
	Interval         duration `toml:"interval"`
	ScanLimit        int      `toml:"scan_limit"`
	FirstRunLookback int      `toml:"first_run_lookback"`
	MinAmount        int64    `toml:"min_amount"`
	RateLimit        int      `toml:"rate_limit"`
	RateWindow       duration `toml:"rate_window"`
	HotWalletAddress string   `toml:"hot_wallet_address"`
}

// ResolutionConfig holds resolution processor parameters.
type ResolutionConfig struct {
	Interval    duration `toml:"interval"`
	OptionLimit int      `toml:"option_limit"`
	BatchSize   int      `toml:"batch_size"`
	MarketLimit int      `toml:"market_limit"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters. APIKeys maps bearer tokens to
// the user ID they authenticate as; an empty map disables authentication.
type ServerConfig struct {
	Enabled     bool              `toml:"enabled"`
	Port        int               `toml:"port"`
	APIKeys     map[string]string `toml:"api_keys"`
	CORSOrigins []string          `toml:"cors_origins"`
	RateLimit   int               `toml:"rate_limit"` // requests per client IP per window; 0 disables
	RateWindow  duration          `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "exchange",
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
		Circle: CircleConfig{
			BaseURL:    "https://api.circle.com/v1/w3s",
			Blockchain: "SOL",
		},
		Solana: SolanaConfig{
			RpcURL:   "https://api.mainnet-beta.solana.com",
			USDCMint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		},
		Trading: TradingConfig{
			FeeBps:       200,
			QueueTimeout: duration{10 * time.Second},
		},
		Withdrawal: WithdrawalConfig{
			MinAmount:       1_000_000,      // 1 USDC
			MaxAmount:       10_000_000_000, // 10,000 USDC
			DedupWindow:     duration{10 * time.Second},
			Cooldown:        duration{30 * time.Second},
			MaxAttempts:     3,
			RetryBase:       duration{2 * time.Second},
			PollInterval:    duration{5 * time.Second},
			ConfirmAttempts: 10,
			ConfirmInterval: duration{2 * time.Second},
			StaleLease:      duration{5 * time.Minute},
		},
		Deposit: DepositConfig{
			Interval:         duration{30 * time.Second},
			ScanLimit:        100,
			FirstRunLookback: 25,
			MinAmount:        10_000, // 0.01 USDC dust floor
			RateLimit:        10,
			RateWindow:       duration{time.Hour},
		},
		Resolution: ResolutionConfig{
			Interval:    duration{time.Minute},
			OptionLimit: 10,
			BatchSize:   100,
			MarketLimit: 20,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			RetentionDays: 90,
			Cron:          "0 3 1 * *",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exchange-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"withdrawal_failed", "sweep_failed", "payout_completed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":     true,
	"workers": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, workers, full)", c.Mode))
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

	// Circle — workers move real funds, so credentials are mandatory outside
	// pure API mode.
	needsCustody := c.Mode == "workers" || c.Mode == "full"
	if needsCustody {
		if c.Circle.ApiKey == "" {
			errs = append(errs, "circle: api_key is required for mode "+c.Mode)
		}
		if c.Circle.EntitySecret == "" && c.Circle.EncryptedSecretPath == "" {
			errs = append(errs, "circle: either entity_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
		if c.Circle.EncryptedSecretPath != "" && c.Circle.SecretPassword == "" {
			errs = append(errs, "circle: secret_password is required when encrypted_secret_path is set")
		}
		if c.Circle.EntityPublicKeyPath == "" {
			errs = append(errs, "circle: entity_public_key_path must not be empty for mode "+c.Mode)
		}
		if c.Circle.WalletSetID == "" {
			errs = append(errs, "circle: wallet_set_id must not be empty for mode "+c.Mode)
		}
		if c.Circle.USDCTokenID == "" {
			errs = append(errs, "circle: usdc_token_id must not be empty for mode "+c.Mode)
		}
	}
	if c.Circle.BaseURL == "" {
		errs = append(errs, "circle: base_url must not be empty")
	}

	// Solana
	if needsCustody {
		if c.Solana.RpcURL == "" {
			errs = append(errs, "solana: rpc_url must not be empty for mode "+c.Mode)
		}
		if c.Solana.USDCMint == "" {
			errs = append(errs, "solana: usdc_mint must not be empty for mode "+c.Mode)
		}
	}

	// Trading
	if c.Trading.FeeBps < 0 || c.Trading.FeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("trading: fee_bps must be in [0, 10000), got %d", c.Trading.FeeBps))
	}
	if c.Trading.QueueTimeout.Duration <= 0 {
		errs = append(errs, "trading: queue_timeout must be positive")
	}

	// Withdrawal
	if c.Withdrawal.MinAmount <= 0 {
		errs = append(errs, "withdrawal: min_amount must be > 0")
	}
	if c.Withdrawal.MaxAmount < c.Withdrawal.MinAmount {
		errs = append(errs, "withdrawal: max_amount must be >= min_amount")
	}
	if c.Withdrawal.MaxAttempts < 1 {
		errs = append(errs, "withdrawal: max_attempts must be >= 1")
	}

	// Deposit
	if c.Deposit.ScanLimit < 1 {
		errs = append(errs, "deposit: scan_limit must be >= 1")
	}
	if c.Deposit.MinAmount < 0 {
		errs = append(errs, "deposit: min_amount must be >= 0")
	}

	// Resolution
	if c.Resolution.BatchSize < 1 {
		errs = append(errs, "resolution: batch_size must be >= 1")
	}

	// Archive
	if c.Archive.Enabled {
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1 when enabled")
		}
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
