package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	s3blob "github.com/predictlabs/exchange/internal/blob/s3"
	"github.com/predictlabs/exchange/internal/cache/redis"
	"github.com/predictlabs/exchange/internal/config"
	"github.com/predictlabs/exchange/internal/crypto"
	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/notify"
	"github.com/predictlabs/exchange/internal/platform/circle"
	"github.com/predictlabs/exchange/internal/platform/solana"
	"github.com/predictlabs/exchange/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Store           domain.TxStore
	MarketStore     domain.MarketStore
	WalletStore     domain.WalletStore
	PositionStore   domain.PositionStore
	TradeStore      domain.TradeStore
	WithdrawalStore domain.WithdrawalStore
	DepositStore    domain.DepositStore

	// Caches
	PriceCache  domain.PriceCache
	MarketCache domain.MarketCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// External clients
	Custody domain.CustodialClient
	Chain   domain.ChainClient

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsCustody returns true for modes that move real funds and therefore
// require the custodial provider and the chain RPC client.
func needsCustody(mode string) bool {
	switch mode {
	case "workers", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Store = postgres.NewStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.WalletStore = postgres.NewWalletStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.WithdrawalStore = postgres.NewWithdrawalStore(pool)
	deps.DepositStore = postgres.NewDepositStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Custodial provider and chain RPC (only for modes that move funds) ---
	if needsCustody(cfg.Mode) {
		custody, err := buildCustodyClient(cfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: custody: %w", err)
		}
		deps.Custody = custody
		deps.Chain = solana.NewClient(cfg.Solana.RpcURL, cfg.Solana.USDCMint)
	}

	// --- S3 blob storage (only when archival is enabled) ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.TradeStore,
			deps.DepositStore,
			deps.WithdrawalStore,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// buildCustodyClient constructs the Circle developer-controlled wallets
// client, resolving the entity secret from config (raw hex or an encrypted
// file) and loading the entity public key used to encrypt it per request.
func buildCustodyClient(cfg *config.Config) (*circle.Client, error) {
	client := circle.NewClient(
		cfg.Circle.BaseURL,
		cfg.Circle.ApiKey,
		cfg.Circle.WalletSetID,
		cfg.Circle.Blockchain,
		cfg.Circle.USDCTokenID,
	)

	secretHex, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           cfg.Circle.EntitySecret,
		EncryptedSecretPath: cfg.Circle.EncryptedSecretPath,
		Password:            cfg.Circle.SecretPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load entity secret: %w", err)
	}

	pubKeyPEM, err := os.ReadFile(cfg.Circle.EntityPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read entity public key: %w", err)
	}

	if err := client.SetEntitySecret(secretHex, pubKeyPEM); err != nil {
		return nil, err
	}
	return client, nil
}
