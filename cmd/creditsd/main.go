package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/hexwaveai-gc/hexwave.ai-sub002/internal/httpapi"
	"github.com/hexwaveai-gc/hexwave.ai-sub002/internal/oplog"
	"github.com/hexwaveai-gc/hexwave.ai-sub002/internal/paddlehook"
	"github.com/hexwaveai-gc/hexwave.ai-sub002/internal/scheduler"
	"github.com/hexwaveai-gc/hexwave.ai-sub002/internal/store/gormstore"
	"github.com/hexwaveai-gc/hexwave.ai-sub002/internal/store/pgstore"
	"github.com/hexwaveai-gc/hexwave.ai-sub002/pkg/credits"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagWebhookSecret  = "webhook-secret"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagDripInterval   = "drip-interval"
	flagPriceMapPath   = "price-map"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyWebhookSecret  = "webhook_secret"
	configKeyJWTSigningKey  = "jwt_signing_key"
	configKeyJWTIssuer      = "jwt_issuer"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyDripInterval   = "drip_interval"
	configKeyPriceMapPath   = "price_map"

	defaultDatabaseURL  = "sqlite:///tmp/credits.db"
	defaultListenAddr   = ":8080"
	defaultDripInterval = time.Hour
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	WebhookSecret  string
	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins string
	DripInterval   time.Duration
	PriceMapPath   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsd",
		Short:         "Credit ledger and balance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagWebhookSecret, "", "Paddle webhook signing secret")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC key for API bearer tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected issuer claim on API bearer tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated CORS origins")
	cmd.Flags().Duration(flagDripInterval, defaultDripInterval, "interval between monthly-credit sweeps")
	cmd.Flags().String(flagPriceMapPath, "", "path to a JSON file mapping price ids to monthly credits")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyWebhookSecret:  "PADDLE_WEBHOOK_SECRET",
		configKeyJWTSigningKey:  "JWT_SIGNING_KEY",
		configKeyJWTIssuer:      "JWT_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyDripInterval:   "DRIP_INTERVAL",
		configKeyPriceMapPath:   "PRICE_MAP",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyWebhookSecret:  flagWebhookSecret,
		configKeyJWTSigningKey:  flagJWTSigningKey,
		configKeyJWTIssuer:      flagJWTIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyDripInterval:   flagDripInterval,
		configKeyPriceMapPath:   flagPriceMapPath,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.DripInterval = viper.GetDuration(configKeyDripInterval)
	if cfg.DripInterval <= 0 {
		cfg.DripInterval = defaultDripInterval
	}
	cfg.PriceMapPath = viper.GetString(configKeyPriceMapPath)

	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	prices, err := loadPriceMap(cfg.PriceMapPath)
	if err != nil {
		return fmt.Errorf("price map: %w", err)
	}

	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := credits.NewService(store, clock,
		credits.WithOperationLogger(oplog.New(logger)),
		credits.WithPriceResolver(prices))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	apiServer, err := httpapi.NewServer(creditService, logger, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SigningKey:     cfg.JWTSigningKey,
		Issuer:         cfg.JWTIssuer,
	})
	if err != nil {
		return fmt.Errorf("http api init: %w", err)
	}
	webhookHandler, err := paddlehook.NewHandler(creditService, store, prices, cfg.WebhookSecret, logger)
	if err != nil {
		return fmt.Errorf("webhook handler init: %w", err)
	}

	router := apiServer.Router()
	router.POST("/webhooks/paddle", webhookHandler.Handle)

	dripScheduler, err := scheduler.New(creditService, store, logger, scheduler.Config{
		RunInterval: cfg.DripInterval,
	})
	if err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	go dripScheduler.RunForever(ctx)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditsd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

// openStore selects the raw pgx store for postgres DSNs and the GORM store
// for everything else. A gorm+postgres:// scheme forces Postgres through
// GORM instead of the pgx store.
func openStore(ctx context.Context, dsn string) (credits.Store, func(), error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}

	var (
		db  *gorm.DB
		err error
	)
	if trimmed, found := strings.CutPrefix(dsn, "gorm+"); found {
		db, err = gorm.Open(postgres.Open(trimmed), &gorm.Config{})
	} else {
		var sqlitePath string
		sqlitePath, err = resolveSQLitePath(dsn)
		if err != nil {
			return nil, nil, err
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(db.WithContext(ctx))
	if err := store.AutoMigrate(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return store, func() { _ = sqlDB.Close() }, nil
}

func resolveSQLitePath(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credits.db"
		}
		return normalizeSQLitePath(path)
	}
	// Treat everything else as a direct sqlite path.
	return normalizeSQLitePath(dsn)
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// loadPriceMap reads {"<price id>": <monthly credits>} from a JSON file.
// Without a file the map is empty; grants by price id then fail loudly
// instead of guessing amounts.
func loadPriceMap(path string) (credits.PriceMap, error) {
	if path == "" {
		return credits.PriceMap{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var amounts map[string]int64
	if err := json.Unmarshal(raw, &amounts); err != nil {
		return nil, err
	}
	prices := make(credits.PriceMap, len(amounts))
	for priceID, amount := range amounts {
		if amount <= 0 {
			return nil, fmt.Errorf("price %q maps to non-positive credits %d", priceID, amount)
		}
		prices[priceID] = credits.Amount(amount)
	}
	return prices, nil
}
