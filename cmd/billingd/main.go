package main

import (
	"context"
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

	"github.com/MarkoPoloResearchLab/billing/internal/httpapi"
	"github.com/MarkoPoloResearchLab/billing/internal/oplog"
	"github.com/MarkoPoloResearchLab/billing/internal/paymentgw"
	"github.com/MarkoPoloResearchLab/billing/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/billing/internal/store/redisstore"
	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
	"github.com/MarkoPoloResearchLab/billing/pkg/payevent"
	"github.com/MarkoPoloResearchLab/billing/pkg/ratelimit"
	"github.com/MarkoPoloResearchLab/billing/pkg/topup"
	"github.com/glebarez/sqlite"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagRedisAddr          = "redis-addr"
	flagGatewayURL         = "gateway-url"
	flagRateLimitAlgorithm = "rate-limit-algorithm"
	flagRateLimitMax       = "rate-limit-max"
	flagRateLimitWindow    = "rate-limit-window"
	flagBreakerThreshold   = "breaker-threshold"
	flagBreakerCooldown    = "breaker-cooldown"
	flagMeterRates         = "meter-rates"

	configKeyDatabaseURL        = "database_url"
	configKeyListenAddr         = "listen_addr"
	configKeyRedisAddr          = "redis_addr"
	configKeyGatewayURL         = "gateway_url"
	configKeyRateLimitAlgorithm = "rate_limit_algorithm"
	configKeyRateLimitMax       = "rate_limit_max"
	configKeyRateLimitWindow    = "rate_limit_window"
	configKeyBreakerThreshold   = "breaker_threshold"
	configKeyBreakerCooldown    = "breaker_cooldown"

	defaultDatabaseURL     = "sqlite:///tmp/billing.db"
	defaultHTTPListenAddr  = ":8080"
	defaultRateLimitAlgo   = string(ratelimit.AlgorithmSlidingWindow)
	defaultRateLimitMax    = 120
	defaultRateLimitWindow = time.Minute
	defaultBreakerTrips    = 5
	defaultBreakerCooldown = time.Minute

	shutdownGracePeriod = 10 * time.Second
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	RedisAddr          string
	GatewayURL         string
	RateLimitAlgorithm string
	RateLimitMax       int64
	RateLimitWindow    time.Duration
	BreakerThreshold   int
	BreakerCooldown    time.Duration
	MeterRates         map[string]int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Credit balance and metering HTTP server",
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
	cmd.Flags().String(flagListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagRedisAddr, "", "Redis address for shared rate limit counters (empty uses the in-process store)")
	cmd.Flags().String(flagGatewayURL, "", "Payment gateway base URL (empty disables auto top-up)")
	cmd.Flags().String(flagRateLimitAlgorithm, defaultRateLimitAlgo, "Rate limit algorithm: fixed_window, sliding_window, token_bucket, leaky_bucket")
	cmd.Flags().Int64(flagRateLimitMax, defaultRateLimitMax, "Maximum requests per window")
	cmd.Flags().Duration(flagRateLimitWindow, defaultRateLimitWindow, "Rate limit window")
	cmd.Flags().Int(flagBreakerThreshold, defaultBreakerTrips, "Consecutive gateway failures before the circuit opens")
	cmd.Flags().Duration(flagBreakerCooldown, defaultBreakerCooldown, "Cooldown before an open circuit admits a probe")
	cmd.Flags().StringToInt64(flagMeterRates, map[string]int64{"api_call": 1}, "Per-unit usage rates in cents, keyed by meter name")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyListenAddr:         "HTTP_LISTEN_ADDR",
		configKeyRedisAddr:          "REDIS_ADDR",
		configKeyGatewayURL:         "PAYMENT_GATEWAY_URL",
		configKeyRateLimitAlgorithm: "RATE_LIMIT_ALGORITHM",
		configKeyRateLimitMax:       "RATE_LIMIT_MAX",
		configKeyRateLimitWindow:    "RATE_LIMIT_WINDOW",
		configKeyBreakerThreshold:   "BREAKER_THRESHOLD",
		configKeyBreakerCooldown:    "BREAKER_COOLDOWN",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyListenAddr:         flagListenAddr,
		configKeyRedisAddr:          flagRedisAddr,
		configKeyGatewayURL:         flagGatewayURL,
		configKeyRateLimitAlgorithm: flagRateLimitAlgorithm,
		configKeyRateLimitMax:       flagRateLimitMax,
		configKeyRateLimitWindow:    flagRateLimitWindow,
		configKeyBreakerThreshold:   flagBreakerThreshold,
		configKeyBreakerCooldown:    flagBreakerCooldown,
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
		cfg.ListenAddr = defaultHTTPListenAddr
	}
	cfg.RedisAddr = viper.GetString(configKeyRedisAddr)
	cfg.GatewayURL = viper.GetString(configKeyGatewayURL)
	cfg.RateLimitAlgorithm = viper.GetString(configKeyRateLimitAlgorithm)
	cfg.RateLimitMax = viper.GetInt64(configKeyRateLimitMax)
	cfg.RateLimitWindow = viper.GetDuration(configKeyRateLimitWindow)
	cfg.BreakerThreshold = viper.GetInt(configKeyBreakerThreshold)
	cfg.BreakerCooldown = viper.GetDuration(configKeyBreakerCooldown)
	meterRates, err := cmd.Flags().GetStringToInt64(flagMeterRates)
	if err != nil {
		return err
	}
	cfg.MeterRates = meterRates

	if _, err := ratelimit.ParseAlgorithm(cfg.RateLimitAlgorithm); err != nil {
		return err
	}
	if cfg.RateLimitMax <= 0 || cfg.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	if cfg.BreakerThreshold <= 0 || cfg.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker settings must be positive")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	store := gormstore.New(gormDB)
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ratesByMeter := make(map[string]billing.AmountCents, len(cfg.MeterRates))
	for meter, rate := range cfg.MeterRates {
		ratesByMeter[meter] = billing.AmountCents(rate)
	}
	pricer, err := billing.NewMeteredPricing(ratesByMeter)
	if err != nil {
		return fmt.Errorf("meter rates: %w", err)
	}
	ledger, err := billing.NewService(store, clock,
		billing.WithOperationLogger(oplog.New(logger)),
		billing.WithPricingStrategy(pricer),
	)
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	deduplicator, err := payevent.NewDeduplicator(store, clock)
	if err != nil {
		return fmt.Errorf("deduplicator init: %w", err)
	}

	counterStore, err := buildCounterStore(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("counter store init: %w", err)
	}
	limiter, err := ratelimit.NewLimiter(counterStore, time.Now, ratelimit.WithLimiterLogger(logger))
	if err != nil {
		return fmt.Errorf("limiter init: %w", err)
	}
	limitConfig := buildLimitConfig(cfg)

	topUps, err := buildTopUpController(cfg, ledger, clock, logger)
	if err != nil {
		return fmt.Errorf("top-up controller init: %w", err)
	}

	server, err := httpapi.New(httpapi.Dependencies{
		Ledger:        ledger,
		Deduplicator:  deduplicator,
		TopUps:        topUps,
		Limiter:       limiter,
		LimitConfig:   limitConfig,
		Organizations: store,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: server.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.String("listen_addr", cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	}
}

func buildCounterStore(redisAddr string) (ratelimit.CounterStore, error) {
	if redisAddr == "" {
		return ratelimit.NewMemoryStore(time.Now), nil
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	return redisstore.New(client)
}

func buildLimitConfig(cfg *runtimeConfig) ratelimit.Config {
	limitConfig := ratelimit.Config{
		Algorithm:   ratelimit.Algorithm(cfg.RateLimitAlgorithm),
		MaxRequests: cfg.RateLimitMax,
		Window:      cfg.RateLimitWindow,
		Precision:   10,
	}
	if limitConfig.Algorithm == ratelimit.AlgorithmTokenBucket || limitConfig.Algorithm == ratelimit.AlgorithmLeakyBucket {
		limitConfig.TokensPerInterval = cfg.RateLimitMax
		limitConfig.Interval = cfg.RateLimitWindow
	}
	return limitConfig
}

func buildTopUpController(cfg *runtimeConfig, ledger *billing.Service, clock func() int64, logger *zap.Logger) (*topup.Controller, error) {
	if cfg.GatewayURL == "" {
		logger.Warn("payment gateway url not configured, auto top-up disabled")
		return nil, nil
	}
	gateway, err := paymentgw.New(cfg.GatewayURL)
	if err != nil {
		return nil, err
	}
	breaker, err := topup.NewCircuitBreaker(topup.NewMemoryBreakerStore(), clock, cfg.BreakerThreshold, cfg.BreakerCooldown)
	if err != nil {
		return nil, err
	}
	return topup.NewController(ledger, gateway, breaker, clock, topup.WithLogger(logger))
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "billing.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
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
