// Command server starts the image hosting API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"imagevault/internal/api"
	"imagevault/internal/derive"
	"imagevault/internal/identity"
	"imagevault/internal/jobs"
	"imagevault/internal/links"
	"imagevault/internal/models"
	"imagevault/internal/observability/logging"
	"imagevault/internal/observability/metrics"
	"imagevault/internal/render"
	"imagevault/internal/server"
	"imagevault/internal/storage"
	"imagevault/internal/tier"
)

func main() {
	envFile := flag.String("env-file", "", "path to an env file loaded before flags are resolved")
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	blobDir := flag.String("blob-dir", "", "directory for locally stored image blobs")
	blobBaseURL := flag.String("blob-base-url", "", "public base URL for locally stored blobs")
	objectEndpoint := flag.String("object-endpoint", "", "S3-compatible endpoint for blob storage")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used in issued URLs")
	cacheDriver := flag.String("cache-driver", "", "detail cache driver (memory or redis)")
	cacheTTL := flag.Duration("cache-ttl", 0, "TTL for cached image detail documents")
	cacheRedisAddr := flag.String("cache-redis-addr", "", "Redis address for the detail cache")
	cacheRedisUsername := flag.String("cache-redis-username", "", "Redis username for the detail cache")
	cacheRedisPassword := flag.String("cache-redis-password", "", "Redis password for the detail cache")
	cacheKeyPrefix := flag.String("cache-key-prefix", "", "key prefix for detail cache entries")
	schedulerDriver := flag.String("scheduler-driver", "", "job scheduler driver (memory or redis)")
	jobsRedisAddr := flag.String("jobs-redis-addr", "", "Redis address for the job stream")
	jobsRedisUsername := flag.String("jobs-redis-username", "", "Redis username for the job stream")
	jobsRedisPassword := flag.String("jobs-redis-password", "", "Redis password for the job stream")
	jobsRedisStream := flag.String("jobs-redis-stream", "", "Redis stream key for scheduled jobs")
	jobsRedisGroup := flag.String("jobs-redis-group", "", "Redis consumer group for scheduled jobs")
	rendererDriver := flag.String("renderer", "", "thumbnail renderer (local or http)")
	renderURL := flag.String("render-url", "", "base URL of the render agent")
	renderToken := flag.String("render-token", "", "bearer token presented to the render agent")
	deriveMaxRenders := flag.Int("derive-max-renders", 0, "concurrent render calls across all derivation workers")
	accountsPath := flag.String("accounts", "", "path to the accounts JSON file")
	accountsReload := flag.Duration("accounts-reload-interval", 0, "interval for reloading the accounts file (0 disables)")
	devToken := flag.String("dev-token", "", "static bearer token mapped to a development account")
	maxUploadBytes := flag.Int64("max-upload-bytes", 0, "maximum multipart upload size in bytes")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum uploads per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting uploads")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	flag.Parse()

	if path := firstNonEmpty(*envFile, os.Getenv("IMAGEVAULT_ENV_FILE")); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "load env file %s: %v\n", path, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("IMAGEVAULT_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("IMAGEVAULT_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("IMAGEVAULT_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("IMAGEVAULT_ADDR"))

	blobs, blobServeDir, err := buildBlobStore(blobStoreSettings{
		LocalDir:       firstNonEmpty(*blobDir, os.Getenv("IMAGEVAULT_BLOB_DIR")),
		LocalBaseURL:   firstNonEmpty(*blobBaseURL, os.Getenv("IMAGEVAULT_BLOB_BASE_URL")),
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("IMAGEVAULT_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("IMAGEVAULT_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("IMAGEVAULT_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("IMAGEVAULT_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("IMAGEVAULT_OBJECT_BUCKET")),
		UseSSL:         resolveBool(*objectUseSSL, "IMAGEVAULT_OBJECT_USE_SSL"),
		Prefix:         firstNonEmpty(*objectPrefix, os.Getenv("IMAGEVAULT_OBJECT_PREFIX")),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("IMAGEVAULT_OBJECT_PUBLIC_ENDPOINT")),
		ListenAddr:     listenAddr,
	})
	if err != nil {
		logger.Error("failed to configure blob store", "error", err)
		os.Exit(1)
	}

	store, storeCloser, err := openRepository(repositorySettings{
		Driver:         firstNonEmpty(*storageDriver, os.Getenv("IMAGEVAULT_STORAGE_DRIVER")),
		DataPath:       resolveDataPath(*dataPath, os.Getenv("IMAGEVAULT_DATA")),
		PostgresDSN:    resolvePostgresDSN(*postgresDSN),
		Mode:           serverMode,
		MaxConns:       resolveInt(*postgresMaxConns, "IMAGEVAULT_POSTGRES_MAX_CONNS"),
		MinConns:       resolveInt(*postgresMinConns, "IMAGEVAULT_POSTGRES_MIN_CONNS"),
		MaxLifetime:    resolveDuration(*postgresMaxConnLifetime, "IMAGEVAULT_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxIdle:        resolveDuration(*postgresMaxConnIdle, "IMAGEVAULT_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval: resolveDuration(*postgresHealthInterval, "IMAGEVAULT_POSTGRES_HEALTH_INTERVAL", 0),
		AcquireTimeout: resolveDuration(*postgresAcquireTimeout, "IMAGEVAULT_POSTGRES_ACQUIRE_TIMEOUT", 0),
		AppName:        firstNonEmpty(*postgresAppName, os.Getenv("IMAGEVAULT_POSTGRES_APP_NAME")),
		Blobs:          blobs,
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	scheduler, err := buildScheduler(schedulerSettings{
		Driver:   firstNonEmpty(*schedulerDriver, os.Getenv("IMAGEVAULT_SCHEDULER_DRIVER")),
		Addr:     firstNonEmpty(*jobsRedisAddr, os.Getenv("IMAGEVAULT_JOBS_REDIS_ADDR")),
		Username: firstNonEmpty(*jobsRedisUsername, os.Getenv("IMAGEVAULT_JOBS_REDIS_USERNAME")),
		Password: firstNonEmpty(*jobsRedisPassword, os.Getenv("IMAGEVAULT_JOBS_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*jobsRedisStream, os.Getenv("IMAGEVAULT_JOBS_REDIS_STREAM")),
		Group:    firstNonEmpty(*jobsRedisGroup, os.Getenv("IMAGEVAULT_JOBS_REDIS_GROUP")),
		Logger:   logging.WithComponent(logger, "jobs"),
	})
	if err != nil {
		logger.Error("failed to configure scheduler", "error", err)
		os.Exit(1)
	}

	renderer, err := buildRenderer(
		firstNonEmpty(*rendererDriver, os.Getenv("IMAGEVAULT_RENDERER")),
		firstNonEmpty(*renderURL, os.Getenv("IMAGEVAULT_RENDER_URL")),
		firstNonEmpty(*renderToken, os.Getenv("IMAGEVAULT_RENDER_TOKEN")),
	)
	if err != nil {
		logger.Error("failed to configure renderer", "error", err)
		os.Exit(1)
	}

	resolver := tier.NewResolver(store)
	engine := derive.NewEngine(derive.EngineConfig{
		Store:      store,
		Resolver:   resolver,
		Renderer:   renderer,
		MaxRenders: int64(resolveInt(*deriveMaxRenders, "IMAGEVAULT_DERIVE_MAX_RENDERS")),
		Logger:     logging.WithComponent(logger, "derive"),
		Metrics:    recorder,
	})
	manager := links.NewManager(links.ManagerConfig{
		Store:     store,
		Resolver:  resolver,
		Scheduler: scheduler,
		Logger:    logging.WithComponent(logger, "links"),
		Metrics:   recorder,
	})
	engine.Register(scheduler.Register)
	manager.Register(scheduler.Register)
	scheduler.Start()

	cache, cacheCloser, err := buildCache(cacheSettings{
		Driver:    firstNonEmpty(*cacheDriver, os.Getenv("IMAGEVAULT_CACHE_DRIVER")),
		Addr:      firstNonEmpty(*cacheRedisAddr, os.Getenv("IMAGEVAULT_CACHE_REDIS_ADDR")),
		Username:  firstNonEmpty(*cacheRedisUsername, os.Getenv("IMAGEVAULT_CACHE_REDIS_USERNAME")),
		Password:  firstNonEmpty(*cacheRedisPassword, os.Getenv("IMAGEVAULT_CACHE_REDIS_PASSWORD")),
		KeyPrefix: firstNonEmpty(*cacheKeyPrefix, os.Getenv("IMAGEVAULT_CACHE_KEY_PREFIX")),
		Logger:    logging.WithComponent(logger, "cache"),
	})
	if err != nil {
		logger.Error("failed to configure cache", "error", err)
		os.Exit(1)
	}

	provider, reloadStop, err := buildIdentityProvider(identitySettings{
		AccountsPath:   firstNonEmpty(*accountsPath, os.Getenv("IMAGEVAULT_ACCOUNTS")),
		ReloadInterval: resolveDuration(*accountsReload, "IMAGEVAULT_ACCOUNTS_RELOAD_INTERVAL", 0),
		DevToken:       firstNonEmpty(*devToken, os.Getenv("IMAGEVAULT_DEV_TOKEN")),
		Mode:           serverMode,
		Logger:         logging.WithComponent(logger, "identity"),
	})
	if err != nil {
		logger.Error("failed to configure identity provider", "error", err)
		os.Exit(1)
	}
	defer reloadStop()

	handler := api.NewHandler(api.HandlerConfig{
		Store:          store,
		Blobs:          blobs,
		Resolver:       resolver,
		Links:          manager,
		Scheduler:      scheduler,
		Cache:          cache,
		CacheTTL:       resolveDuration(*cacheTTL, "IMAGEVAULT_CACHE_TTL", 0),
		MaxUploadBytes: resolveInt64(*maxUploadBytes, "IMAGEVAULT_MAX_UPLOAD_BYTES"),
		Logger:         logging.WithComponent(logger, "api"),
		Metrics:        recorder,
	})

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("IMAGEVAULT_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("IMAGEVAULT_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "IMAGEVAULT_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "IMAGEVAULT_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "IMAGEVAULT_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "IMAGEVAULT_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("IMAGEVAULT_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("IMAGEVAULT_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "IMAGEVAULT_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("IMAGEVAULT_CORS_ORIGINS"))),
		},
		BlobDir:     blobServeDir,
		Identity:    provider,
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("image API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := scheduler.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop scheduler", "error", err)
	}
	if cacheCloser != nil {
		if err := cacheCloser(); err != nil {
			logger.Warn("failed to close cache", "error", err)
		}
	}
	if storeCloser != nil {
		if err := storeCloser(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

type blobStoreSettings struct {
	LocalDir       string
	LocalBaseURL   string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	ListenAddr     string
}

// buildBlobStore prefers object storage when a bucket is configured and falls
// back to a local directory. The returned directory is non-empty only for the
// local store, where the server must serve the files itself.
func buildBlobStore(cfg blobStoreSettings) (storage.BlobStore, string, error) {
	objectCfg := storage.ObjectStorageConfig{
		Endpoint:       cfg.Endpoint,
		Region:         cfg.Region,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Bucket:         cfg.Bucket,
		UseSSL:         cfg.UseSSL,
		Prefix:         cfg.Prefix,
		PublicEndpoint: cfg.PublicEndpoint,
	}
	if objectCfg.Enabled() {
		store, err := storage.NewObjectBlobStore(objectCfg)
		return store, "", err
	}

	dir := cfg.LocalDir
	if dir == "" {
		dir = "data/blobs"
	}
	baseURL := cfg.LocalBaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost%s/blobs", normalizeListenAddr(cfg.ListenAddr))
	}
	store, err := storage.NewLocalBlobStore(dir, baseURL)
	return store, dir, err
}

func normalizeListenAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == ":80" {
		return ""
	}
	if strings.HasPrefix(addr, ":") {
		return addr
	}
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[idx:]
	}
	return ""
}

type repositorySettings struct {
	Driver         string
	DataPath       string
	PostgresDSN    string
	Mode           string
	MaxConns       int
	MinConns       int
	MaxLifetime    time.Duration
	MaxIdle        time.Duration
	HealthInterval time.Duration
	AcquireTimeout time.Duration
	AppName        string
	Blobs          storage.BlobStore
}

func openRepository(cfg repositorySettings) (storage.Repository, func(context.Context) error, error) {
	driver, err := resolveStorageDriver(cfg.Driver, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Mode == "production" && driver != "postgres" {
		return nil, nil, fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}

	options := []storage.Option{storage.WithBlobStore(cfg.Blobs)}
	switch driver {
	case "json":
		store, err := storage.NewJSONRepository(cfg.DataPath, options...)
		return store, nil, err
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("postgres storage selected without DSN")
		}
		if cfg.MaxConns > 0 || cfg.MinConns > 0 || cfg.MaxLifetime > 0 || cfg.MaxIdle > 0 || cfg.HealthInterval > 0 || cfg.AcquireTimeout > 0 {
			options = append(options, storage.WithPostgresPool(
				int32(cfg.MaxConns), int32(cfg.MinConns),
				cfg.MaxLifetime, cfg.MaxIdle, cfg.HealthInterval, cfg.AcquireTimeout,
			))
		}
		if cfg.AppName != "" {
			options = append(options, storage.WithPostgresApplicationName(cfg.AppName))
		}
		store, err := storage.NewPostgresRepository(context.Background(), cfg.PostgresDSN, options...)
		if err != nil {
			return nil, nil, err
		}
		closer := func(ctx context.Context) error {
			if c, ok := store.(interface{ Close(context.Context) error }); ok {
				return c.Close(ctx)
			}
			return nil
		}
		return store, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func resolveStorageDriver(value, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(value)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

// jobScheduler is the scheduler surface main needs beyond enqueueing.
type jobScheduler interface {
	jobs.Scheduler
	Register(kind string, fn jobs.HandlerFunc)
	Start()
	Shutdown(ctx context.Context) error
}

type schedulerSettings struct {
	Driver   string
	Addr     string
	Username string
	Password string
	Stream   string
	Group    string
	Logger   *slog.Logger
}

func buildScheduler(cfg schedulerSettings) (jobScheduler, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the redis scheduler")
		}
		return jobs.NewRedisScheduler(jobs.RedisSchedulerConfig{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			Stream:   cfg.Stream,
			Group:    cfg.Group,
			Logger:   cfg.Logger,
		})
	case "", "memory":
		return jobs.NewInProcessScheduler(jobs.InProcessConfig{Logger: cfg.Logger}), nil
	default:
		return nil, fmt.Errorf("unsupported scheduler driver %q", cfg.Driver)
	}
}

func buildRenderer(driver, baseURL, token string) (render.Renderer, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "http":
		return render.NewHTTPRenderer(render.HTTPRendererConfig{BaseURL: baseURL, Token: token})
	case "", "local":
		return render.NewLocalRenderer(), nil
	default:
		return nil, fmt.Errorf("unsupported renderer %q", driver)
	}
}

type cacheSettings struct {
	Driver    string
	Addr      string
	Username  string
	Password  string
	KeyPrefix string
	Logger    *slog.Logger
}

func buildCache(cfg cacheSettings) (api.Cache, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, nil, fmt.Errorf("redis addr is required for the redis cache")
		}
		cache, err := api.NewRedisCache(api.RedisCacheConfig{
			Addr:      cfg.Addr,
			Username:  cfg.Username,
			Password:  cfg.Password,
			KeyPrefix: cfg.KeyPrefix,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return cache, cache.Close, nil
	case "", "memory":
		return api.NewMemoryCache(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache driver %q", cfg.Driver)
	}
}

type identitySettings struct {
	AccountsPath   string
	ReloadInterval time.Duration
	DevToken       string
	Mode           string
	Logger         *slog.Logger
}

func buildIdentityProvider(cfg identitySettings) (identity.Provider, func(), error) {
	if cfg.AccountsPath != "" {
		accounts, err := identity.LoadAccounts(cfg.AccountsPath)
		if err != nil {
			return nil, nil, err
		}
		provider, err := identity.NewAccountProvider(accounts)
		if err != nil {
			return nil, nil, err
		}
		stop := startAccountsReloader(context.Background(), cfg.Logger, provider, cfg.AccountsPath, cfg.ReloadInterval)
		return provider, stop, nil
	}
	if cfg.DevToken != "" {
		if cfg.Mode == "production" {
			return nil, nil, fmt.Errorf("dev tokens are not allowed in production mode")
		}
		provider := &identity.StaticProvider{Tokens: map[string]models.User{
			cfg.DevToken: {ID: "dev", DisplayName: "Development"},
		}}
		return provider, func() {}, nil
	}
	return nil, nil, fmt.Errorf("no identity source configured: provide --accounts or --dev-token")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("IMAGEVAULT_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
