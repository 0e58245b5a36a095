// Command server starts the conversational data-analysis HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	aiopenai "github.com/fairyhunter13/ai-data-analyst/internal/adapter/ai/openai"
	aistub "github.com/fairyhunter13/ai-data-analyst/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/filecache"
	httpserver "github.com/fairyhunter13/ai-data-analyst/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/observability"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/push"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/querycache"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/sessioncache"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/sqlrunner"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/sqltranslate"
	"github.com/fairyhunter13/ai-data-analyst/internal/app"
	"github.com/fairyhunter13/ai-data-analyst/internal/config"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
	"github.com/fairyhunter13/ai-data-analyst/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-data-analyst/internal/usecase"
)

func main() {
	// Local development keeps its settings in a .env file; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, worker, cache, model and push instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: DB pool and schema.
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema ensure failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories.
	userRepo := postgres.NewUserRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	convRepo := postgres.NewConversationRepo(pool)
	msgRepo := postgres.NewMessageRepo(pool)
	datasetRepo := postgres.NewDatasetRepo(pool)
	usageRepo := postgres.NewUsageRepo(pool)
	referralRepo := postgres.NewReferralRepo(pool)
	settingsRepo := postgres.NewSettingsRepo(pool)
	cacheRepo := postgres.NewQueryCacheRepo(pool, cfg.QueryCacheDBMaxEntries)

	// Expired sessions are swept in the background; everything else in the
	// schema cascades from its owner.
	maint := postgres.NewMaintenanceService(sessionRepo)
	go maint.RunPeriodic(ctx, cfg.SessionSweepInterval)

	// Optional Redis: session-token lookaside and login/register damping.
	var rdb *redis.Client
	var sessCache domain.SessionCache
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		sessCache = sessioncache.New(rdb, logger)
		defer func() { _ = rdb.Close() }()
	}
	attempts := ratelimiter.NewAttemptLimiter(rdb, map[string]ratelimiter.AttemptConfig{
		"login":    {Burst: 10, PerMinute: 10},
		"register": {Burst: 5, PerMinute: 2},
	}, logger)

	// Dataset file cache and the worker pool on top of it.
	files, err := filecache.New(cfg.CacheDir, cfg.MaxFileSizeBytes, cfg.CacheTotalCapBytes)
	if err != nil {
		slog.Error("file cache init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go files.RunMaintenance(ctx, cfg.CacheCleanupInterval, cfg.CacheTempMaxAge)

	translator, err := sqltranslate.New()
	if err != nil {
		slog.Error("error translator init failed", slog.Any("error", err))
		os.Exit(1)
	}
	workers, err := sqlrunner.New(sqlrunner.Config{
		Size:             cfg.WorkerPoolSize,
		Dir:              filepath.Join(cfg.CacheDir, "workers"),
		TaskTimeout:      cfg.WorkerTaskTimeout,
		TasksPerRecycle:  cfg.WorkerTasksPerCycle,
		MemoryLimitMB:    int(cfg.WorkerMemoryLimitMB),
		AllowPrivateURLs: cfg.AllowPrivateURLs,
	}, files, translator, logger)
	if err != nil {
		slog.Error("worker pool init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer workers.Close()

	// Two-tier query result cache with its periodic durable sweep.
	qcache := querycache.New(cfg.QueryCacheMemSize, cfg.QueryCacheMemTTL, cfg.QueryCacheDBTTL, cacheRepo, logger)
	go qcache.RunCleanup(ctx, cfg.QueryCacheCleanupInterval)

	limiter := ratelimiter.New(usageRepo, cfg.TokenLimit, cfg.RateStatusTTL)

	// Push registry, optionally bridged across replicas.
	registry := push.NewRegistry(cfg.PushPingInterval, cfg.PushSendBuffer, logger)
	if cfg.RelayEnabled() {
		origin := relayOrigin()
		relay, err := push.NewRelay(cfg.KafkaBrokers, origin, logger)
		if err != nil {
			slog.Error("push relay connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer relay.Close()
		registry.AttachRelay(relay)
		go relay.Run(ctx, registry)
	}

	// Model client: a missing key outside prod falls back to the scripted
	// stub so the server stays usable for local development.
	var model domain.ModelClient
	if cfg.AIAPIKey == "" && !cfg.IsProd() {
		slog.Warn("no AI_API_KEY set, using the scripted stub model")
		model = aistub.New()
	} else {
		model = aiopenai.New(cfg)
	}
	counter := tokencount.NewCounter()

	// Usecases.
	authSvc := usecase.NewAuthService(userRepo, sessionRepo, settingsRepo, referralRepo,
		sessCache, cfg.SessionDuration(), cfg.SessionCacheTTL)
	convSvc := usecase.NewConversationService(convRepo, msgRepo)
	settingsSvc := usecase.NewSettingsService(settingsRepo, cfg.AIModelDefault)
	usageSvc := usecase.NewUsageService(usageRepo, limiter)
	datasetSvc := usecase.NewDatasetService(datasetRepo, convRepo, workers, registry, qcache)
	chatSvc := usecase.NewChatService(convRepo, msgRepo, datasetRepo, settingsSvc,
		model, workers, registry, limiter, qcache, counter, usecase.ChatConfig{
			DefaultModel:      cfg.AIModelDefault,
			MaxTokens:         cfg.AIMaxTokens,
			HistoryMessageCap: cfg.HistoryMessageCap,
			HistoryTokenCap:   cfg.HistoryTokenCap,
		})

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, rdb)
	srv := httpserver.NewServer(cfg, authSvc, convSvc, chatSvc, datasetSvc, settingsSvc,
		usageSvc, registry, attempts, dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

// relayOrigin identifies this instance on the push relay topic so it can
// skip its own records on consume.
func relayOrigin() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "analyst"
	}
	return host + "-" + uuid.NewString()[:8]
}
