// Gateway process: HTTP API, webhook intake, response cache, and the
// service mesh control loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/worthit-bot/worthit/internal/adapter/cache"
	"github.com/worthit-bot/worthit/internal/adapter/httpserver"
	"github.com/worthit-bot/worthit/internal/adapter/queue/redisq"
	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
	"github.com/worthit-bot/worthit/internal/app"
	"github.com/worthit-bot/worthit/internal/config"
	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/mesh"
	"github.com/worthit-bot/worthit/internal/observability"
	"github.com/worthit-bot/worthit/internal/security"
	"github.com/worthit-bot/worthit/internal/usecase"
)

const version = "1.0.0"

// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// dependency failure.
const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	if err := cfg.Validate(true); err != nil {
		slog.Error("configuration invalid", slog.Any("error", err))
		return exitConfig
	}
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
		return exitDependency
	}
	if shutdownTracing != nil {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	redisMgr, err := redisconn.New(redisconn.Options{
		URL:                 cfg.RedisURL,
		ForceSSL:            cfg.RedisSSL,
		CommandTimeout:      cfg.CommandTimeout(),
		HealthCheckInterval: cfg.HealthCheckInterval,
		PoolRecycleInterval: cfg.PoolRecycleInterval,
	})
	if err != nil {
		slog.Error("redis setup failed", slog.Any("error", err))
		if errors.Is(err, domain.ErrConfig) {
			return exitConfig
		}
		return exitDependency
	}
	redisMgr.Start(ctx)
	defer func() { _ = redisMgr.Shutdown(context.Background()) }()

	signer := security.NewSigner(cfg.IntegritySecret)
	queue := redisq.New(redisMgr, signer, redisq.Options{
		Name:       cfg.QueueName,
		PopTimeout: cfg.DequeueTimeout,
		MaxRetries: cfg.TaskMaxRetries,
		Retention:  cfg.TaskRetention,
	})
	analyzeSvc := usecase.NewAnalyzeService(queue, cfg.TaskMaxRetries)

	registry := mesh.NewRegistry()
	registerDefaultServices(registry)
	if err := mesh.LoadServicesFile(registry, cfg.MeshServicesFile); err != nil {
		slog.Error("mesh services file invalid", slog.Any("error", err))
		return exitConfig
	}
	serviceMesh := mesh.New(registry, mesh.DefaultScalerConfig())
	go mesh.NewHealthChecker(registry, cfg.HealthCheckInterval).Run(ctx)
	go mesh.NewPublisher(registry, redisMgr, cfg.HealthCheckInterval).Run(ctx)
	go serviceMesh.Scaler.Run(ctx)

	store := cache.NewStore(redisMgr, cache.StoreOptions{
		BaseTTL:     cfg.CacheBaseTTL,
		MaxTTL:      cfg.CacheMaxTTL,
		CompressMin: cfg.CacheCompressMin,
		MaxBytes:    cfg.CacheMaxBytes,
	})
	cacheMW := cache.NewMiddleware(store)

	srv := &httpserver.Server{
		Analyze: analyzeSvc,
		Redis:   redisMgr,
		Mesh:    serviceMesh,
		Cache:   cacheMW.Analytics(),
		Version: version,
	}
	router := app.NewRouter(cfg, srv, cacheMW)

	go cache.NewWarmer(cacheMW.Analytics(), router, cfg.CacheWarmup).Run(ctx)
	go app.RunStuckTaskSweeper(ctx, queue, cfg.StuckTaskMaxAge/2, cfg.StuckTaskMaxAge)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", slog.String("addr", addr), slog.String("env", cfg.AppEnv))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", slog.Any("error", err))
			return exitDependency
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown incomplete", slog.Any("error", err))
		return exitDependency
	}
	slog.Info("shutdown complete")
	return exitOK
}

// registerDefaultServices seeds the mesh with the hosted upstreams. A
// services file can extend or replace these at startup.
func registerDefaultServices(reg *mesh.Registry) {
	reg.Register(
		"scraper", "api.apify.com", 443, "",
		mesh.WithScheme("https"),
	)
	reg.Register(
		"inference", "api-inference.huggingface.co", 443, "",
		mesh.WithScheme("https"),
	)
}
