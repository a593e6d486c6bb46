// Worker process: drains the task queue, runs analyses through the mesh,
// and replies to chats. Serves its own metrics endpoint on :9090.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/worthit-bot/worthit/internal/adapter/ml"
	"github.com/worthit-bot/worthit/internal/adapter/queue/redisq"
	"github.com/worthit-bot/worthit/internal/adapter/redisconn"
	"github.com/worthit-bot/worthit/internal/adapter/scraper"
	"github.com/worthit-bot/worthit/internal/adapter/telegram"
	"github.com/worthit-bot/worthit/internal/app"
	"github.com/worthit-bot/worthit/internal/config"
	"github.com/worthit-bot/worthit/internal/domain"
	"github.com/worthit-bot/worthit/internal/mesh"
	"github.com/worthit-bot/worthit/internal/observability"
	"github.com/worthit-bot/worthit/internal/security"
	"github.com/worthit-bot/worthit/internal/usecase"
	"github.com/worthit-bot/worthit/internal/worker"
)

const metricsAddr = ":9090"

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
	if err := cfg.Validate(false); err != nil {
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

	registry := mesh.NewRegistry()
	registry.Register(worker.ServiceScraper, "api.apify.com", 443, "", mesh.WithScheme("https"))
	registry.Register(worker.ServiceInference, "api-inference.huggingface.co", 443, "", mesh.WithScheme("https"))
	if err := mesh.LoadServicesFile(registry, cfg.MeshServicesFile); err != nil {
		slog.Error("mesh services file invalid", slog.Any("error", err))
		return exitConfig
	}
	serviceMesh := mesh.New(registry, mesh.DefaultScalerConfig())
	go mesh.NewHealthChecker(registry, cfg.HealthCheckInterval).Run(ctx)
	go mesh.NewPublisher(registry, redisMgr, cfg.HealthCheckInterval).Run(ctx)
	go serviceMesh.Scaler.Run(ctx)

	notifier := telegram.NewNotifier(cfg.TelegramToken, "", cfg.UpstreamTimeout)
	analyzeSvc := usecase.NewAnalyzeService(queue, cfg.TaskMaxRetries)
	bot := telegram.NewBot(analyzeSvc, notifier)

	pool := worker.New(queue, notifier, worker.Options{
		Slots:      cfg.WorkerSlots,
		RetryDelay: cfg.RetryInitialDelay,
	})
	pool.Register(domain.TaskProductAnalysis, &worker.AnalysisHandler{
		Mesh:         serviceMesh,
		Scraper:      scraper.New(cfg.ApifyToken, cfg.UpstreamTimeout, cfg.UpstreamConnectTimeout),
		Sentiment:    ml.New(cfg.HFToken, cfg.UpstreamTimeout, cfg.UpstreamConnectTimeout),
		Insights:     ml.New(cfg.HFToken, cfg.UpstreamTimeout, cfg.UpstreamConnectTimeout),
		Notifier:     notifier,
		RetryInitial: cfg.RetryInitialDelay,
		RetryMax:     cfg.RetryMaxDelay,
	})
	pool.Register(domain.TaskTelegramUpdate, &worker.UpdateHandler{Bot: bot})

	go app.RunStuckTaskSweeper(ctx, queue, cfg.StuckTaskMaxAge/2, cfg.StuckTaskMaxAge)

	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux()}
	go func() {
		slog.Info("worker metrics listening", slog.String("addr", metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	slog.Info("worker started", slog.Int("slots", cfg.WorkerSlots), slog.String("env", cfg.AppEnv))
	pool.Run(ctx)

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics shutdown incomplete", slog.Any("error", err))
		return exitDependency
	}
	slog.Info("shutdown complete")
	return exitOK
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
