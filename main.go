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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runningcoach-garmin-sync/internal/config"
	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/garmin"
	"runningcoach-garmin-sync/internal/handlers"
	"runningcoach-garmin-sync/internal/jobs"
	"runningcoach-garmin-sync/internal/metrics"
	"runningcoach-garmin-sync/internal/middleware"
	"runningcoach-garmin-sync/internal/oauth"
	"runningcoach-garmin-sync/internal/pipeline"
	"runningcoach-garmin-sync/internal/ratelimit"
	"runningcoach-garmin-sync/internal/tokens"
	"runningcoach-garmin-sync/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	backfillUser := flag.String("backfill-user", "", "enqueue a historical backfill for the given user id and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	jobService := jobs.NewService(db)

	if *backfillUser != "" {
		result := jobService.EnqueueSync(*backfillUser, ratelimit.TriggerBackfill, 28, 28, nil)
		if !result.Queued {
			logger.Error("backfill not queued", "user_id", *backfillUser, "reason", result.Reason)
			os.Exit(1)
		}
		logger.Info("backfill queued", "user_id", *backfillUser, "job_id", result.JobID)
		return
	}

	client := garmin.NewClient(cfg.GarminClientID, cfg.GarminClientSecret)
	tokenStore := tokens.NewStore(db, client)
	pipe := pipeline.New(db)
	oauthManager := oauth.NewManager(client, db, jobService, cfg.GarminRedirectURL)
	h := handlers.New(cfg, db, tokenStore, jobService, oauthManager, pipe)

	w := worker.New(db, cfg, client, tokenStore, pipe)
	go w.Run(ctx)
	go metrics.StartQueueDepthCollector(ctx, db, 15*time.Second)

	router := chi.NewRouter()
	router.Method("GET", "/auth/garmin/connect", middleware.WrapHandler(metrics.EndpointOAuthStart, h.HandleOAuthConnect))
	router.Method("GET", "/auth/garmin/callback", middleware.WrapHandler(metrics.EndpointOAuthCallback, h.HandleOAuthCallback))
	router.Method("POST", "/auth/garmin/revoke", middleware.WrapHandler(metrics.EndpointOAuthRevoke, h.HandleOAuthRevoke))
	router.Method("POST", "/webhook/garmin", middleware.WrapHandler(metrics.EndpointWebhook, h.HandleWebhook))
	router.Method("POST", "/webhook/garmin/{token}", middleware.WrapHandler(metrics.EndpointWebhook, h.HandleWebhook))
	router.Method("GET", "/users/{userID}/readiness", middleware.WrapHandler(metrics.EndpointReadiness, h.HandleReadiness))
	router.Method("GET", "/users/{userID}/connection", middleware.WrapHandler(metrics.EndpointConnection, h.HandleConnectionStatus))
	router.Method("POST", "/users/{userID}/sync", middleware.WrapHandler(metrics.EndpointManualSync, h.HandleManualSync))
	router.Method("POST", "/cron/nightly", middleware.WrapHandler(metrics.EndpointCron, h.HandleCronNightly))
	router.Method("GET", "/cron/nightly", middleware.WrapHandler(metrics.EndpointCron, h.HandleCronNightly))
	router.Method("GET", "/health", middleware.WrapHandler(metrics.EndpointHealth, h.HandleHealth))

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("metrics server listening", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
