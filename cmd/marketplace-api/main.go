// Package main provides the marketplace API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/api/handlers"
	"github.com/carebridge/rxmarket/internal/api/middleware"
	"github.com/carebridge/rxmarket/internal/config"
	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/domain/alerting"
	"github.com/carebridge/rxmarket/internal/domain/notification"
	"github.com/carebridge/rxmarket/internal/domain/request"
	"github.com/carebridge/rxmarket/internal/infrastructure/redpanda"
	"github.com/carebridge/rxmarket/internal/observability/metrics"
	"github.com/carebridge/rxmarket/internal/observability/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	traceCfg := tracing.DefaultConfig("marketplace-api")
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSample
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	// Database
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("invalid database URL", zap.Error(err))
	}
	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MinConns = cfg.DBMinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	m := metrics.New()

	// Directories
	users := directory.NewPGUsers(pool, logger)
	pharmacies := directory.NewPGPharmacies(pool, logger)

	// Notification engine: falls back to a log-only engine if the store
	// never answers so request operations stay available.
	notifStore := notification.NewPGStore(pool, redpanda.TopicNotificationDispatch, logger)
	engine := notification.NewWithFallback(ctx, pool, notifStore, users, logger, cfg.NotifyStoreWait)

	// Domain services
	requestRepo := request.NewPGRepository(pool, logger)
	requestSvc := request.NewService(requestRepo, engine, users, pharmacies, logger)

	alertStore := alerting.NewPGStore(pool, logger)
	alertSvc := alerting.NewService(alertStore, logger)

	includeDetail := !cfg.IsProduction()
	requestHandler := handlers.NewRequestHandler(requestSvc, m, logger, includeDetail)
	notificationHandler := handlers.NewNotificationHandler(engine, m, logger, includeDetail)
	alertHandler := handlers.NewAlertHandler(alertSvc, logger, includeDetail)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("marketplace-api"))

	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ActorAuth(cfg.APIKeys, users, pharmacies, logger))
		r.Mount("/prescription-requests", requestHandler.Routes())
		r.Route("/admin", func(r chi.Router) {
			r.Mount("/notifications", notificationHandler.Routes())
			r.Mount("/alerts", alertHandler.Routes())
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting marketplace API",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"marketplace-api","version":"1.0.0"}`)
}
