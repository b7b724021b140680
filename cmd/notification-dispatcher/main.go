// Package main provides the notification dispatcher entry point.
// Consumes dispatch jobs from the broker and delivers them over
// websocket, email, and SMS channels. The websocket hub lives here, so
// this process also serves the client websocket endpoint.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carebridge/rxmarket/internal/api/middleware"
	"github.com/carebridge/rxmarket/internal/config"
	"github.com/carebridge/rxmarket/internal/delivery"
	"github.com/carebridge/rxmarket/internal/directory"
	"github.com/carebridge/rxmarket/internal/dispatch"
	"github.com/carebridge/rxmarket/internal/domain/alerting"
	"github.com/carebridge/rxmarket/internal/domain/notification"
	"github.com/carebridge/rxmarket/internal/infrastructure/redpanda"
	"github.com/carebridge/rxmarket/internal/observability/metrics"
	"github.com/carebridge/rxmarket/internal/observability/tracing"
	"github.com/carebridge/rxmarket/pkg/circuitbreaker"
	"github.com/carebridge/rxmarket/pkg/idempotency"
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

	traceCfg := tracing.DefaultConfig("notification-dispatcher")
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSample
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

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

	// Make sure the topics exist before consuming.
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic creation failed", zap.Error(err))
	}
	admin.Close()

	users := directory.NewPGUsers(pool, logger)
	store := notification.NewPGStore(pool, redpanda.TopicNotificationDispatch, logger)

	// Channel adapters
	hub := delivery.NewHub(logger)
	adapters := delivery.NewRegistry(
		hub,
		delivery.NewEmailBridge(delivery.BridgeConfig{
			URL:     cfg.EmailBridgeURL,
			APIKey:  cfg.EmailBridgeKey,
			Timeout: cfg.BridgeTimeout,
		}, logger),
		delivery.NewSMSBridge(delivery.BridgeConfig{
			URL:     cfg.SMSBridgeURL,
			APIKey:  cfg.SMSBridgeKey,
			Timeout: cfg.BridgeTimeout,
		}, logger),
	)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	defer inbox.Stop()
	breakers := circuitbreaker.NewManager(logger)

	dispatchCfg := dispatch.DefaultConfig()
	dispatchCfg.DeliveryTimeout = cfg.DeliveryTimeout
	dispatchCfg.Pool.Workers = cfg.DispatchWorkers

	dispatcher, err := dispatch.New(store, users, adapters, inbox, breakers, m, dispatchCfg, logger)
	if err != nil {
		logger.Fatal("dispatcher creation failed", zap.Error(err))
	}
	dispatcher.Start()
	defer dispatcher.Stop()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.Topics = []string{redpanda.TopicNotificationDispatch}

	consumer, err := redpanda.NewConsumer(consumerCfg, dispatcher.HandleMessage, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	// Alert evaluation rides along in this process: it watches the same
	// delivery stats this dispatcher produces.
	engine := notification.New(store, users, logger)
	alertSvc := alerting.NewService(alerting.NewPGStore(pool, logger), logger)
	evaluator := alerting.NewEvaluator(alertSvc, engine, engine, alerting.EvaluatorConfig{
		Interval: cfg.AlertEvalInterval,
		Window:   cfg.AlertWindow,
	}, logger)
	go evaluator.Run(ctx)

	// Websocket endpoint plus health and metrics.
	pharmacies := directory.NewPGPharmacies(pool, logger)
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"notification-dispatcher"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.ActorAuth(cfg.APIKeys, users, pharmacies, logger))
		r.Get("/ws", func(w http.ResponseWriter, req *http.Request) {
			actor, ok := middleware.GetActor(req.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			hub.ServeWS(w, req, actor.UserID)
		})
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info("dispatcher HTTP listener started", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	logger.Info("notification dispatcher started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.Int("workers", cfg.DispatchWorkers),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	logger.Info("notification dispatcher stopped")
}
