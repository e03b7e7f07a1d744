package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SitoSt/JotaOrchestrator/internal/chat"
	"github.com/SitoSt/JotaOrchestrator/internal/config"
	"github.com/SitoSt/JotaOrchestrator/internal/inference"
	"github.com/SitoSt/JotaOrchestrator/internal/logger"
	"github.com/SitoSt/JotaOrchestrator/internal/orchestrator"
	"github.com/SitoSt/JotaOrchestrator/internal/storage/pg"
	"github.com/SitoSt/JotaOrchestrator/internal/store"
	"github.com/SitoSt/JotaOrchestrator/internal/tracking"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	log.Info("starting "+cfg.AppName,
		"environment", cfg.AppEnv,
		"instance_id", logger.GetInstanceID())

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(cfg.GinMode)
	}

	// Conversation store.
	jotaStore := store.NewClient(cfg.JotaDBURL, cfg.JotaDBAPIKey, log)
	if !jotaStore.Health(context.Background()) {
		log.Warn("conversation store is not reachable at startup", "url", cfg.JotaDBURL)
	}

	// Optional usage tracking database.
	var db *pg.Database
	var trackingService *tracking.Service
	retentionCtx, retentionCancel := context.WithCancel(context.Background())
	defer retentionCancel()
	if cfg.DatabaseURL != "" {
		var err error
		db, err = pg.InitDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to initialize tracking database", "error", err)
			os.Exit(1)
		}
		trackingService = tracking.NewService(db.Queries, log)

		if cfg.TrackingRetentionDays > 0 {
			retention := tracking.NewRetentionWorker(db.Queries, log, cfg.TrackingRetentionDays)
			go retention.Run(retentionCtx)
		}
	}

	// Inference transport.
	engine := inference.NewClient(inference.Config{
		URL:                     cfg.InferenceServiceURL,
		ClientID:                cfg.InferenceClientID,
		APIKey:                  cfg.InferenceAPIKey,
		JotaDBURL:               cfg.JotaDBURL,
		SSLVerify:               cfg.SSLVerify,
		AuthTimeout:             cfg.AuthTimeout,
		SessionCreateTimeout:    cfg.SessionCreateTimeout,
		StreamInactivityTimeout: cfg.StreamInactivityTimeout,
		BackoffInitial:          cfg.ReconnectBackoffInitial,
		BackoffMax:              cfg.ReconnectBackoffMax,
	}, jotaStore, log)
	engine.Connect()

	// Optional distributed abort over NATS.
	var natsConn *nats.Conn
	var abortService *inference.DistributedAbortService
	if cfg.NatsURL != "" {
		var err error
		natsConn, err = nats.Connect(cfg.NatsURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Error("failed to connect to NATS", "url", cfg.NatsURL, "error", err)
			os.Exit(1)
		}
		abortService = inference.NewDistributedAbortService(natsConn, engine, log, logger.GetInstanceID())
		if err := abortService.Start(); err != nil {
			log.Error("failed to start distributed abort service", "error", err)
			os.Exit(1)
		}
	}

	orch := newOrchestrator(engine, jotaStore, abortService, cfg, log)
	handler := chat.NewHandler(orch, trackingService, log, cfg.AppName, cfg.AppEnv)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log))

	// CORS middleware.
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", cfg.CORSAllowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Client-Key, x-request-id")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/", handler.Root)
	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	if cfg.ClientKeyRequired {
		protected.Use(chat.RequireClientKey(jotaStore, log))
	}
	{
		protected.POST("/chat", handler.Chat)
		protected.POST("/chat/abort", handler.Abort)
		protected.GET("/ws/chat/:user_id", handler.WSChat)

		api := protected.Group("/api/v1")
		if trackingService != nil {
			api.GET("/usage/:userID", handler.Usage)
		}
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("http server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received")

	shutdownTimeout := time.Duration(cfg.ServerShutdownTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking requests first so no new streams start, then drain the
	// transport so in-flight exchanges run their journaling.
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http server shutdown failed", "error", err)
	}

	if err := engine.Shutdown(ctx); err != nil {
		log.Error("inference transport shutdown failed", "error", err)
	}

	if abortService != nil {
		if err := abortService.Stop(); err != nil {
			log.Error("distributed abort shutdown failed", "error", err)
		}
	}
	if natsConn != nil {
		natsConn.Close()
	}

	retentionCancel()
	trackingService.Shutdown()
	if db != nil {
		if err := db.Close(); err != nil {
			log.Error("failed to close tracking database", "error", err)
		}
	}

	log.Info("shutdown complete")
}

// newOrchestrator assembles the exchange controller. The abort broadcaster
// stays nil without NATS so aborts remain instance-local.
func newOrchestrator(engine *inference.Client, st store.Store, abortService *inference.DistributedAbortService, cfg *config.Config, log *logger.Logger) *orchestrator.Service {
	var abort orchestrator.AbortBroadcaster
	if abortService != nil {
		abort = abortService
	}
	return orchestrator.NewService(engine, st, abort, cfg.Inference.DefaultParams, log)
}
