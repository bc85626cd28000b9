// Package main is the entry point for the Cloud Codex gateway.
// The server exposes a WebSocket endpoint that binds each user to a dedicated
// Codex agent subprocess and streams agent activity back to the user.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cloudcodex/cloudcodex/internal/approval"
	"github.com/cloudcodex/cloudcodex/internal/common/config"
	"github.com/cloudcodex/cloudcodex/internal/common/httpmw"
	"github.com/cloudcodex/cloudcodex/internal/common/logger"
	"github.com/cloudcodex/cloudcodex/internal/events/bus"
	gatewayws "github.com/cloudcodex/cloudcodex/internal/gateway/websocket"
	"github.com/cloudcodex/cloudcodex/internal/session"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Cloud Codex gateway...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Initialize approval audit sink (in-memory by default, SQLite if configured)
	var auditor approval.Auditor
	if cfg.Audit.SQLitePath != "" {
		sqliteAuditor, err := approval.NewSQLiteAuditor(cfg.Audit.SQLitePath)
		if err != nil {
			log.Fatal("Failed to initialize audit database",
				zap.String("path", cfg.Audit.SQLitePath),
				zap.Error(err))
		}
		defer sqliteAuditor.Close()
		auditor = sqliteAuditor
		log.Info("Audit database initialized", zap.String("path", cfg.Audit.SQLitePath))
	} else {
		log.Info("Using in-memory audit sink")
		auditor = approval.NewMemoryAuditor()
	}

	// 6. Approval broker and session registry
	broker := approval.NewBroker(cfg.Approval, auditor, log)
	registry := session.NewRegistry(cfg, eventBus, broker, session.DefaultAgentFactory(cfg, log), log)
	registry.StartSweeper()
	log.Info("Session registry initialized",
		zap.String("workspace_root", cfg.Workspace.Root),
		zap.Duration("idle_timeout", cfg.Session.IdleTimeout()))

	// 7. WebSocket hub and event broadcaster
	hub := gatewayws.NewHub(log)
	go hub.Run(ctx)

	broadcaster, err := gatewayws.NewBroadcaster(hub, eventBus, log)
	if err != nil {
		log.Fatal("Failed to subscribe to session events", zap.Error(err))
	}
	defer broadcaster.Close()

	// 8. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "gateway"))

	wsHandler := gatewayws.NewHandler(hub, registry, log)
	router.GET("/ws", wsHandler.HandleConnection)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "cloud-codex",
			"sessions": registry.Count(),
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("WebSocket server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
	)

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Cloud Codex gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop agents after the HTTP layer so no new sessions appear mid-teardown
	registry.Close(shutdownCtx)

	log.Info("Cloud Codex gateway stopped")
}
