// Package main is the entry point for the Confab server.
// A single binary runs the orchestrator, its internal agents, the
// WebSocket gateway, and the REST read surface together.
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

	"github.com/confab/confab/internal/agent/agents"
	"github.com/confab/confab/internal/agent/lifecycle"
	"github.com/confab/confab/internal/agent/registry"
	"github.com/confab/confab/internal/common/config"
	"github.com/confab/confab/internal/common/httpmw"
	"github.com/confab/confab/internal/common/logger"
	conversationhandlers "github.com/confab/confab/internal/conversation/handlers"
	"github.com/confab/confab/internal/conversation/store"
	"github.com/confab/confab/internal/events/bus"
	gateways "github.com/confab/confab/internal/gateway/websocket"
	"github.com/confab/confab/internal/llm"
	"github.com/confab/confab/internal/orchestrator"
	"github.com/confab/confab/internal/orchestrator/scheduler"
	"github.com/confab/confab/internal/orchestrator/wshandlers"
	"github.com/confab/confab/internal/persistence"
	"github.com/confab/confab/internal/scenario"
	"github.com/confab/confab/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Confab...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Storage
	pool, cleanup, err := persistence.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Error("Database close error", zap.Error(err))
		}
	}()

	conversationStore, err := store.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize conversation store", zap.Error(err))
	}
	scenarioStore, err := scenario.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize scenario store", zap.Error(err))
	}

	// 4. Event bus
	eventBus := bus.New(bus.Options{
		Buffer: cfg.Orchestrator.SubscriberBuffer,
		Policy: bus.ParseOverrunPolicy(cfg.Orchestrator.OverrunPolicy),
	}, log)
	defer eventBus.Close()

	// 5. Orchestrator
	svc := orchestrator.NewService(cfg.Orchestrator, conversationStore, eventBus,
		scheduler.NewAlternation(), scenarioStore, log)
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("Orchestrator initialized",
		zap.Int("idle_turn_ms", cfg.Orchestrator.IdleTurnMs),
		zap.String("overrun_policy", cfg.Orchestrator.OverrunPolicy))

	// 6. Internal agents
	agentRegistry := registry.New()
	agentRegistry.Register(agents.ClassEcho, agents.EchoFactory())
	if cfg.LLM.APIKey != "" {
		completer, err := llm.NewCompleter(cfg.LLM, log)
		if err != nil {
			log.Fatal("Failed to initialize LLM completer", zap.Error(err))
		}
		agentRegistry.Register(agents.ClassLLM, agents.LLMFactory(completer))
		log.Info("LLM agents enabled", zap.String("model", cfg.LLM.Model))
	} else {
		log.Info("LLM agents disabled (no API key configured)")
	}
	lifecycleMgr := lifecycle.NewManager(svc, agentRegistry, log)
	log.Info("Agent Manager initialized", zap.Strings("classes", agentRegistry.Classes()))

	// 7. WebSocket gateway
	gateway, err := gateways.Provide(svc, log)
	if err != nil {
		log.Fatal("Failed to initialize WebSocket gateway", zap.Error(err))
	}
	go gateway.Hub.Run(ctx)

	rpcHandlers := wshandlers.NewHandlers(svc, lifecycleMgr, log)
	rpcHandlers.RegisterHandlers(gateway.Dispatcher)
	log.Info("Registered WebSocket handlers")

	// 8. HTTP server (WebSocket + REST endpoints)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "confab"))
	router.Use(httpmw.OtelTracing("confab"))

	gateway.SetupRoutes(router)
	conversationhandlers.NewHandler(svc, conversationStore, log).RegisterRoutes(router)
	scenarioStore.RegisterRoutes(router)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "confab",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("http", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Confab...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := lifecycleMgr.StopAll(); err != nil {
		log.Error("Agent manager stop error", zap.Error(err))
	}
	if err := svc.Stop(); err != nil {
		log.Error("Orchestrator stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Confab stopped")
}
