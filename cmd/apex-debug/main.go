// apex-debug — AI-facing debugging control plane for JS/TS runtimes.
//
// Default mode serves MCP tools over stdio. With APEX_DEBUG_HTTP_PORT
// set, an HTTP control surface (REST + /metrics + /ws event streams)
// runs alongside it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"apex-debug/internal/config"
	"apex-debug/internal/debugging"
	"apex-debug/internal/eventhub"
	"apex-debug/internal/handlers"
	"apex-debug/internal/hangdetect"
	"apex-debug/internal/logging"
	"apex-debug/internal/mcp"
	"apex-debug/internal/metrics"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	log.Info("starting apex-debug", zap.String("version", version))

	hub := eventhub.NewHub()
	go hub.Run()

	manager := debugging.NewManager(hub.Publish)
	detector := hangdetect.New(manager, cfg.SampleIntervalFloor)

	server := mcp.NewServer("apex-debug", version)
	mcp.RegisterDebugTools(server, &mcp.Dispatcher{
		Manager:  manager,
		Detector: detector,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shutdown drains every session before exit.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		manager.CleanupAll(context.Background())
		hub.Shutdown()
		cancel()
	}()

	if cfg.HTTPPort != "" {
		go serveHTTP(cfg, manager, detector, hub, server)
	}

	if err := server.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		log.Error("stdio transport failed", zap.Error(err))
	}
	manager.CleanupAll(context.Background())
}

func serveHTTP(cfg *config.Config, manager *debugging.Manager, detector *hangdetect.Detector, hub *eventhub.Hub, server *mcp.Server) {
	log := logging.L()
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.PrometheusMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	})
	router.GET("/metrics", metrics.PrometheusHandler())
	router.GET("/mcp", func(c *gin.Context) {
		server.HandleWebSocket(c.Writer, c.Request)
	})

	debugHandler := handlers.NewDebuggingHandler(manager, detector, hub)
	debugHandler.RegisterRoutes(router.Group("/api/v1/debug"))
	debugHandler.RegisterEventStream(router)

	addr := "127.0.0.1:" + cfg.HTTPPort
	log.Info("http surface listening", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		log.Error("http surface failed", zap.Error(err))
	}
}
