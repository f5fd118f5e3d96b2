package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/agui/internal/adapter/agent"
	"github.com/xiaot623/gogo/agui/internal/config"
	"github.com/xiaot623/gogo/agui/internal/interrupt"
	"github.com/xiaot623/gogo/agui/internal/policy"
	"github.com/xiaot623/gogo/agui/internal/repository"
	"github.com/xiaot623/gogo/agui/internal/service"
	"github.com/xiaot623/gogo/agui/internal/stream"
	"github.com/xiaot623/gogo/agui/internal/tools"
	internalhttp "github.com/xiaot623/gogo/agui/internal/transport/http"
	"github.com/xiaot623/gogo/agui/internal/transport/ratelimit"
	"github.com/xiaot623/gogo/agui/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting agent-ui server...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("WebSocket Port: %d", cfg.WSPort)
	log.Printf("Database: %s", cfg.DatabaseURL)

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize agent
	ag, err := agent.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize agent: %v", err)
	}

	// Initialize policy engine
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize event hub; the store journals every published event
	hub := stream.NewHub(stream.Options{
		ReplayBufferSize:     cfg.ReplayBufferSize,
		EventChannelSize:     cfg.EventChannelSize,
		SubscriberBufferSize: cfg.SubscriberBufferSize,
	}, db)

	// Initialize service
	svc := service.New(db, hub, interrupt.NewBridge(), ag, tools.NewDefaultRegistry(), policyEngine, cfg)
	go svc.RunIdleSessionMonitor(ctx)

	// Inbound rate limiting, shared by both transports
	limiter := ratelimit.New(cfg.InboundRate, cfg.InboundBurst)
	go limiter.RunCleanup(ctx, time.Minute, 10*time.Minute)

	// HTTP server: inbound API, SSE stream, health, metrics
	httpServer := internalhttp.NewServer(cfg, svc, hub, limiter)

	// WebSocket server
	wsServer := ws.NewServer(cfg, svc, limiter)
	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsServer.RegisterRoutes(wsEcho)

	// Start WebSocket server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start WebSocket server: %v", err)
		}
	}()

	// Start HTTP server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	log.Printf("WebSocket server started on port %d", cfg.WSPort)
	log.Printf("HTTP server started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down agent-ui server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// End every session first so clients still connected get the terminal
	// events of their runs.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to end sessions gracefully: %v", err)
	}
	stop()
	wsServer.Shutdown(shutdownCtx)

	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown WebSocket server gracefully: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}

	log.Println("Agent-ui server stopped")
}
