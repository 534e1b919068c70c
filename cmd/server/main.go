package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftbyte/agent-gateway/internal/agent"
	"github.com/driftbyte/agent-gateway/internal/api"
	"github.com/driftbyte/agent-gateway/internal/auth"
	"github.com/driftbyte/agent-gateway/internal/config"
	"github.com/driftbyte/agent-gateway/internal/logger"
	"github.com/driftbyte/agent-gateway/internal/metrics"
	"github.com/driftbyte/agent-gateway/internal/store"
	"github.com/driftbyte/agent-gateway/internal/streaming"
	"github.com/driftbyte/agent-gateway/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	// Database.
	st, err := store.Open(cfg.DatabaseURL, store.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Minute,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Minute,
	})
	if err != nil {
		log.Error("failed to initialize database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	// Metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	// Stream registry with janitor.
	registry := streaming.NewRegistry(
		time.Duration(cfg.SessionTimeoutSeconds)*time.Second,
		time.Duration(cfg.SessionCleanupInterval)*time.Second,
		log, m)
	defer registry.Shutdown()

	// Upstream agent client.
	agentClient := agent.NewClient(cfg.AgentServiceURL, time.Duration(cfg.UpstreamTimeoutMinutes)*time.Minute)

	// WebSocket hub and dispatcher.
	hub := ws.NewHub(log)
	toolResults := streaming.NewToolResultRouter()
	dispatcher := ws.NewDispatcher(hub, registry, st, agentClient, toolResults, cfg, log)

	validator := auth.NewTokenValidator(cfg.AuthJWTSecret)

	router := gin.New()
	router.Use(gin.Recovery())

	// CORS.
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", cfg.CORSAllowedOrigins)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": logger.GetInstanceID()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))

	router.GET("/ws", ws.Handler(validator, dispatcher, log))

	apiGroup := router.Group("/api/v1", auth.Middleware(validator))
	api.NewHandlers(st, registry, cfg.AdminUserID, log).Register(apiGroup)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("agent gateway listening",
			slog.String("port", cfg.Port),
			slog.String("agent_service", cfg.AgentServiceURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM. Running streams keep going until
	// the shutdown timeout; their final persists use detached contexts.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	log.Info("shutdown complete")
}
