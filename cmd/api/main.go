package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/api"
	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/config"
	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/metrics"
	"github.com/fleetpulse/telemetry/internal/orchestrator"
	"github.com/fleetpulse/telemetry/internal/probe"
	"github.com/fleetpulse/telemetry/internal/queue"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	database, err := db.NewConnection(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if err := db.Migrate(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	repo := db.NewRepository(database)

	redisClient, err := queue.NewClient(cfg.Redis.URL)
	if err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()
	jobQueue := queue.NewRedisQueue(redisClient)

	metricsCollector := metrics.NewCollector(cfg.Mimir)
	auditService := audit.NewService(repo, logger, metricsCollector)
	orch := orchestrator.New(repo, auditService, metricsCollector, logger, &cfg.Collector)
	resolver := probe.NewResolver("")

	server := api.NewServer(cfg, repo, auditService, orch, jobQueue, resolver, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("API server started", zap.String("port", cfg.Server.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
