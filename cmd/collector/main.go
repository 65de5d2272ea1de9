package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/config"
	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/metrics"
	"github.com/fleetpulse/telemetry/internal/orchestrator"
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

	ctx, cancel := context.WithCancel(context.Background())

	go orch.Start(ctx)
	go orch.ConsumeJobs(ctx, jobQueue)
	go metricsCollector.StartRemoteWrite(ctx)

	logger.Info("Collector started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down collector...")
	cancel()
	logger.Info("Collector exited")
}
