package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/api/handlers"
	"github.com/fleetpulse/telemetry/internal/api/middleware"
	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/config"
	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/orchestrator"
	"github.com/fleetpulse/telemetry/internal/probe"
	"github.com/fleetpulse/telemetry/internal/queue"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, repo *db.Repository, auditService *audit.Service, orch *orchestrator.Orchestrator, q *queue.RedisQueue, resolver *probe.Resolver, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.CORS())
	router.Use(middleware.Logger(logger))

	server := &Server{
		Config: cfg,
		Router: router,
	}

	h := handlers.NewHandler(repo, auditService, orch, q, resolver, logger)

	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.AuthRequired(cfg.JWTSecret))
	api.Use(middleware.Tenant())

	{
		api.GET("/integrations", h.ListIntegrations)
		api.POST("/integrations", h.CreateIntegration)
		api.GET("/integrations/:id", h.GetIntegration)
		api.PUT("/integrations/:id", h.UpdateIntegration)
		api.DELETE("/integrations/:id", h.DeleteIntegration)
		api.PUT("/integrations/:id/status", h.UpdateIntegrationStatus)
		api.GET("/integrations/:id/rate-limit", h.GetRateLimit)
		api.POST("/integrations/:id/test", h.TestConnection)
		api.POST("/integrations/:id/discover", h.DiscoverDevices)
		api.POST("/integrations/:id/collect", h.CollectIntegration)
	}

	{
		api.GET("/devices", h.ListDevices)
		api.POST("/devices", h.RegisterDevice)
		api.GET("/devices/:id", h.GetDevice)
		api.PUT("/devices/:id/status", h.UpdateDeviceStatus)
		api.GET("/devices/:id/info", h.GetDeviceInfo)
		api.PUT("/devices/:id/config", h.UpdateDeviceConfig)
		api.GET("/devices/:id/metrics", h.GetDeviceMetrics)
		api.POST("/devices/:id/collect", h.CollectDevice)
	}

	{
		api.GET("/audit-logs", h.GetAuditLogs)
		api.GET("/stats", h.GetCollectionStats)
		api.POST("/collect/run", h.RunBatch)
	}

	return server
}
