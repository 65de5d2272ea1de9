package handlers

import (
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/orchestrator"
	"github.com/fleetpulse/telemetry/internal/probe"
	"github.com/fleetpulse/telemetry/internal/queue"
)

type Handler struct {
	repo     *db.Repository
	audit    *audit.Service
	orch     *orchestrator.Orchestrator
	queue    *queue.RedisQueue
	resolver *probe.Resolver
	logger   *zap.Logger
}

func NewHandler(repo *db.Repository, auditService *audit.Service, orch *orchestrator.Orchestrator, q *queue.RedisQueue, resolver *probe.Resolver, logger *zap.Logger) *Handler {
	return &Handler{
		repo:     repo,
		audit:    auditService,
		orch:     orch,
		queue:    q,
		resolver: resolver,
		logger:   logger,
	}
}

func auditEvent(tenantID, integrationID, eventType string, category db.EventCategory, message string) audit.Event {
	return audit.Event{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		EventType:     eventType,
		Category:      category,
		Message:       message,
	}
}
