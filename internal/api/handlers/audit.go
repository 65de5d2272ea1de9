package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/db"
)

func (h *Handler) GetAuditLogs(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	filters := db.AuditFilters{
		TenantID:      tenantID,
		IntegrationID: c.Query("integration_id"),
		Category:      c.Query("category"),
	}

	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filters.From = &t
		}
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil {
		filters.Limit = limit
	}

	entries, err := h.audit.GetAuditLogs(filters)
	if err != nil {
		h.logger.Error("Failed to fetch audit logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch audit logs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
