package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/db"
)

func (h *Handler) GetDeviceMetrics(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	deviceID := c.Param("id")

	if _, err := h.repo.GetDevice(deviceID, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	filters := db.MetricFilters{
		TenantID: tenantID,
		DeviceID: deviceID,
	}

	if types := c.Query("metric_types"); types != "" {
		filters.MetricTypes = strings.Split(types, ",")
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filters.From = &t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filters.To = &t
		}
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "500")); err == nil {
		filters.Limit = limit
	}

	metrics, err := h.repo.GetDeviceMetrics(filters)
	if err != nil {
		h.logger.Error("Failed to fetch device metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch metrics"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"metrics": metrics})
}

func (h *Handler) GetCollectionStats(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	stats, err := h.repo.GetCollectionStats(tenantID)
	if err != nil {
		h.logger.Error("Failed to fetch collection stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch stats"})
		return
	}

	depth, err := h.queue.Len(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to read queue depth", zap.Error(err))
		depth = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"stats":       stats,
		"queue_depth": depth,
	})
}
