package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/queue"
)

// CollectDevice enqueues an on-demand collection for one device. The
// collector process picks it up so the API never blocks on vendor latency.
func (h *Handler) CollectDevice(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	deviceID := c.Param("id")

	device, err := h.repo.GetDevice(deviceID, tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	job := &queue.Job{
		ID:            uuid.New().String(),
		Type:          queue.JobCollectDevice,
		TenantID:      tenantID,
		IntegrationID: device.IntegrationID,
		DeviceID:      device.ID,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.queue.Push(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to enqueue device collection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue collection"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// CollectIntegration enqueues a collection run covering every device of one
// integration.
func (h *Handler) CollectIntegration(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	if _, err := h.repo.GetIntegration(id, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}

	job := &queue.Job{
		ID:            uuid.New().String(),
		Type:          queue.JobCollectIntegration,
		TenantID:      tenantID,
		IntegrationID: id,
		CreatedAt:     time.Now().UTC(),
	}

	if err := h.queue.Push(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to enqueue integration collection", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue collection"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}

// RunBatch enqueues a full pass over all due integrations.
func (h *Handler) RunBatch(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	job := &queue.Job{
		ID:        uuid.New().String(),
		Type:      queue.JobRunBatch,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.queue.Push(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to enqueue batch run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue batch run"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
}
