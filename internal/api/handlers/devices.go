package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/db"
)

type RegisterDeviceRequest struct {
	IntegrationID    string                 `json:"integration_id" binding:"required,uuid"`
	VendorDeviceID   string                 `json:"vendor_device_id" binding:"required"`
	SerialNumber     string                 `json:"serial_number"`
	Model            string                 `json:"model"`
	Name             string                 `json:"name"`
	IPAddress        string                 `json:"ip_address"`
	Hostname         string                 `json:"hostname"`
	MACAddress       string                 `json:"mac_address"`
	Capabilities     []string               `json:"capabilities"`
	SupportedMetrics []string               `json:"supported_metrics"`
	AuthOverride     map[string]interface{} `json:"auth_override"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.GetString("tenant_id")

	// Device ownership is exclusive: the integration must exist and belong
	// to this tenant.
	if _, err := h.repo.GetIntegration(req.IntegrationID, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}

	now := time.Now().UTC()
	device := &db.DeviceRegistration{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		IntegrationID:    req.IntegrationID,
		VendorDeviceID:   req.VendorDeviceID,
		SerialNumber:     req.SerialNumber,
		Model:            req.Model,
		Name:             req.Name,
		IPAddress:        req.IPAddress,
		Hostname:         req.Hostname,
		MACAddress:       req.MACAddress,
		Capabilities:     req.Capabilities,
		SupportedMetrics: req.SupportedMetrics,
		AuthOverride:     db.JSONB(req.AuthOverride),
		Status:           db.DeviceActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if device.AuthOverride == nil {
		device.AuthOverride = db.JSONB{}
	}

	if err := h.repo.RegisterDevice(device); err != nil {
		h.logger.Error("Failed to register device", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register device"})
		return
	}

	h.audit.LogEvent(audit.Event{
		TenantID:      tenantID,
		IntegrationID: req.IntegrationID,
		DeviceID:      device.ID,
		EventType:     db.EventDeviceRegistered,
		Category:      db.EventInfo,
		Message:       "device registered manually: " + req.VendorDeviceID,
	})

	// A declared hostname that does not resolve is worth flagging, but it
	// never blocks registration.
	if req.Hostname != "" {
		if _, err := h.resolver.ResolveHost(c.Request.Context(), req.Hostname); err != nil {
			h.audit.LogEvent(audit.Event{
				TenantID:      tenantID,
				IntegrationID: req.IntegrationID,
				DeviceID:      device.ID,
				EventType:     db.EventDeviceRegistered,
				Category:      db.EventWarning,
				Message:       "declared hostname does not resolve: " + req.Hostname,
			})
		}
	}

	c.JSON(http.StatusCreated, device)
}

func (h *Handler) ListDevices(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	integrationID := c.Query("integration_id")

	devices, err := h.repo.GetDevices(tenantID, integrationID)
	if err != nil {
		h.logger.Error("Failed to list devices", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

type UpdateDeviceStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active inactive error"`
}

func (h *Handler) UpdateDeviceStatus(c *gin.Context) {
	var req UpdateDeviceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	device, err := h.repo.GetDevice(id, tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	if err := h.repo.UpdateDeviceStatus(tenantID, id, db.DeviceStatus(req.Status)); err != nil {
		h.logger.Error("Failed to update device status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update device status"})
		return
	}

	h.audit.LogEvent(audit.Event{
		TenantID:      tenantID,
		IntegrationID: device.IntegrationID,
		DeviceID:      id,
		EventType:     db.EventStatusChanged,
		Category:      db.EventInfo,
		Message:       "device status changed to " + req.Status,
	})

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// GetDeviceInfo asks the vendor for its current view of the device, as
// opposed to GetDevice which returns the stored registration.
func (h *Handler) GetDeviceInfo(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	info, err := h.orch.GetDeviceInfo(c.Request.Context(), tenantID, id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if info == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not known to vendor"})
		return
	}

	c.JSON(http.StatusOK, info)
}

func (h *Handler) UpdateDeviceConfig(c *gin.Context) {
	var cfg map[string]interface{}
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	if err := h.orch.UpdateDeviceConfig(c.Request.Context(), tenantID, id, cfg); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *Handler) GetDevice(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	device, err := h.repo.GetDevice(c.Param("id"), tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Device not found"})
		return
	}

	c.JSON(http.StatusOK, device)
}
