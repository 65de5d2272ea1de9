package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/vendors"
)

type CreateIntegrationRequest struct {
	Vendor            string                 `json:"vendor" binding:"required"`
	PlatformName      string                 `json:"platform_name"`
	Method            string                 `json:"method" binding:"omitempty,oneof=api snmp email manual csv_import third_party"`
	Endpoint          string                 `json:"endpoint" binding:"required,url"`
	APIVersion        string                 `json:"api_version"`
	AuthType          string                 `json:"auth_type" binding:"required,oneof=oauth2 api_key basic_auth certificate"`
	Credentials       map[string]interface{} `json:"credentials" binding:"required"`
	Frequency         string                 `json:"frequency" binding:"omitempty,oneof=real_time hourly daily weekly monthly on_demand"`
	RateLimitRequests int                    `json:"rate_limit_requests"`
	RateLimitWindow   int                    `json:"rate_limit_window"`
	Settings          map[string]interface{} `json:"settings"`
	FieldMappings     map[string]interface{} `json:"field_mappings"`
}

func (h *Handler) CreateIntegration(c *gin.Context) {
	var req CreateIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.GetString("tenant_id")
	now := time.Now().UTC()

	integration := &db.Integration{
		ID:                uuid.New().String(),
		TenantID:          tenantID,
		Vendor:            req.Vendor,
		PlatformName:      req.PlatformName,
		Method:            db.MethodAPI,
		Endpoint:          req.Endpoint,
		APIVersion:        req.APIVersion,
		AuthType:          db.AuthType(req.AuthType),
		Credentials:       db.JSONB(req.Credentials),
		Frequency:         db.FrequencyDaily,
		Status:            db.StatusPendingAuth,
		RateLimitRequests: req.RateLimitRequests,
		RateLimitWindow:   req.RateLimitWindow,
		Settings:          db.JSONB(req.Settings),
		FieldMappings:     db.JSONB(req.FieldMappings),
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Method != "" {
		integration.Method = db.IntegrationMethod(req.Method)
	}
	if req.Frequency != "" {
		integration.Frequency = db.CollectionFrequency(req.Frequency)
	}
	if integration.RateLimitRequests <= 0 {
		integration.RateLimitRequests = 100
	}
	if integration.RateLimitWindow <= 0 {
		integration.RateLimitWindow = 3600
	}
	if integration.Settings == nil {
		integration.Settings = db.JSONB{}
	}
	if integration.FieldMappings == nil {
		integration.FieldMappings = db.JSONB{}
	}

	// Fail fast on configuration problems before anything is persisted:
	// unknown vendor or missing credential fields should never reach the
	// scheduler.
	if _, err := vendors.New(req.Vendor, vendors.Config{
		IntegrationID: integration.ID,
		TenantID:      tenantID,
		Endpoint:      req.Endpoint,
		AuthType:      integration.AuthType,
		Credentials:   req.Credentials,
	}, h.logger); err != nil {
		if errors.Is(err, vendors.ErrConfig) || errors.Is(err, vendors.ErrUnknownVendor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to validate integration config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.repo.CreateIntegration(integration); err != nil {
		h.logger.Error("Failed to create integration", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create integration"})
		return
	}

	h.audit.LogEvent(auditEvent(tenantID, integration.ID, db.EventIntegrationCreated, db.EventInfo,
		"integration created for vendor "+req.Vendor))

	c.JSON(http.StatusCreated, integration)
}

func (h *Handler) ListIntegrations(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	integrations, err := h.repo.GetIntegrationsByTenant(tenantID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to list integrations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list integrations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"integrations": integrations})
}

func (h *Handler) GetIntegration(c *gin.Context) {
	tenantID := c.GetString("tenant_id")

	integration, err := h.repo.GetIntegration(c.Param("id"), tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}

	c.JSON(http.StatusOK, integration)
}

func (h *Handler) DeleteIntegration(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	if _, err := h.repo.GetIntegration(id, tenantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}

	if err := h.repo.DeleteIntegration(id, tenantID); err != nil {
		h.logger.Error("Failed to delete integration", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete integration"})
		return
	}

	h.audit.LogEvent(auditEvent(tenantID, id, db.EventIntegrationDeleted, db.EventInfo,
		"integration deactivated"))

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type UpdateIntegrationRequest struct {
	PlatformName      *string                `json:"platform_name"`
	Method            *string                `json:"method" binding:"omitempty,oneof=api snmp email manual csv_import third_party"`
	Endpoint          *string                `json:"endpoint" binding:"omitempty,url"`
	APIVersion        *string                `json:"api_version"`
	AuthType          *string                `json:"auth_type" binding:"omitempty,oneof=oauth2 api_key basic_auth certificate"`
	Credentials       map[string]interface{} `json:"credentials"`
	Frequency         *string                `json:"frequency" binding:"omitempty,oneof=real_time hourly daily weekly monthly on_demand"`
	RateLimitRequests *int                   `json:"rate_limit_requests"`
	RateLimitWindow   *int                   `json:"rate_limit_window"`
	Settings          map[string]interface{} `json:"settings"`
	FieldMappings     map[string]interface{} `json:"field_mappings"`
}

func (h *Handler) UpdateIntegration(c *gin.Context) {
	var req UpdateIntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	integration, err := h.repo.GetIntegration(id, tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}

	if req.PlatformName != nil {
		integration.PlatformName = *req.PlatformName
	}
	if req.Method != nil {
		integration.Method = db.IntegrationMethod(*req.Method)
	}
	if req.Endpoint != nil {
		integration.Endpoint = *req.Endpoint
	}
	if req.APIVersion != nil {
		integration.APIVersion = *req.APIVersion
	}
	if req.AuthType != nil {
		integration.AuthType = db.AuthType(*req.AuthType)
	}
	if req.Credentials != nil {
		integration.Credentials = db.JSONB(req.Credentials)
	}
	if req.Frequency != nil {
		integration.Frequency = db.CollectionFrequency(*req.Frequency)
	}
	if req.RateLimitRequests != nil && *req.RateLimitRequests > 0 {
		integration.RateLimitRequests = *req.RateLimitRequests
	}
	if req.RateLimitWindow != nil && *req.RateLimitWindow > 0 {
		integration.RateLimitWindow = *req.RateLimitWindow
	}
	if req.Settings != nil {
		integration.Settings = db.JSONB(req.Settings)
	}
	if req.FieldMappings != nil {
		integration.FieldMappings = db.JSONB(req.FieldMappings)
	}
	integration.UpdatedAt = time.Now().UTC()

	if _, err := vendors.New(integration.Vendor, vendors.Config{
		IntegrationID: integration.ID,
		TenantID:      tenantID,
		Endpoint:      integration.Endpoint,
		AuthType:      integration.AuthType,
		Credentials:   integration.Credentials,
	}, h.logger); err != nil {
		if errors.Is(err, vendors.ErrConfig) || errors.Is(err, vendors.ErrUnknownVendor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to validate integration config", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := h.repo.UpdateIntegration(integration); err != nil {
		h.logger.Error("Failed to update integration", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update integration"})
		return
	}

	// Cached adapters hold the old credentials; force a rebuild on next use.
	h.orch.InvalidateAdapter(integration.Vendor, integration.ID)

	h.audit.LogEvent(auditEvent(tenantID, id, db.EventStatusChanged, db.EventInfo,
		"integration configuration updated"))

	c.JSON(http.StatusOK, integration)
}

type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active inactive error pending_auth rate_limited maintenance degraded"`
}

func (h *Handler) UpdateIntegrationStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	if err := h.repo.UpdateIntegrationStatus(tenantID, id, db.IntegrationStatus(req.Status), nil); err != nil {
		h.logger.Error("Failed to update integration status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update status"})
		return
	}

	h.audit.LogEvent(auditEvent(tenantID, id, db.EventStatusChanged, db.EventInfo,
		"status changed to "+req.Status))

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// GetRateLimit reports whether the integration is currently out of quota.
func (h *Handler) GetRateLimit(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	integration, err := h.repo.GetIntegration(id, tenantID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Integration not found"})
		return
	}

	blocked, err := h.repo.CheckRateLimit(tenantID, id)
	if err != nil {
		h.logger.Error("Failed to check rate limit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check rate limit"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"blocked":             blocked,
		"rate_limit_requests": integration.RateLimitRequests,
		"rate_limit_window":   integration.RateLimitWindow,
	})
}

func (h *Handler) TestConnection(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	ok, err := h.orch.TestConnection(c.Request.Context(), tenantID, id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reachable": ok})
}

func (h *Handler) DiscoverDevices(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	id := c.Param("id")

	devices, err := h.orch.DiscoverDevices(c.Request.Context(), tenantID, id)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"discovered": len(devices), "devices": devices})
}
