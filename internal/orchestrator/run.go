package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/vendors"
)

// collectIntegration runs one collection pass for one integration: resolve
// the adapter, walk its registered devices sequentially, aggregate outcomes
// into an integration status, reschedule. Every failure mode is contained
// here; nothing escapes to the batch loop.
func (o *Orchestrator) collectIntegration(ctx context.Context, integration *db.Integration, log *zap.Logger) {
	if !o.tryLock(integration.ID) {
		log.Debug("Skipping integration, run already in flight",
			zap.String("integration_id", integration.ID),
		)
		return
	}
	defer o.unlock(integration.ID)

	start := time.Now()
	log = log.With(
		zap.String("integration_id", integration.ID),
		zap.String("tenant_id", integration.TenantID),
		zap.String("vendor", integration.Vendor),
	)
	log.Debug("Collecting integration")

	status, lastError := o.runIntegration(ctx, integration, log)

	if err := o.store.UpdateIntegrationStatus(integration.TenantID, integration.ID, status, lastError); err != nil {
		log.Error("Failed to update integration status", zap.Error(err))
	}

	// Reschedule anchored to now, not to the previous slot: drift-tolerant.
	// Even a fully failed run advances the cadence so a broken integration
	// is not retried in a tight loop.
	next := db.NextCollectionTime(integration.Frequency, time.Now().UTC())
	if err := o.store.ScheduleNextCollection(integration.TenantID, integration.ID, next); err != nil {
		log.Error("Failed to schedule next collection", zap.Error(err))
	}

	o.metrics.RecordCollection(integration.TenantID, integration.Vendor, string(status), time.Since(start).Seconds())

	log.Info("Integration collection finished",
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(start)),
	)
}

func (o *Orchestrator) runIntegration(ctx context.Context, integration *db.Integration, log *zap.Logger) (db.IntegrationStatus, *string) {
	adapter, err := o.adapter(integration)
	if err != nil {
		msg := fmt.Sprintf("adapter construction failed: %v", err)
		o.audit.LogEvent(audit.Event{
			TenantID:      integration.TenantID,
			IntegrationID: integration.ID,
			EventType:     db.EventDataCollection,
			Category:      db.EventError,
			Message:       msg,
		})
		return db.StatusError, &msg
	}

	devices, err := o.store.GetDevices(integration.TenantID, integration.ID)
	if err != nil {
		msg := fmt.Sprintf("failed to load registered devices: %v", err)
		o.audit.LogEvent(audit.Event{
			TenantID:      integration.TenantID,
			IntegrationID: integration.ID,
			EventType:     db.EventDataCollection,
			Category:      db.EventError,
			Message:       msg,
		})
		return db.StatusError, &msg
	}

	var succeeded, failed int

	for i, device := range devices {
		if device.Status != db.DeviceActive {
			continue
		}

		// Politeness throttle between devices sharing one credential.
		if i > 0 && o.config.InterDeviceDelay > 0 {
			select {
			case <-ctx.Done():
				msg := "collection cancelled"
				return db.StatusError, &msg
			case <-time.After(o.config.InterDeviceDelay):
			}
		}

		allowed, err := o.store.TryAcquireRequestSlot(integration.TenantID, integration.ID)
		if err != nil {
			log.Error("Rate limit check failed", zap.Error(err))
			failed++
			continue
		}
		if !allowed {
			o.metrics.RecordRateLimitRejection(integration.TenantID, integration.Vendor)
			msg := "rate limit exhausted for current window"
			o.audit.LogEvent(audit.Event{
				TenantID:      integration.TenantID,
				IntegrationID: integration.ID,
				EventType:     db.EventDataCollection,
				Category:      db.EventWarning,
				Message:       msg,
			})
			return db.StatusRateLimited, &msg
		}

		ok, vendorLimited := o.collectDevice(ctx, integration, adapter, device, db.EventDataCollection)
		if vendorLimited {
			// The vendor itself said no through all retries. Stop the run;
			// hammering the remaining devices would only dig the hole deeper.
			o.metrics.RecordRateLimitRejection(integration.TenantID, integration.Vendor)
			msg := fmt.Sprintf("vendor rate limit hit on device %s", device.VendorDeviceID)
			return db.StatusRateLimited, &msg
		}
		if ok {
			succeeded++
		} else {
			failed++
		}
	}

	switch {
	case failed > 0 && succeeded == 0:
		msg := fmt.Sprintf("all %d devices failed collection", failed)
		return db.StatusError, &msg
	case failed > 0:
		msg := fmt.Sprintf("%d of %d devices failed collection", failed, succeeded+failed)
		return db.StatusDegraded, &msg
	default:
		return db.StatusActive, nil
	}
}

// collectDevice performs one device collection, persists on success and
// writes the audit entry either way. Returns whether the device succeeded and
// whether the failure was the vendor rejecting on quota.
func (o *Orchestrator) collectDevice(ctx context.Context, integration *db.Integration, adapter vendors.Adapter, device *db.DeviceRegistration, eventType string) (bool, bool) {
	callCtx, cancel := context.WithTimeout(ctx, o.config.CollectTimeout)
	defer cancel()

	result := adapter.CollectDeviceMetrics(callCtx, device.VendorDeviceID)

	if !result.Success || len(result.Metrics) == 0 {
		msg := result.Error
		if msg == "" {
			msg = "collection returned no metrics"
		}
		o.metrics.RecordDeviceCollection(integration.TenantID, integration.Vendor, false)
		o.audit.LogEvent(audit.Event{
			TenantID:         integration.TenantID,
			IntegrationID:    integration.ID,
			DeviceID:         device.ID,
			EventType:        eventType,
			Category:         db.EventError,
			Message:          fmt.Sprintf("device %s: %s", device.VendorDeviceID, msg),
			ResponseSnapshot: result.RawResponse,
			HTTPStatus:       result.HTTPStatus,
			ResponseTimeMs:   result.ResponseTimeMs,
		})
		return false, result.RateLimited
	}

	rows := o.toMetricRows(integration, device, result)
	if err := o.store.SaveDeviceMetrics(integration.TenantID, device.ID, rows); err != nil {
		o.metrics.RecordDeviceCollection(integration.TenantID, integration.Vendor, false)
		o.audit.LogEvent(audit.Event{
			TenantID:      integration.TenantID,
			IntegrationID: integration.ID,
			DeviceID:      device.ID,
			EventType:     eventType,
			Category:      db.EventError,
			Message:       fmt.Sprintf("device %s: failed to persist metrics: %v", device.VendorDeviceID, err),
		})
		return false, false
	}

	o.metrics.RecordDeviceCollection(integration.TenantID, integration.Vendor, true)
	o.metrics.RecordMetricsPersisted(integration.TenantID, integration.Vendor, len(rows))

	if err := o.metrics.SendDeviceMetrics(integration.TenantID, integration.Vendor, device.ID, rows); err != nil {
		o.logger.Warn("Failed to push device metrics to remote write",
			zap.String("device_id", device.ID),
			zap.Error(err),
		)
	}

	o.audit.LogEvent(audit.Event{
		TenantID:       integration.TenantID,
		IntegrationID:  integration.ID,
		DeviceID:       device.ID,
		EventType:      eventType,
		Category:       db.EventSuccess,
		Message:        fmt.Sprintf("device %s: collected %d metrics", device.VendorDeviceID, len(rows)),
		HTTPStatus:     result.HTTPStatus,
		ResponseTimeMs: result.ResponseTimeMs,
	})

	return true, false
}

func (o *Orchestrator) toMetricRows(integration *db.Integration, device *db.DeviceRegistration, result *vendors.CollectionResult) []*db.DeviceMetric {
	collectedAt := time.Now().UTC()
	rows := make([]*db.DeviceMetric, 0, len(result.Metrics))

	for _, m := range result.Metrics {
		rows = append(rows, &db.DeviceMetric{
			ID:                   uuid.New().String(),
			TenantID:             integration.TenantID,
			DeviceRegistrationID: device.ID,
			IntegrationID:        integration.ID,
			MetricType:           m.Type,
			MetricName:           m.Name,
			Category:             m.Category,
			NumericValue:         m.NumericValue,
			StringValue:          m.StringValue,
			BoolValue:            m.BoolValue,
			JSONValue:            m.JSONValue,
			Unit:                 m.Unit,
			MeasuredAt:           m.MeasuredAt,
			CollectedAt:          collectedAt,
			IsValid:              true,
			RawPayload:           result.RawResponse,
			CollectionMethod:     string(integration.Method),
			DataSource:           integration.Vendor,
		})
	}
	return rows
}

// Manual/on-demand paths. They reuse the adapter cache and audit logging but
// run outside the batch scheduler.

func (o *Orchestrator) TestConnection(ctx context.Context, tenantID, integrationID string) (bool, error) {
	integration, err := o.store.GetIntegration(integrationID, tenantID)
	if err != nil {
		return false, err
	}

	adapter, err := o.adapter(integration)
	if err != nil {
		return false, err
	}

	start := time.Now()
	ok := adapter.TestConnection(ctx)

	category := db.EventSuccess
	message := "connection test passed"
	if !ok {
		category = db.EventError
		message = "connection test failed"
	}
	o.audit.LogEvent(audit.Event{
		TenantID:       tenantID,
		IntegrationID:  integrationID,
		EventType:      db.EventConnectionTest,
		Category:       category,
		Message:        message,
		ResponseTimeMs: int(time.Since(start).Milliseconds()),
	})

	return ok, nil
}

// DiscoverDevices enumerates the vendor's devices and upserts them as
// registrations. Returns the discovered devices.
func (o *Orchestrator) DiscoverDevices(ctx context.Context, tenantID, integrationID string) ([]vendors.DeviceInfo, error) {
	integration, err := o.store.GetIntegration(integrationID, tenantID)
	if err != nil {
		return nil, err
	}

	adapter, err := o.adapter(integration)
	if err != nil {
		return nil, err
	}

	devices, err := adapter.DiscoverDevices(ctx)
	if err != nil {
		o.audit.LogEvent(audit.Event{
			TenantID:      tenantID,
			IntegrationID: integrationID,
			EventType:     db.EventDeviceDiscovery,
			Category:      db.EventError,
			Message:       fmt.Sprintf("device discovery failed: %v", err),
		})
		return nil, err
	}

	now := time.Now().UTC()
	for _, info := range devices {
		registration := &db.DeviceRegistration{
			ID:               uuid.New().String(),
			TenantID:         tenantID,
			IntegrationID:    integrationID,
			VendorDeviceID:   info.VendorDeviceID,
			SerialNumber:     info.SerialNumber,
			Model:            info.Model,
			Name:             info.Name,
			IPAddress:        info.IPAddress,
			Hostname:         info.Hostname,
			MACAddress:       info.MACAddress,
			Capabilities:     info.Capabilities,
			SupportedMetrics: info.SupportedMetrics,
			Status:           db.DeviceActive,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := o.store.RegisterDevice(registration); err != nil {
			o.logger.Error("Failed to register discovered device",
				zap.String("vendor_device_id", info.VendorDeviceID),
				zap.Error(err),
			)
		}
	}

	o.audit.LogEvent(audit.Event{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		EventType:     db.EventDeviceDiscovery,
		Category:      db.EventSuccess,
		Message:       fmt.Sprintf("discovered %d devices", len(devices)),
	})

	return devices, nil
}

// CollectDevice collects a single device on demand.
func (o *Orchestrator) CollectDevice(ctx context.Context, tenantID, deviceID string) (bool, error) {
	device, err := o.store.GetDevice(deviceID, tenantID)
	if err != nil {
		return false, err
	}

	integration, err := o.store.GetIntegration(device.IntegrationID, tenantID)
	if err != nil {
		return false, err
	}

	adapter, err := o.adapter(integration)
	if err != nil {
		return false, err
	}

	allowed, err := o.store.TryAcquireRequestSlot(tenantID, integration.ID)
	if err != nil {
		return false, err
	}
	if !allowed {
		o.metrics.RecordRateLimitRejection(tenantID, integration.Vendor)
		return false, fmt.Errorf("rate limit exhausted for integration %s", integration.ID)
	}

	ok, _ := o.collectDevice(ctx, integration, adapter, device, db.EventManualCollection)
	return ok, nil
}

// GetDeviceInfo fetches the vendor's current view of a registered device.
func (o *Orchestrator) GetDeviceInfo(ctx context.Context, tenantID, deviceID string) (*vendors.DeviceInfo, error) {
	device, err := o.store.GetDevice(deviceID, tenantID)
	if err != nil {
		return nil, err
	}

	integration, err := o.store.GetIntegration(device.IntegrationID, tenantID)
	if err != nil {
		return nil, err
	}

	adapter, err := o.adapter(integration)
	if err != nil {
		return nil, err
	}

	return adapter.GetDeviceInfo(ctx, device.VendorDeviceID)
}

// UpdateDeviceConfig pushes configuration to a device through its vendor API.
func (o *Orchestrator) UpdateDeviceConfig(ctx context.Context, tenantID, deviceID string, cfg map[string]interface{}) error {
	device, err := o.store.GetDevice(deviceID, tenantID)
	if err != nil {
		return err
	}

	integration, err := o.store.GetIntegration(device.IntegrationID, tenantID)
	if err != nil {
		return err
	}

	adapter, err := o.adapter(integration)
	if err != nil {
		return err
	}

	if err := adapter.UpdateDeviceConfig(ctx, device.VendorDeviceID, cfg); err != nil {
		o.audit.LogEvent(audit.Event{
			TenantID:      tenantID,
			IntegrationID: integration.ID,
			DeviceID:      device.ID,
			EventType:     db.EventDeviceConfigUpdated,
			Category:      db.EventError,
			Message:       fmt.Sprintf("device %s: config update failed: %v", device.VendorDeviceID, err),
		})
		return err
	}

	o.audit.LogEvent(audit.Event{
		TenantID:        tenantID,
		IntegrationID:   integration.ID,
		DeviceID:        device.ID,
		EventType:       db.EventDeviceConfigUpdated,
		Category:        db.EventSuccess,
		Message:         fmt.Sprintf("device %s: config updated", device.VendorDeviceID),
		RequestSnapshot: db.JSONB(cfg),
	})
	return nil
}
