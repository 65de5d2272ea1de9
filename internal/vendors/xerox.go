package vendors

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/normalize"
	"github.com/fleetpulse/telemetry/internal/transport"
)

// xeroxAdapter uses HTTP basic auth and exposes usage and supplies on
// separate resources with camelCase field names, remapped to the canonical
// snake_case vocabulary before categorization.
type xeroxAdapter struct {
	cfg    Config
	client *transport.Client
	// authClient carries no 401 hook; see kyoceraAdapter.auth.
	authClient *transport.Client
	mapper     *normalize.Mapper
	logger     *zap.Logger
	auth       string
}

var xeroxRenames = map[string]string{
	"totalImpressions":      "total_prints",
	"colorImpressions":      "color_prints",
	"blackImpressions":      "mono_prints",
	"copiedImpressions":     "total_copies",
	"scannedImages":         "total_scans",
	"largeSheetImpressions": "large_page_count",
}

func newXeroxAdapter(cfg Config, logger *zap.Logger) (*xeroxAdapter, error) {
	username := credString(cfg.Credentials, "username")
	password := credString(cfg.Credentials, "password")
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: xerox requires credentials.username and credentials.password", ErrConfig)
	}

	renames := map[string]string{}
	for k, v := range xeroxRenames {
		renames[k] = v
	}
	for k, v := range cfg.FieldMappings {
		renames[k] = v
	}

	a := &xeroxAdapter{
		cfg:    cfg,
		mapper: normalize.NewMapper(renames, map[string]string{"toner_level": "percent"}),
		logger: logger,
		auth:   base64.StdEncoding.EncodeToString([]byte(username + ":" + password)),
	}

	opts := cfg.HTTP
	opts.OnAuthError = a.handleAuthError
	a.client = transport.NewClient(opts, logger)
	a.authClient = transport.NewClient(cfg.HTTP, logger)

	return a, nil
}

func (a *xeroxAdapter) Vendor() string { return "xerox" }

func (a *xeroxAdapter) headers() map[string]string {
	return map[string]string{"Authorization": "Basic " + a.auth}
}

// Basic credentials have no refresh path; the hook just re-validates them so
// a rotated password shows up as an authentication failure, not a retry loop.
func (a *xeroxAdapter) handleAuthError(ctx context.Context) error {
	return a.Authenticate(ctx)
}

func (a *xeroxAdapter) TestConnection(ctx context.Context) bool {
	_, err := a.client.Get(ctx, a.cfg.Endpoint+"/api/status", a.headers())
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	return true
}

func (a *xeroxAdapter) Authenticate(ctx context.Context) error {
	_, err := a.authClient.Get(ctx, a.cfg.Endpoint+"/api/account", a.headers())
	if err != nil {
		return fmt.Errorf("xerox authentication failed: %w", err)
	}
	return nil
}

func (a *xeroxAdapter) DiscoverDevices(ctx context.Context) ([]DeviceInfo, error) {
	resp, err := a.client.Get(ctx, a.cfg.Endpoint+"/api/devices", a.headers())
	if err != nil {
		return nil, fmt.Errorf("xerox device discovery failed: %w", err)
	}

	var payload []struct {
		DeviceID     string `json:"deviceId"`
		SerialNumber string `json:"serialNumber"`
		Model        string `json:"model"`
		Description  string `json:"description"`
		IPAddress    string `json:"ipAddress"`
		HostName     string `json:"hostName"`
		MACAddress   string `json:"macAddress"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, fmt.Errorf("xerox device list unparseable: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(payload))
	for _, d := range payload {
		devices = append(devices, DeviceInfo{
			VendorDeviceID:   d.DeviceID,
			SerialNumber:     d.SerialNumber,
			Model:            d.Model,
			Name:             d.Description,
			IPAddress:        d.IPAddress,
			Hostname:         d.HostName,
			MACAddress:       d.MACAddress,
			SupportedMetrics: []string{"usage", "supplies"},
		})
	}
	return devices, nil
}

func (a *xeroxAdapter) CollectDeviceMetrics(ctx context.Context, vendorDeviceID string) *CollectionResult {
	usageURL := fmt.Sprintf("%s/api/devices/%s/usage", a.cfg.Endpoint, vendorDeviceID)
	usageResp, err := a.client.Get(ctx, usageURL, a.headers())
	if err != nil {
		return failure(err, 0)
	}

	var usage map[string]interface{}
	if err := usageResp.JSON(&usage); err != nil {
		return failure(fmt.Errorf("xerox usage unparseable: %w", err), usageResp.ElapsedMs)
	}

	ts := measuredAt(usage, "reportedAt", "timestamp")
	delete(usage, "reportedAt")
	delete(usage, "timestamp")

	metrics := a.mapper.MapPayload(usage, ts)
	elapsed := usageResp.ElapsedMs
	raw := rawBody(usageResp)

	// Supplies are best-effort: a device that answers usage but not supplies
	// still counts as a successful collection.
	suppliesURL := fmt.Sprintf("%s/api/devices/%s/supplies", a.cfg.Endpoint, vendorDeviceID)
	suppliesResp, err := a.client.Get(ctx, suppliesURL, a.headers())
	if err != nil {
		a.logger.Warn("xerox supplies fetch failed",
			zap.String("device_id", vendorDeviceID),
			zap.Error(err),
		)
	} else {
		elapsed += suppliesResp.ElapsedMs

		var supplies struct {
			Items []struct {
				Name    string  `json:"name"`
				Type    string  `json:"type"`
				Percent float64 `json:"percent"`
			} `json:"items"`
		}
		if err := suppliesResp.JSON(&supplies); err == nil {
			for _, s := range supplies.Items {
				level := s.Percent
				metrics = append(metrics, &normalize.Metric{
					Category:     "supply",
					Type:         s.Type + "_level",
					Name:         s.Name + "_level",
					NumericValue: &level,
					Unit:         "percent",
					MeasuredAt:   ts,
				})
			}
		}
	}

	return &CollectionResult{
		Success:        true,
		Metrics:        metrics,
		HTTPStatus:     usageResp.StatusCode,
		RawResponse:    raw,
		ResponseTimeMs: elapsed,
	}
}

func (a *xeroxAdapter) GetDeviceInfo(ctx context.Context, vendorDeviceID string) (*DeviceInfo, error) {
	devices, err := a.DiscoverDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].VendorDeviceID == vendorDeviceID {
			return &devices[i], nil
		}
	}
	return nil, nil
}

func (a *xeroxAdapter) UpdateDeviceConfig(ctx context.Context, vendorDeviceID string, cfg map[string]interface{}) error {
	url := fmt.Sprintf("%s/api/devices/%s/configuration", a.cfg.Endpoint, vendorDeviceID)
	if _, err := a.client.Post(ctx, url, cfg, a.headers()); err != nil {
		return fmt.Errorf("xerox device configuration update failed: %w", err)
	}
	return nil
}
