package vendors

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/normalize"
	"github.com/fleetpulse/telemetry/internal/transport"
)

// hpAdapter talks to the smart-device telemetry API: API key plus client id
// headers, flat snake_case payloads. It has no bespoke field table and leans
// entirely on the generic fallback mapper plus the integration's configured
// field mappings.
type hpAdapter struct {
	cfg    Config
	client *transport.Client
	// auth carries no 401 hook; see kyoceraAdapter.auth.
	auth     *transport.Client
	mapper   *normalize.Mapper
	logger   *zap.Logger
	apiKey   string
	clientID string
}

func newHPAdapter(cfg Config, logger *zap.Logger) (*hpAdapter, error) {
	apiKey := credString(cfg.Credentials, "api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: hp requires credentials.api_key", ErrConfig)
	}

	a := &hpAdapter{
		cfg:      cfg,
		mapper:   normalize.NewMapper(cfg.FieldMappings, nil),
		logger:   logger,
		apiKey:   apiKey,
		clientID: credString(cfg.Credentials, "client_id"),
	}

	opts := cfg.HTTP
	opts.OnAuthError = a.handleAuthError
	a.client = transport.NewClient(opts, logger)
	a.auth = transport.NewClient(cfg.HTTP, logger)

	return a, nil
}

func (a *hpAdapter) Vendor() string { return "hp" }

func (a *hpAdapter) headers() map[string]string {
	h := map[string]string{"X-Api-Key": a.apiKey}
	if a.clientID != "" {
		h["X-Client-Id"] = a.clientID
	}
	if a.cfg.APIVersion != "" {
		h["X-Api-Version"] = a.cfg.APIVersion
	}
	return h
}

func (a *hpAdapter) handleAuthError(ctx context.Context) error {
	return a.Authenticate(ctx)
}

func (a *hpAdapter) TestConnection(ctx context.Context) bool {
	_, err := a.client.Get(ctx, a.cfg.Endpoint+"/telemetry/v1/health", a.headers())
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	return true
}

func (a *hpAdapter) Authenticate(ctx context.Context) error {
	_, err := a.auth.Get(ctx, a.cfg.Endpoint+"/telemetry/v1/me", a.headers())
	if err != nil {
		return fmt.Errorf("hp authentication failed: %w", err)
	}
	return nil
}

func (a *hpAdapter) DiscoverDevices(ctx context.Context) ([]DeviceInfo, error) {
	resp, err := a.client.Get(ctx, a.cfg.Endpoint+"/telemetry/v1/printers", a.headers())
	if err != nil {
		return nil, fmt.Errorf("hp device discovery failed: %w", err)
	}

	var payload struct {
		Printers []struct {
			PrinterID    string   `json:"printer_id"`
			SerialNumber string   `json:"serial_number"`
			Model        string   `json:"model"`
			Name         string   `json:"name"`
			IPAddress    string   `json:"ip_address"`
			Hostname     string   `json:"hostname"`
			MACAddress   string   `json:"mac_address"`
			Features     []string `json:"features"`
		} `json:"printers"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, fmt.Errorf("hp printer list unparseable: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(payload.Printers))
	for _, p := range payload.Printers {
		devices = append(devices, DeviceInfo{
			VendorDeviceID:   p.PrinterID,
			SerialNumber:     p.SerialNumber,
			Model:            p.Model,
			Name:             p.Name,
			IPAddress:        p.IPAddress,
			Hostname:         p.Hostname,
			MACAddress:       p.MACAddress,
			Capabilities:     p.Features,
			SupportedMetrics: []string{"metrics"},
		})
	}
	return devices, nil
}

func (a *hpAdapter) CollectDeviceMetrics(ctx context.Context, vendorDeviceID string) *CollectionResult {
	url := fmt.Sprintf("%s/telemetry/v1/printers/%s/metrics", a.cfg.Endpoint, vendorDeviceID)

	resp, err := a.client.Get(ctx, url, a.headers())
	if err != nil {
		return failure(err, 0)
	}

	var payload map[string]interface{}
	if err := resp.JSON(&payload); err != nil {
		return failure(fmt.Errorf("hp metrics unparseable: %w", err), resp.ElapsedMs)
	}

	ts := measuredAt(payload, "measured_at", "timestamp")
	delete(payload, "measured_at")
	delete(payload, "timestamp")
	delete(payload, "printer_id")

	metrics := a.mapper.MapPayload(payload, ts)

	return &CollectionResult{
		Success:        true,
		Metrics:        metrics,
		HTTPStatus:     resp.StatusCode,
		RawResponse:    rawBody(resp),
		ResponseTimeMs: resp.ElapsedMs,
	}
}

func (a *hpAdapter) GetDeviceInfo(ctx context.Context, vendorDeviceID string) (*DeviceInfo, error) {
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

func (a *hpAdapter) UpdateDeviceConfig(ctx context.Context, vendorDeviceID string, cfg map[string]interface{}) error {
	url := fmt.Sprintf("%s/telemetry/v1/printers/%s/settings", a.cfg.Endpoint, vendorDeviceID)
	if _, err := a.client.Post(ctx, url, cfg, a.headers()); err != nil {
		return fmt.Errorf("hp printer settings update failed: %w", err)
	}
	return nil
}
