package vendors

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/normalize"
	"github.com/fleetpulse/telemetry/internal/transport"
)

// kyoceraAdapter speaks the fleet-services style API: a static API key in the
// X-API-Key header, device counters and toner levels on separate resources.
type kyoceraAdapter struct {
	cfg    Config
	client *transport.Client
	// auth carries no 401 hook: the hook's own check request must not be
	// able to re-enter the hook when the key keeps being rejected.
	auth   *transport.Client
	mapper *normalize.Mapper
	logger *zap.Logger
	apiKey string
}

// Bespoke counter names we know the meaning of; everything else goes through
// the generic mapper.
var kyoceraCounterNames = map[string]string{
	"print_total":   "total_prints",
	"copy_total":    "total_copies",
	"scan_total":    "total_scans",
	"print_color":   "color_prints",
	"print_mono":    "mono_prints",
	"duplex_total":  "duplex_pages",
	"a3_page_count": "a3_pages",
}

func newKyoceraAdapter(cfg Config, logger *zap.Logger) (*kyoceraAdapter, error) {
	apiKey := credString(cfg.Credentials, "api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("%w: kyocera requires credentials.api_key", ErrConfig)
	}

	a := &kyoceraAdapter{
		cfg:    cfg,
		mapper: normalize.NewMapper(cfg.FieldMappings, nil),
		logger: logger,
		apiKey: apiKey,
	}

	opts := cfg.HTTP
	opts.OnAuthError = a.handleAuthError
	a.client = transport.NewClient(opts, logger)
	a.auth = transport.NewClient(cfg.HTTP, logger)

	return a, nil
}

func (a *kyoceraAdapter) Vendor() string { return "kyocera" }

func (a *kyoceraAdapter) headers() map[string]string {
	return map[string]string{"X-API-Key": a.apiKey}
}

// handleAuthError is invoked by the transport on 401. API keys cannot be
// refreshed, so the only recovery is verifying the key still works at all.
func (a *kyoceraAdapter) handleAuthError(ctx context.Context) error {
	return a.Authenticate(ctx)
}

func (a *kyoceraAdapter) TestConnection(ctx context.Context) bool {
	_, err := a.client.Get(ctx, a.cfg.Endpoint+"/api/v2/ping", a.headers())
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	return true
}

func (a *kyoceraAdapter) Authenticate(ctx context.Context) error {
	_, err := a.auth.Get(ctx, a.cfg.Endpoint+"/api/v2/account", a.headers())
	if err != nil {
		return fmt.Errorf("kyocera authentication failed: %w", err)
	}
	return nil
}

func (a *kyoceraAdapter) DiscoverDevices(ctx context.Context) ([]DeviceInfo, error) {
	resp, err := a.client.Get(ctx, a.cfg.Endpoint+"/api/v2/devices", a.headers())
	if err != nil {
		return nil, fmt.Errorf("kyocera device discovery failed: %w", err)
	}

	var payload struct {
		Devices []struct {
			ID           string   `json:"id"`
			Serial       string   `json:"serial"`
			Model        string   `json:"model"`
			FriendlyName string   `json:"friendly_name"`
			IPAddress    string   `json:"ip_address"`
			Hostname     string   `json:"hostname"`
			MACAddress   string   `json:"mac_address"`
			Capabilities []string `json:"capabilities"`
		} `json:"devices"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, fmt.Errorf("kyocera device list unparseable: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(payload.Devices))
	for _, d := range payload.Devices {
		devices = append(devices, DeviceInfo{
			VendorDeviceID:   d.ID,
			SerialNumber:     d.Serial,
			Model:            d.Model,
			Name:             d.FriendlyName,
			IPAddress:        d.IPAddress,
			Hostname:         d.Hostname,
			MACAddress:       d.MACAddress,
			Capabilities:     d.Capabilities,
			SupportedMetrics: []string{"counters", "toner_levels", "device_status"},
		})
	}
	return devices, nil
}

func (a *kyoceraAdapter) CollectDeviceMetrics(ctx context.Context, vendorDeviceID string) *CollectionResult {
	url := fmt.Sprintf("%s/api/v2/devices/%s/counters", a.cfg.Endpoint, vendorDeviceID)

	resp, err := a.client.Get(ctx, url, a.headers())
	if err != nil {
		return failure(err, 0)
	}

	var payload struct {
		Timestamp string                 `json:"timestamp"`
		Counters  map[string]interface{} `json:"counters"`
		Toners    []struct {
			Color string  `json:"color"`
			Level float64 `json:"level"`
		} `json:"toners"`
		Status string `json:"status"`
	}
	if err := resp.JSON(&payload); err != nil {
		return failure(fmt.Errorf("kyocera counters unparseable: %w", err), resp.ElapsedMs)
	}

	ts := time.Now().UTC()
	if payload.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
			ts = parsed
		}
	}

	var metrics []*normalize.Metric
	for key, value := range payload.Counters {
		name := key
		if mapped, ok := kyoceraCounterNames[key]; ok {
			name = mapped
		}
		if m, ok := a.mapper.MapField(name, value, ts); ok {
			metrics = append(metrics, m)
		}
	}

	for _, toner := range payload.Toners {
		level := toner.Level
		metrics = append(metrics, &normalize.Metric{
			Category:     "supply",
			Type:         "toner_level",
			Name:         fmt.Sprintf("toner_%s_level", toner.Color),
			NumericValue: &level,
			Unit:         "percent",
			MeasuredAt:   ts,
		})
	}

	if payload.Status != "" {
		status := payload.Status
		metrics = append(metrics, &normalize.Metric{
			Category:    "status",
			Type:        "device_status",
			Name:        "device_status",
			StringValue: &status,
			MeasuredAt:  ts,
		})
	}

	return &CollectionResult{
		Success:        true,
		Metrics:        metrics,
		HTTPStatus:     resp.StatusCode,
		RawResponse:    rawBody(resp),
		ResponseTimeMs: resp.ElapsedMs,
	}
}

func (a *kyoceraAdapter) GetDeviceInfo(ctx context.Context, vendorDeviceID string) (*DeviceInfo, error) {
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

func (a *kyoceraAdapter) UpdateDeviceConfig(ctx context.Context, vendorDeviceID string, cfg map[string]interface{}) error {
	url := fmt.Sprintf("%s/api/v2/devices/%s/config", a.cfg.Endpoint, vendorDeviceID)
	if _, err := a.client.Post(ctx, url, cfg, a.headers()); err != nil {
		return fmt.Errorf("kyocera device config update failed: %w", err)
	}
	return nil
}
