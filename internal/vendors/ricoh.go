package vendors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/normalize"
	"github.com/fleetpulse/telemetry/internal/transport"
)

// ricohAdapter authenticates with OAuth2 client credentials and caches the
// bearer token. The transport 401 hook drops the cached token and fetches a
// fresh one; the replay re-reads the cache through the AuthHeaders callback so
// it carries the new token, not a snapshot of the old one.
type ricohAdapter struct {
	cfg    Config
	client *transport.Client
	// auth performs the token requests. It carries no 401 hook and no bearer
	// header: a token request that 401s (bad client credentials) must fail
	// outright, not re-enter the hook while Authenticate holds the mutex.
	auth   *transport.Client
	mapper *normalize.Mapper
	logger *zap.Logger

	clientID     string
	clientSecret string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func newRicohAdapter(cfg Config, logger *zap.Logger) (*ricohAdapter, error) {
	clientID := credString(cfg.Credentials, "client_id")
	clientSecret := credString(cfg.Credentials, "client_secret")
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: ricoh requires credentials.client_id and credentials.client_secret", ErrConfig)
	}

	a := &ricohAdapter{
		cfg:          cfg,
		mapper:       normalize.NewMapper(cfg.FieldMappings, nil),
		logger:       logger,
		clientID:     clientID,
		clientSecret: clientSecret,
	}

	opts := cfg.HTTP
	opts.OnAuthError = a.handleAuthError
	opts.AuthHeaders = a.bearerHeaders
	a.client = transport.NewClient(opts, logger)
	a.auth = transport.NewClient(cfg.HTTP, logger)

	return a, nil
}

func (a *ricohAdapter) Vendor() string { return "ricoh" }

func (a *ricohAdapter) handleAuthError(ctx context.Context) error {
	a.mu.Lock()
	a.accessToken = ""
	a.tokenExpiry = time.Time{}
	a.mu.Unlock()
	return a.Authenticate(ctx)
}

// Authenticate fetches a client-credentials token if the cached one is absent
// or close to expiry. Calling it repeatedly on a healthy adapter is a no-op.
func (a *ricohAdapter) Authenticate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Until(a.tokenExpiry) > 30*time.Second {
		return nil
	}

	body := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     a.clientID,
		"client_secret": a.clientSecret,
	}

	resp, err := a.auth.Post(ctx, a.cfg.Endpoint+"/oauth2/token", body, nil)
	if err != nil {
		return fmt.Errorf("ricoh token request failed: %w", err)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := resp.JSON(&token); err != nil {
		return fmt.Errorf("ricoh token response unparseable: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("ricoh token response missing access_token")
	}

	a.accessToken = token.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return nil
}

// bearerHeaders is evaluated by the transport on every attempt.
func (a *ricohAdapter) bearerHeaders() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return map[string]string{"Authorization": "Bearer " + a.accessToken}
}

func (a *ricohAdapter) TestConnection(ctx context.Context) bool {
	if err := a.Authenticate(ctx); err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	_, err := a.client.Get(ctx, a.cfg.Endpoint+"/v1/health", nil)
	if err != nil {
		a.logger.Debug("connection test failed", zap.Error(err))
		return false
	}
	return true
}

func (a *ricohAdapter) DiscoverDevices(ctx context.Context) ([]DeviceInfo, error) {
	if err := a.Authenticate(ctx); err != nil {
		return nil, err
	}

	resp, err := a.client.Get(ctx, a.cfg.Endpoint+"/v1/devices", nil)
	if err != nil {
		return nil, fmt.Errorf("ricoh device discovery failed: %w", err)
	}

	var payload struct {
		Items []struct {
			DeviceID     string `json:"deviceId"`
			SerialNumber string `json:"serialNumber"`
			ModelName    string `json:"modelName"`
			DisplayName  string `json:"displayName"`
			Network      struct {
				IPAddress  string `json:"ipAddress"`
				Hostname   string `json:"hostname"`
				MACAddress string `json:"macAddress"`
			} `json:"network"`
		} `json:"items"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, fmt.Errorf("ricoh device list unparseable: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(payload.Items))
	for _, d := range payload.Items {
		devices = append(devices, DeviceInfo{
			VendorDeviceID:   d.DeviceID,
			SerialNumber:     d.SerialNumber,
			Model:            d.ModelName,
			Name:             d.DisplayName,
			IPAddress:        d.Network.IPAddress,
			Hostname:         d.Network.Hostname,
			MACAddress:       d.Network.MACAddress,
			SupportedMetrics: []string{"counters", "supplies", "alerts", "device_status"},
		})
	}
	return devices, nil
}

func (a *ricohAdapter) CollectDeviceMetrics(ctx context.Context, vendorDeviceID string) *CollectionResult {
	if err := a.Authenticate(ctx); err != nil {
		return failure(err, 0)
	}

	url := fmt.Sprintf("%s/v1/devices/%s/status", a.cfg.Endpoint, vendorDeviceID)
	resp, err := a.client.Get(ctx, url, nil)
	if err != nil {
		return failure(err, 0)
	}

	var payload struct {
		ReportedAt string                 `json:"reportedAt"`
		Counters   map[string]interface{} `json:"counters"`
		Supplies   struct {
			Toner map[string]float64 `json:"toner"`
			Paper map[string]float64 `json:"paper"`
		} `json:"supplies"`
		Alerts []struct {
			Code     string `json:"code"`
			Severity string `json:"severity"`
			Message  string `json:"message"`
		} `json:"alerts"`
		State string `json:"state"`
	}
	if err := resp.JSON(&payload); err != nil {
		return failure(fmt.Errorf("ricoh status unparseable: %w", err), resp.ElapsedMs)
	}

	ts := time.Now().UTC()
	if payload.ReportedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, payload.ReportedAt); err == nil {
			ts = parsed
		}
	}

	metrics := a.mapper.MapPayload(payload.Counters, ts)

	for color, level := range payload.Supplies.Toner {
		v := level
		metrics = append(metrics, &normalize.Metric{
			Category:     "supply",
			Type:         "toner_level",
			Name:         fmt.Sprintf("toner_%s_level", color),
			NumericValue: &v,
			Unit:         "percent",
			MeasuredAt:   ts,
		})
	}
	for tray, level := range payload.Supplies.Paper {
		v := level
		metrics = append(metrics, &normalize.Metric{
			Category:     "supply",
			Type:         "paper_level",
			Name:         fmt.Sprintf("paper_%s_level", tray),
			NumericValue: &v,
			Unit:         "percent",
			MeasuredAt:   ts,
		})
	}

	for _, alert := range payload.Alerts {
		msg := fmt.Sprintf("%s: %s", alert.Severity, alert.Message)
		metrics = append(metrics, &normalize.Metric{
			Category:    "error",
			Type:        "device_alert",
			Name:        "alert_" + alert.Code,
			StringValue: &msg,
			MeasuredAt:  ts,
		})
	}

	if payload.State != "" {
		state := payload.State
		metrics = append(metrics, &normalize.Metric{
			Category:    "status",
			Type:        "device_status",
			Name:        "device_status",
			StringValue: &state,
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

func (a *ricohAdapter) GetDeviceInfo(ctx context.Context, vendorDeviceID string) (*DeviceInfo, error) {
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

func (a *ricohAdapter) UpdateDeviceConfig(ctx context.Context, vendorDeviceID string, cfg map[string]interface{}) error {
	if err := a.Authenticate(ctx); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/devices/%s/settings", a.cfg.Endpoint, vendorDeviceID)
	if _, err := a.client.Post(ctx, url, cfg, nil); err != nil {
		return fmt.Errorf("ricoh device settings update failed: %w", err)
	}
	return nil
}
