package vendors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/normalize"
	"github.com/fleetpulse/telemetry/internal/transport"
)

// ErrConfig marks a non-retryable configuration problem (missing endpoint or
// credential fields). Distinct from authentication failures, which are
// retryable after the operator fixes the upstream account.
var ErrConfig = errors.New("invalid adapter configuration")

// ErrUnknownVendor is returned by New for vendor identifiers without an
// adapter implementation.
var ErrUnknownVendor = errors.New("unknown vendor")

// Config is everything an adapter needs from its Integration row. Adapters
// share no mutable base state; helpers (transport client, generic mapper) are
// composed in per instance.
type Config struct {
	IntegrationID string
	TenantID      string
	Endpoint      string
	APIVersion    string
	AuthType      db.AuthType
	Credentials   map[string]interface{}
	FieldMappings map[string]string
	Settings      map[string]interface{}
	HTTP          transport.Options
}

type DeviceInfo struct {
	VendorDeviceID   string
	SerialNumber     string
	Model            string
	Name             string
	IPAddress        string
	Hostname         string
	MACAddress       string
	Capabilities     []string
	SupportedMetrics []string
}

// CollectionResult is the only way a device collection reports back. Ordinary
// failures (timeouts, 4xx/5xx, malformed payloads) never surface as errors
// from the adapter, only as Success=false with a descriptive message.
// RateLimited marks a failure caused by the vendor rejecting on quota (429
// through all retries) so the orchestrator can set rate_limited instead of
// error. HTTPStatus is the upstream status code when one was received.
type CollectionResult struct {
	Success        bool
	Metrics        []*normalize.Metric
	Error          string
	RateLimited    bool
	HTTPStatus     int
	RawResponse    db.JSONB
	ResponseTimeMs int
}

type Adapter interface {
	Vendor() string
	// TestConnection is a lightweight reachability check. Never returns an
	// error, false covers every failure mode.
	TestConnection(ctx context.Context) bool
	// Authenticate establishes or refreshes the session. Idempotent.
	Authenticate(ctx context.Context) error
	// DiscoverDevices enumerates devices visible to the credential. Zero
	// devices is an empty slice, not an error.
	DiscoverDevices(ctx context.Context) ([]DeviceInfo, error)
	CollectDeviceMetrics(ctx context.Context, vendorDeviceID string) *CollectionResult
	GetDeviceInfo(ctx context.Context, vendorDeviceID string) (*DeviceInfo, error)
	UpdateDeviceConfig(ctx context.Context, vendorDeviceID string, cfg map[string]interface{}) error
}

// New builds the adapter for a vendor identifier. Construction fails fast
// with ErrConfig when required credential fields are missing.
func New(vendor string, cfg Config, logger *zap.Logger) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrConfig)
	}

	log := logger.With(
		zap.String("vendor", vendor),
		zap.String("integration_id", cfg.IntegrationID),
	)

	switch strings.ToLower(vendor) {
	case "kyocera":
		return newKyoceraAdapter(cfg, log)
	case "ricoh":
		return newRicohAdapter(cfg, log)
	case "xerox":
		return newXeroxAdapter(cfg, log)
	case "hp":
		return newHPAdapter(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, vendor)
	}
}

// SupportedVendors lists the vendor identifiers New accepts.
func SupportedVendors() []string {
	return []string{"kyocera", "ricoh", "xerox", "hp"}
}

func credString(creds map[string]interface{}, key string) string {
	if creds == nil {
		return ""
	}
	if v, ok := creds[key].(string); ok {
		return v
	}
	return ""
}

func failure(err error, elapsedMs int) *CollectionResult {
	result := &CollectionResult{
		Success:        false,
		Error:          err.Error(),
		RateLimited:    errors.Is(err, transport.ErrRateLimited),
		ResponseTimeMs: elapsedMs,
	}

	var statusErr *transport.StatusError
	if errors.As(err, &statusErr) {
		result.HTTPStatus = statusErr.StatusCode
	} else if result.RateLimited {
		result.HTTPStatus = http.StatusTooManyRequests
	}
	return result
}

// measuredAt pulls the vendor-reported timestamp out of a payload, falling
// back to ingestion time when it is absent or unparseable.
func measuredAt(payload map[string]interface{}, keys ...string) time.Time {
	for _, key := range keys {
		raw, ok := payload[key].(string)
		if !ok || raw == "" {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}

func rawBody(resp *transport.Response) db.JSONB {
	var raw map[string]interface{}
	if err := resp.JSON(&raw); err != nil {
		return db.JSONB{"body": resp.Text()}
	}
	return db.JSONB(raw)
}
