package vendors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/normalize"
	"github.com/fleetpulse/telemetry/internal/transport"
)

func kyoceraConfig(endpoint string) Config {
	return Config{
		IntegrationID: "int-1",
		TenantID:      "tenant-1",
		Endpoint:      endpoint,
		Credentials:   map[string]interface{}{"api_key": "test-key"},
		HTTP: transport.Options{
			Timeout:        2 * time.Second,
			MaxRetries:     1,
			BackoffBase:    time.Millisecond,
			RequestsPerSec: 1000,
		},
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New("kyocera", Config{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewKyoceraRequiresAPIKey(t *testing.T) {
	cfg := kyoceraConfig("http://example.invalid")
	cfg.Credentials = map[string]interface{}{}
	_, err := New("kyocera", cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewUnknownVendor(t *testing.T) {
	cfg := kyoceraConfig("http://example.invalid")
	_, err := New("lexmark", cfg, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnknownVendor)
}

func TestKyoceraTestConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "/api/v2/ping", r.URL.Path)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "kyocera", adapter.Vendor())
	assert.True(t, adapter.TestConnection(context.Background()))
}

func TestKyoceraDiscoverDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/devices", r.URL.Path)
		w.Write([]byte(`{"devices":[
			{"id":"prn-1","serial":"KYO123","model":"TASKalfa 3554ci","friendly_name":"3F Copier","ip_address":"10.0.0.12","hostname":"copier-3f","capabilities":["print","copy"]},
			{"id":"prn-2","serial":"KYO456","model":"ECOSYS P3155dn"}
		]}`))
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	devices, err := adapter.DiscoverDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "prn-1", devices[0].VendorDeviceID)
	assert.Equal(t, "KYO123", devices[0].SerialNumber)
	assert.Equal(t, "3F Copier", devices[0].Name)
	assert.Equal(t, []string{"print", "copy"}, devices[0].Capabilities)
	assert.NotEmpty(t, devices[0].SupportedMetrics)
}

func TestKyoceraCollectDeviceMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/devices/prn-1/counters", r.URL.Path)
		w.Write([]byte(`{
			"timestamp": "2024-03-01T12:00:00Z",
			"counters": {"print_total": 15000, "copy_total": 3200},
			"toners": [{"color":"black","level":62.5},{"color":"cyan","level":80}],
			"status": "ready"
		}`))
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	result := adapter.CollectDeviceMetrics(context.Background(), "prn-1")
	require.True(t, result.Success)
	assert.Empty(t, result.Error)
	assert.Equal(t, http.StatusOK, result.HTTPStatus)
	assert.NotNil(t, result.RawResponse)

	byName := map[string]*normalize.Metric{}
	for _, m := range result.Metrics {
		byName[m.Name] = m
	}

	wantTS := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	prints := byName["total_prints"]
	require.NotNil(t, prints, "print_total should be renamed")
	require.NotNil(t, prints.NumericValue)
	assert.Equal(t, float64(15000), *prints.NumericValue)
	assert.Equal(t, wantTS, prints.MeasuredAt)

	toner := byName["toner_black_level"]
	require.NotNil(t, toner)
	require.NotNil(t, toner.NumericValue)
	assert.Equal(t, 62.5, *toner.NumericValue)
	assert.Equal(t, "percent", toner.Unit)

	status := byName["device_status"]
	require.NotNil(t, status)
	require.NotNil(t, status.StringValue)
	assert.Equal(t, "ready", *status.StringValue)
}

func TestKyoceraCollectDeviceMetricsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "device offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	result := adapter.CollectDeviceMetrics(context.Background(), "prn-1")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "502")
	assert.Equal(t, http.StatusBadGateway, result.HTTPStatus)
	assert.False(t, result.RateLimited)
	assert.Empty(t, result.Metrics)
}

func TestKyoceraCollectRejectedKeyIsBounded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "key revoked", http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	result := adapter.CollectDeviceMetrics(context.Background(), "prn-1")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "authentication failed")
	assert.Equal(t, http.StatusUnauthorized, result.HTTPStatus)

	// One counters request plus one account check from the 401 hook, then the
	// failure surfaces. A rejected key must never loop.
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestKyoceraCollectVendorThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	result := adapter.CollectDeviceMetrics(context.Background(), "prn-1")
	assert.False(t, result.Success)
	assert.True(t, result.RateLimited)
	assert.Equal(t, http.StatusTooManyRequests, result.HTTPStatus)
}

func TestKyoceraGetDeviceInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"devices":[{"id":"prn-1","serial":"KYO123","model":"TASKalfa 3554ci"}]}`))
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	info, err := adapter.GetDeviceInfo(context.Background(), "prn-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "KYO123", info.SerialNumber)

	missing, err := adapter.GetDeviceInfo(context.Background(), "prn-9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestKyoceraUpdateDeviceConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/devices/prn-1/config", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))

		var cfg map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
		assert.Equal(t, "30m", cfg["sleep_timer"])

		w.Write([]byte(`{"status":"applied"}`))
	}))
	defer srv.Close()

	adapter, err := New("kyocera", kyoceraConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	err = adapter.UpdateDeviceConfig(context.Background(), "prn-1", map[string]interface{}{"sleep_timer": "30m"})
	require.NoError(t, err)
}
