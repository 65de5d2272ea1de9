package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/config"
	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/normalize"
	"github.com/fleetpulse/telemetry/internal/vendors"
)

type fakeStore struct {
	integration *db.Integration
	devices     []*db.DeviceRegistration

	savedRows     []*db.DeviceMetric
	statuses      []db.IntegrationStatus
	lastErrors    []*string
	scheduledNext []time.Time
	registered    []*db.DeviceRegistration

	slotBudget int
}

func (f *fakeStore) GetIntegrationsDueForCollection() ([]*db.Integration, error) {
	return []*db.Integration{f.integration}, nil
}

func (f *fakeStore) GetIntegration(id, tenantID string) (*db.Integration, error) {
	return f.integration, nil
}

func (f *fakeStore) GetDevices(tenantID, integrationID string) ([]*db.DeviceRegistration, error) {
	return f.devices, nil
}

func (f *fakeStore) GetDevice(id, tenantID string) (*db.DeviceRegistration, error) {
	for _, d := range f.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, errors.New("device not found")
}

func (f *fakeStore) RegisterDevice(d *db.DeviceRegistration) error {
	f.registered = append(f.registered, d)
	return nil
}

func (f *fakeStore) SaveDeviceMetrics(tenantID, deviceID string, metrics []*db.DeviceMetric) error {
	f.savedRows = append(f.savedRows, metrics...)
	return nil
}

func (f *fakeStore) UpdateIntegrationStatus(tenantID, id string, status db.IntegrationStatus, lastError *string) error {
	f.statuses = append(f.statuses, status)
	f.lastErrors = append(f.lastErrors, lastError)
	return nil
}

func (f *fakeStore) ScheduleNextCollection(tenantID, id string, next time.Time) error {
	f.scheduledNext = append(f.scheduledNext, next)
	return nil
}

func (f *fakeStore) TryAcquireRequestSlot(tenantID, id string) (bool, error) {
	if f.slotBudget <= 0 {
		return false, nil
	}
	f.slotBudget--
	return true, nil
}

type fakeRecorder struct {
	collections    int
	deviceSuccess  int
	deviceFailure  int
	persisted      int
	rateRejections int
	pushed         int
}

func (f *fakeRecorder) RecordCollection(tenantID, vendor, status string, seconds float64) {
	f.collections++
}

func (f *fakeRecorder) RecordDeviceCollection(tenantID, vendor string, success bool) {
	if success {
		f.deviceSuccess++
	} else {
		f.deviceFailure++
	}
}

func (f *fakeRecorder) RecordMetricsPersisted(tenantID, vendor string, count int) {
	f.persisted += count
}

func (f *fakeRecorder) RecordRateLimitRejection(tenantID, vendor string) {
	f.rateRejections++
}

func (f *fakeRecorder) SendDeviceMetrics(tenantID, vendor, deviceID string, rows []*db.DeviceMetric) error {
	f.pushed += len(rows)
	return nil
}

type fakeAudit struct {
	events []audit.Event
}

func (f *fakeAudit) LogEvent(ev audit.Event) {
	f.events = append(f.events, ev)
}

func (f *fakeAudit) byCategory(cat db.EventCategory) []audit.Event {
	var out []audit.Event
	for _, ev := range f.events {
		if ev.Category == cat {
			out = append(out, ev)
		}
	}
	return out
}

// stubAdapter returns canned collection results keyed by vendor device id.
type stubAdapter struct {
	results map[string]*vendors.CollectionResult
}

func (s *stubAdapter) Vendor() string { return "kyocera" }

func (s *stubAdapter) TestConnection(ctx context.Context) bool { return true }

func (s *stubAdapter) Authenticate(ctx context.Context) error { return nil }

func (s *stubAdapter) DiscoverDevices(ctx context.Context) ([]vendors.DeviceInfo, error) {
	return nil, nil
}

func (s *stubAdapter) CollectDeviceMetrics(ctx context.Context, vendorDeviceID string) *vendors.CollectionResult {
	if r, ok := s.results[vendorDeviceID]; ok {
		return r
	}
	return &vendors.CollectionResult{Success: false, Error: "unknown device"}
}

func (s *stubAdapter) GetDeviceInfo(ctx context.Context, vendorDeviceID string) (*vendors.DeviceInfo, error) {
	return nil, nil
}

func (s *stubAdapter) UpdateDeviceConfig(ctx context.Context, vendorDeviceID string, cfg map[string]interface{}) error {
	return nil
}

func successResult(count int) *vendors.CollectionResult {
	now := time.Now().UTC()
	metrics := make([]*normalize.Metric, 0, count)
	for i := 0; i < count; i++ {
		v := float64(100 + i)
		metrics = append(metrics, &normalize.Metric{
			Category:     db.CategoryUsage,
			Type:         "total_prints",
			Name:         "total_prints",
			NumericValue: &v,
			MeasuredAt:   now,
		})
	}
	return &vendors.CollectionResult{
		Success:        true,
		Metrics:        metrics,
		RawResponse:    db.JSONB{"ok": true},
		ResponseTimeMs: 12,
	}
}

func testIntegration() *db.Integration {
	return &db.Integration{
		ID:        "int-1",
		TenantID:  "tenant-1",
		Vendor:    "kyocera",
		Method:    db.MethodAPI,
		Frequency: db.FrequencyHourly,
		Status:    db.StatusActive,
		IsActive:  true,
	}
}

func device(id, vendorID string, status db.DeviceStatus) *db.DeviceRegistration {
	return &db.DeviceRegistration{
		ID:             id,
		TenantID:       "tenant-1",
		IntegrationID:  "int-1",
		VendorDeviceID: vendorID,
		Status:         status,
	}
}

func newTestOrchestrator(store *fakeStore, adapter vendors.Adapter) (*Orchestrator, *fakeRecorder, *fakeAudit) {
	recorder := &fakeRecorder{}
	sink := &fakeAudit{}

	cfg := &config.CollectorConfig{
		WorkerCount:      1,
		BatchInterval:    time.Minute,
		CollectTimeout:   time.Second,
		InterDeviceDelay: 0,
		MaxRetries:       1,
		BackoffBase:      time.Millisecond,
	}

	o := New(store, sink, recorder, zap.NewNop(), cfg)
	o.newAdapter = func(vendor string, cfg vendors.Config, logger *zap.Logger) (vendors.Adapter, error) {
		return adapter, nil
	}
	return o, recorder, sink
}

func TestCollectIntegrationPartialFailure(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices: []*db.DeviceRegistration{
			device("d1", "prn-1", db.DeviceActive),
			device("d2", "prn-2", db.DeviceActive),
			device("d3", "prn-3", db.DeviceActive),
		},
		slotBudget: 10,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{
		"prn-1": successResult(2),
		"prn-2": {Success: false, Error: "HTTP 502: device offline"},
		"prn-3": successResult(2),
	}}

	o, recorder, sink := newTestOrchestrator(store, adapter)
	before := time.Now().UTC()
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	require.Len(t, store.statuses, 1)
	assert.Equal(t, db.StatusDegraded, store.statuses[0])
	require.NotNil(t, store.lastErrors[0])
	assert.Equal(t, "1 of 3 devices failed collection", *store.lastErrors[0])

	assert.Len(t, store.savedRows, 4)
	for _, row := range store.savedRows {
		assert.Equal(t, "tenant-1", row.TenantID)
		assert.Equal(t, "kyocera", row.DataSource)
		assert.Equal(t, "api", row.CollectionMethod)
		assert.False(t, row.CollectedAt.Before(before))
	}

	require.Len(t, store.scheduledNext, 1)
	assert.True(t, store.scheduledNext[0].After(before.Add(59*time.Minute)))

	assert.Equal(t, 2, recorder.deviceSuccess)
	assert.Equal(t, 1, recorder.deviceFailure)
	assert.Equal(t, 4, recorder.persisted)
	assert.Equal(t, 1, recorder.collections)

	assert.Len(t, sink.byCategory(db.EventSuccess), 2)
	require.Len(t, sink.byCategory(db.EventError), 1)
	assert.Contains(t, sink.byCategory(db.EventError)[0].Message, "prn-2")
}

func TestCollectIntegrationAllDevicesFail(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices: []*db.DeviceRegistration{
			device("d1", "prn-1", db.DeviceActive),
			device("d2", "prn-2", db.DeviceActive),
		},
		slotBudget: 10,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{}}

	o, _, _ := newTestOrchestrator(store, adapter)
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	require.Len(t, store.statuses, 1)
	assert.Equal(t, db.StatusError, store.statuses[0])
	require.NotNil(t, store.lastErrors[0])
	assert.Equal(t, "all 2 devices failed collection", *store.lastErrors[0])
	assert.Empty(t, store.savedRows)

	// A fully failed run still advances the schedule.
	assert.Len(t, store.scheduledNext, 1)
}

func TestCollectIntegrationNoDevices(t *testing.T) {
	store := &fakeStore{integration: testIntegration(), slotBudget: 10}
	adapter := &stubAdapter{}

	o, _, _ := newTestOrchestrator(store, adapter)
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	require.Len(t, store.statuses, 1)
	assert.Equal(t, db.StatusActive, store.statuses[0])
	assert.Nil(t, store.lastErrors[0])
}

func TestCollectIntegrationSkipsInactiveDevices(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices: []*db.DeviceRegistration{
			device("d1", "prn-1", db.DeviceActive),
			device("d2", "prn-2", db.DeviceInactive),
		},
		slotBudget: 10,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{
		"prn-1": successResult(1),
		"prn-2": successResult(1),
	}}

	o, recorder, _ := newTestOrchestrator(store, adapter)
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	assert.Equal(t, db.StatusActive, store.statuses[0])
	assert.Len(t, store.savedRows, 1)
	assert.Equal(t, 1, recorder.deviceSuccess)
}

func TestCollectIntegrationRateLimited(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices: []*db.DeviceRegistration{
			device("d1", "prn-1", db.DeviceActive),
			device("d2", "prn-2", db.DeviceActive),
		},
		slotBudget: 1,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{
		"prn-1": successResult(1),
		"prn-2": successResult(1),
	}}

	o, recorder, sink := newTestOrchestrator(store, adapter)
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	require.Len(t, store.statuses, 1)
	assert.Equal(t, db.StatusRateLimited, store.statuses[0])
	require.NotNil(t, store.lastErrors[0])
	assert.Equal(t, "rate limit exhausted for current window", *store.lastErrors[0])

	// The first device got through before the window closed.
	assert.Len(t, store.savedRows, 1)
	assert.Equal(t, 1, recorder.rateRejections)
	assert.NotEmpty(t, sink.byCategory(db.EventWarning))
}

func TestCollectIntegrationVendorRateLimited(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices: []*db.DeviceRegistration{
			device("d1", "prn-1", db.DeviceActive),
			device("d2", "prn-2", db.DeviceActive),
			device("d3", "prn-3", db.DeviceActive),
		},
		slotBudget: 10,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{
		"prn-1": successResult(1),
		"prn-2": {
			Success:     false,
			Error:       "rate limited by vendor: slow down",
			RateLimited: true,
			HTTPStatus:  429,
		},
		"prn-3": successResult(1),
	}}

	o, recorder, sink := newTestOrchestrator(store, adapter)
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	require.Len(t, store.statuses, 1)
	assert.Equal(t, db.StatusRateLimited, store.statuses[0])
	require.NotNil(t, store.lastErrors[0])
	assert.Equal(t, "vendor rate limit hit on device prn-2", *store.lastErrors[0])

	// The run stops at the throttled device; prn-3 is never attempted.
	assert.Len(t, store.savedRows, 1)
	assert.Equal(t, 1, recorder.rateRejections)

	errEvents := sink.byCategory(db.EventError)
	require.Len(t, errEvents, 1)
	assert.Equal(t, 429, errEvents[0].HTTPStatus)
}

func TestFailedCollectionAuditCarriesHTTPStatus(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
		slotBudget:  10,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{
		"prn-1": {
			Success:        false,
			Error:          "HTTP 502: device offline",
			HTTPStatus:     502,
			ResponseTimeMs: 40,
		},
	}}

	o, _, sink := newTestOrchestrator(store, adapter)
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	errEvents := sink.byCategory(db.EventError)
	require.Len(t, errEvents, 1)
	assert.Equal(t, 502, errEvents[0].HTTPStatus)
	assert.Equal(t, 40, errEvents[0].ResponseTimeMs)
}

func TestAdapterConfigCarriesHTTPOptions(t *testing.T) {
	store := &fakeStore{integration: testIntegration()}
	o, _, _ := newTestOrchestrator(store, &stubAdapter{})
	o.config.CollectTimeout = 7 * time.Second
	o.config.MaxRetries = 4
	o.config.BackoffBase = 250 * time.Millisecond
	o.config.RequestsPerSec = 2.5

	cfg := o.adapterConfig(store.integration)
	assert.Equal(t, 7*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 4, cfg.HTTP.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.HTTP.BackoffBase)
	assert.Equal(t, 2.5, cfg.HTTP.RequestsPerSec)
}

func TestCollectIntegrationAdapterConstructionFails(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
		slotBudget:  10,
	}

	o, _, sink := newTestOrchestrator(store, nil)
	o.newAdapter = func(vendor string, cfg vendors.Config, logger *zap.Logger) (vendors.Adapter, error) {
		return nil, errors.New("missing credentials")
	}

	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	require.Len(t, store.statuses, 1)
	assert.Equal(t, db.StatusError, store.statuses[0])
	require.NotNil(t, store.lastErrors[0])
	assert.Contains(t, *store.lastErrors[0], "adapter construction failed")
	assert.NotEmpty(t, sink.byCategory(db.EventError))
}

func TestCollectIntegrationRunLock(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
		slotBudget:  10,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{"prn-1": successResult(1)}}

	o, _, _ := newTestOrchestrator(store, adapter)
	require.True(t, o.tryLock("int-1"))

	o.collectIntegration(context.Background(), store.integration, zap.NewNop())

	// In-flight lock held, so the overlapping run must be a no-op.
	assert.Empty(t, store.statuses)
	assert.Empty(t, store.savedRows)

	o.unlock("int-1")
	o.collectIntegration(context.Background(), store.integration, zap.NewNop())
	assert.Len(t, store.statuses, 1)
}

func TestCollectDeviceOnDemand(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
		slotBudget:  10,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{"prn-1": successResult(3)}}

	o, recorder, _ := newTestOrchestrator(store, adapter)

	ok, err := o.CollectDevice(context.Background(), "tenant-1", "d1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, store.savedRows, 3)
	assert.Equal(t, 3, recorder.pushed)
}

func TestCollectDeviceOnDemandRateLimited(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
		slotBudget:  0,
	}
	adapter := &stubAdapter{results: map[string]*vendors.CollectionResult{"prn-1": successResult(1)}}

	o, recorder, _ := newTestOrchestrator(store, adapter)

	_, err := o.CollectDevice(context.Background(), "tenant-1", "d1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Equal(t, 1, recorder.rateRejections)
	assert.Empty(t, store.savedRows)
}

func TestDiscoverDevicesRegisters(t *testing.T) {
	store := &fakeStore{integration: testIntegration(), slotBudget: 10}
	adapter := &discoveringAdapter{stubAdapter: stubAdapter{}, devices: []vendors.DeviceInfo{
		{VendorDeviceID: "prn-9", SerialNumber: "SN9", Model: "TASKalfa"},
	}}

	o, _, sink := newTestOrchestrator(store, adapter)

	devices, err := o.DiscoverDevices(context.Background(), "tenant-1", "int-1")
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	require.Len(t, store.registered, 1)
	assert.Equal(t, "prn-9", store.registered[0].VendorDeviceID)
	assert.Equal(t, db.DeviceActive, store.registered[0].Status)
	assert.NotEmpty(t, sink.byCategory(db.EventSuccess))
}

type discoveringAdapter struct {
	stubAdapter
	devices []vendors.DeviceInfo
}

func (d *discoveringAdapter) DiscoverDevices(ctx context.Context) ([]vendors.DeviceInfo, error) {
	return d.devices, nil
}

func (d *discoveringAdapter) GetDeviceInfo(ctx context.Context, vendorDeviceID string) (*vendors.DeviceInfo, error) {
	for i := range d.devices {
		if d.devices[i].VendorDeviceID == vendorDeviceID {
			return &d.devices[i], nil
		}
	}
	return nil, nil
}

func TestGetDeviceInfo(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
	}
	adapter := &discoveringAdapter{stubAdapter: stubAdapter{}, devices: []vendors.DeviceInfo{
		{VendorDeviceID: "prn-1", SerialNumber: "SN1", Model: "TASKalfa"},
	}}

	o, _, _ := newTestOrchestrator(store, adapter)

	info, err := o.GetDeviceInfo(context.Background(), "tenant-1", "d1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "SN1", info.SerialNumber)

	_, err = o.GetDeviceInfo(context.Background(), "tenant-1", "d9")
	assert.Error(t, err)
}

func TestUpdateDeviceConfigAudited(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
	}
	adapter := &stubAdapter{}

	o, _, sink := newTestOrchestrator(store, adapter)

	cfg := map[string]interface{}{"sleep_timer": "30m"}
	require.NoError(t, o.UpdateDeviceConfig(context.Background(), "tenant-1", "d1", cfg))

	events := sink.byCategory(db.EventSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, db.EventDeviceConfigUpdated, events[0].EventType)
	assert.Equal(t, "30m", events[0].RequestSnapshot["sleep_timer"])
}

type rejectingConfigAdapter struct {
	stubAdapter
}

func (r *rejectingConfigAdapter) UpdateDeviceConfig(ctx context.Context, vendorDeviceID string, cfg map[string]interface{}) error {
	return errors.New("setting not supported")
}

func TestUpdateDeviceConfigFailureAudited(t *testing.T) {
	store := &fakeStore{
		integration: testIntegration(),
		devices:     []*db.DeviceRegistration{device("d1", "prn-1", db.DeviceActive)},
	}

	o, _, sink := newTestOrchestrator(store, &rejectingConfigAdapter{})

	err := o.UpdateDeviceConfig(context.Background(), "tenant-1", "d1", map[string]interface{}{"duplex": true})
	require.Error(t, err)

	events := sink.byCategory(db.EventError)
	require.Len(t, events, 1)
	assert.Equal(t, db.EventDeviceConfigUpdated, events[0].EventType)
	assert.Contains(t, events[0].Message, "setting not supported")
}
