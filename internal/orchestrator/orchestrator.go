package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/audit"
	"github.com/fleetpulse/telemetry/internal/config"
	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/queue"
	"github.com/fleetpulse/telemetry/internal/transport"
	"github.com/fleetpulse/telemetry/internal/vendors"
)

// Store is the slice of the repository the orchestrator drives.
type Store interface {
	GetIntegrationsDueForCollection() ([]*db.Integration, error)
	GetIntegration(id, tenantID string) (*db.Integration, error)
	GetDevices(tenantID, integrationID string) ([]*db.DeviceRegistration, error)
	GetDevice(id, tenantID string) (*db.DeviceRegistration, error)
	RegisterDevice(d *db.DeviceRegistration) error
	SaveDeviceMetrics(tenantID, deviceID string, metrics []*db.DeviceMetric) error
	UpdateIntegrationStatus(tenantID, id string, status db.IntegrationStatus, lastError *string) error
	ScheduleNextCollection(tenantID, id string, next time.Time) error
	TryAcquireRequestSlot(tenantID, id string) (bool, error)
}

// Recorder is the slice of the metrics collector the orchestrator feeds.
type Recorder interface {
	RecordCollection(tenantID, vendor, status string, seconds float64)
	RecordDeviceCollection(tenantID, vendor string, success bool)
	RecordMetricsPersisted(tenantID, vendor string, count int)
	RecordRateLimitRejection(tenantID, vendor string)
	SendDeviceMetrics(tenantID, vendor, deviceID string, rows []*db.DeviceMetric) error
}

type AuditSink interface {
	LogEvent(ev audit.Event)
}

type adapterKey struct {
	Vendor        string
	IntegrationID string
}

type Orchestrator struct {
	store   Store
	audit   AuditSink
	metrics Recorder
	logger  *zap.Logger
	config  *config.CollectorConfig

	// newAdapter is swapped out in tests.
	newAdapter func(vendor string, cfg vendors.Config, logger *zap.Logger) (vendors.Adapter, error)

	// adapters caches constructed adapters so cached auth state (OAuth
	// tokens) survives across runs.
	adaptersMu sync.Mutex
	adapters   map[adapterKey]vendors.Adapter

	// running holds the per-integration run lock: at most one in-flight
	// collection run per integration id.
	runningMu sync.Mutex
	running   map[string]struct{}
}

func New(store Store, auditSink AuditSink, recorder Recorder, logger *zap.Logger, cfg *config.CollectorConfig) *Orchestrator {
	return &Orchestrator{
		store:      store,
		audit:      auditSink,
		metrics:    recorder,
		logger:     logger,
		config:     cfg,
		newAdapter: vendors.New,
		adapters:   make(map[adapterKey]vendors.Adapter),
		running:    make(map[string]struct{}),
	}
}

// Start runs scheduled batch passes until the context is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info("Starting collection orchestrator",
		zap.Int("worker_count", o.config.WorkerCount),
		zap.Duration("batch_interval", o.config.BatchInterval),
	)

	ticker := time.NewTicker(o.config.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Stopping collection orchestrator")
			return
		case <-ticker.C:
			o.RunBatch(ctx)
		}
	}
}

// RunBatch processes every integration currently due. Integrations are
// independent units of work: a failure in one never aborts the others.
func (o *Orchestrator) RunBatch(ctx context.Context) {
	integrations, err := o.store.GetIntegrationsDueForCollection()
	if err != nil {
		o.logger.Error("Failed to get integrations due for collection", zap.Error(err))
		return
	}
	if len(integrations) == 0 {
		return
	}

	o.logger.Info("Running collection batch", zap.Int("due", len(integrations)))

	jobs := make(chan *db.Integration)

	workers := o.config.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log := o.logger.With(zap.Int("worker_id", workerID))
			for integration := range jobs {
				o.collectIntegration(ctx, integration, log)
			}
		}(i)
	}

	for _, integration := range integrations {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- integration:
		}
	}
	close(jobs)
	wg.Wait()
}

// ConsumeJobs services on-demand collection requests pushed by the API.
func (o *Orchestrator) ConsumeJobs(ctx context.Context, q *queue.RedisQueue) {
	o.logger.Info("Consuming on-demand collection jobs")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.Pop(ctx, 5*time.Second)
		if err == queue.ErrTimeout {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("Failed to pop collection job", zap.Error(err))
			continue
		}

		o.processJob(ctx, job)
	}
}

func (o *Orchestrator) processJob(ctx context.Context, job *queue.Job) {
	log := o.logger.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("tenant_id", job.TenantID),
	)
	log.Info("Processing collection job")

	switch job.Type {
	case queue.JobRunBatch:
		o.RunBatch(ctx)

	case queue.JobCollectIntegration:
		integration, err := o.store.GetIntegration(job.IntegrationID, job.TenantID)
		if err != nil {
			log.Error("Failed to load integration for job", zap.Error(err))
			return
		}
		o.collectIntegration(ctx, integration, log)

	case queue.JobCollectDevice:
		if _, err := o.CollectDevice(ctx, job.TenantID, job.DeviceID); err != nil {
			log.Error("Failed to collect device", zap.Error(err))
		}

	case queue.JobDiscoverDevices:
		if _, err := o.DiscoverDevices(ctx, job.TenantID, job.IntegrationID); err != nil {
			log.Error("Failed to discover devices", zap.Error(err))
		}

	default:
		log.Warn("Unknown job type")
	}
}

// adapter resolves the cached adapter for an integration, constructing one on
// first use.
func (o *Orchestrator) adapter(integration *db.Integration) (vendors.Adapter, error) {
	key := adapterKey{Vendor: integration.Vendor, IntegrationID: integration.ID}

	o.adaptersMu.Lock()
	defer o.adaptersMu.Unlock()

	if a, ok := o.adapters[key]; ok {
		return a, nil
	}

	a, err := o.newAdapter(integration.Vendor, o.adapterConfig(integration), o.logger)
	if err != nil {
		return nil, err
	}

	o.adapters[key] = a
	return a, nil
}

// InvalidateAdapter drops the cached adapter, forcing reconstruction with
// fresh configuration on the next run. Called after credential updates.
func (o *Orchestrator) InvalidateAdapter(vendor, integrationID string) {
	o.adaptersMu.Lock()
	defer o.adaptersMu.Unlock()
	delete(o.adapters, adapterKey{Vendor: vendor, IntegrationID: integrationID})
}

func (o *Orchestrator) adapterConfig(integration *db.Integration) vendors.Config {
	fieldMappings := make(map[string]string, len(integration.FieldMappings))
	for k, v := range integration.FieldMappings {
		if s, ok := v.(string); ok {
			fieldMappings[k] = s
		}
	}

	return vendors.Config{
		IntegrationID: integration.ID,
		TenantID:      integration.TenantID,
		Endpoint:      integration.Endpoint,
		APIVersion:    integration.APIVersion,
		AuthType:      integration.AuthType,
		Credentials:   integration.Credentials,
		FieldMappings: fieldMappings,
		Settings:      integration.Settings,
		HTTP: transport.Options{
			Timeout:        o.config.CollectTimeout,
			MaxRetries:     o.config.MaxRetries,
			BackoffBase:    o.config.BackoffBase,
			RequestsPerSec: o.config.RequestsPerSec,
		},
	}
}

// tryLock takes the per-integration run lock. Overlapping runs for the same
// integration would defeat the rate-limit accounting, so the second run is
// skipped rather than queued.
func (o *Orchestrator) tryLock(integrationID string) bool {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()

	if _, inFlight := o.running[integrationID]; inFlight {
		return false
	}
	o.running[integrationID] = struct{}{}
	return true
}

func (o *Orchestrator) unlock(integrationID string) {
	o.runningMu.Lock()
	defer o.runningMu.Unlock()
	delete(o.running, integrationID)
}
