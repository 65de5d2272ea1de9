package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetpulse/telemetry/internal/config"
)

type Collector struct {
	config *config.MimirConfig

	collectionsTotal    *prometheus.CounterVec
	collectionDuration  *prometheus.HistogramVec
	deviceCollections   *prometheus.CounterVec
	metricsPersisted    *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec
	auditWriteFailures  prometheus.Counter
}

func NewCollector(cfg config.MimirConfig) *Collector {
	return &Collector{
		config: &cfg,

		collectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_collections_total",
			Help: "Integration collection runs by outcome",
		}, []string{"tenant_id", "vendor", "status"}),

		collectionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_collection_duration_seconds",
			Help:    "Duration of one integration collection run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"tenant_id", "vendor"}),

		deviceCollections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_device_collections_total",
			Help: "Per-device collection attempts by outcome",
		}, []string{"tenant_id", "vendor", "outcome"}),

		metricsPersisted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_metrics_persisted_total",
			Help: "Normalized metric rows written",
		}, []string{"tenant_id", "vendor"}),

		rateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_rate_limit_rejections_total",
			Help: "Device collections skipped because the integration was out of quota",
		}, []string{"tenant_id", "vendor"}),

		auditWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "fleet_audit_write_failures_total",
			Help: "Audit entries that could not be persisted",
		}),
	}
}

func (c *Collector) RecordCollection(tenantID, vendor, status string, seconds float64) {
	c.collectionsTotal.WithLabelValues(tenantID, vendor, status).Inc()
	c.collectionDuration.WithLabelValues(tenantID, vendor).Observe(seconds)
}

func (c *Collector) RecordDeviceCollection(tenantID, vendor string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.deviceCollections.WithLabelValues(tenantID, vendor, outcome).Inc()
}

func (c *Collector) RecordMetricsPersisted(tenantID, vendor string, count int) {
	c.metricsPersisted.WithLabelValues(tenantID, vendor).Add(float64(count))
}

func (c *Collector) RecordRateLimitRejection(tenantID, vendor string) {
	c.rateLimitRejections.WithLabelValues(tenantID, vendor).Inc()
}

func (c *Collector) RecordAuditWriteFailure() {
	c.auditWriteFailures.Inc()
}
