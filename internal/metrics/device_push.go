package metrics

import (
	"github.com/prometheus/prometheus/prompb"

	"github.com/fleetpulse/telemetry/internal/db"
)

// SendDeviceMetrics pushes freshly normalized numeric device metrics straight
// to the remote-write endpoint so dashboards see readings without waiting for
// a scrape cycle. Non-numeric slots have no sample representation and are
// skipped.
func (c *Collector) SendDeviceMetrics(tenantID, vendor, deviceID string, rows []*db.DeviceMetric) error {
	if !c.config.Enabled || c.config.URL == "" {
		return nil
	}

	var timeseries []prompb.TimeSeries
	for _, row := range rows {
		if row.NumericValue == nil {
			continue
		}

		timeseries = append(timeseries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: "fleet_device_metric"},
				{Name: "tenant_id", Value: tenantID},
				{Name: "vendor", Value: vendor},
				{Name: "device_id", Value: deviceID},
				{Name: "metric_name", Value: row.MetricName},
				{Name: "category", Value: string(row.Category)},
			},
			Samples: []prompb.Sample{
				{Value: *row.NumericValue, Timestamp: row.MeasuredAt.UnixMilli()},
			},
		})
	}

	if len(timeseries) == 0 {
		return nil
	}

	return remoteWrite(c.config.URL, c.config.TenantHeader, tenantID, c.config.AuthToken, timeseries)
}
