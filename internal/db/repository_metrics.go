package db

import (
	"fmt"
	"strings"
)

// Metric persistence
// SaveDeviceMetrics inserts the normalized rows and stamps the device's
// last_data_collected_at in one transaction.
func (r *Repository) SaveDeviceMetrics(tenantID, deviceID string, metrics []*DeviceMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
        INSERT INTO device_metrics (
            id, tenant_id, device_registration_id, integration_id, metric_type,
            metric_name, category, numeric_value, string_value, bool_value,
            json_value, unit, measured_at, collected_at, is_valid, raw_payload,
            collection_method, data_source
        ) VALUES (
            :id, :tenant_id, :device_registration_id, :integration_id, :metric_type,
            :metric_name, :category, :numeric_value, :string_value, :bool_value,
            :json_value, :unit, :measured_at, :collected_at, :is_valid, :raw_payload,
            :collection_method, :data_source
        )`

	for _, m := range metrics {
		if _, err := tx.NamedExec(query, m); err != nil {
			return err
		}
	}

	_, err = tx.Exec(`
        UPDATE device_registrations SET last_data_collected_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND tenant_id = $2`, deviceID, tenantID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) GetDeviceMetrics(f MetricFilters) ([]*DeviceMetric, error) {
	metrics := []*DeviceMetric{}

	query := `SELECT * FROM device_metrics WHERE tenant_id = $1 AND device_registration_id = $2`
	args := []interface{}{f.TenantID, f.DeviceID}

	if len(f.MetricTypes) > 0 {
		placeholders := make([]string, len(f.MetricTypes))
		for i, t := range f.MetricTypes {
			args = append(args, t)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(" AND metric_type IN (%s)", strings.Join(placeholders, ", "))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += fmt.Sprintf(" AND measured_at >= $%d", len(args))
	}
	if f.To != nil {
		args = append(args, *f.To)
		query += fmt.Sprintf(" AND measured_at <= $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY measured_at DESC LIMIT $%d", len(args))

	err := r.db.Select(&metrics, query, args...)
	return metrics, err
}

// Rate-limit bookkeeping.
// TryAcquireRequestSlot is the check-and-increment from the collection path,
// done as a single conditional UPDATE so concurrent workers cannot race past
// the cap. An elapsed window is reset and the request counted in the same
// statement. Returns false when the integration is out of quota for the
// current window.
func (r *Repository) TryAcquireRequestSlot(tenantID, id string) (bool, error) {
	query := `
        UPDATE integrations SET
            current_requests = CASE
                WHEN rate_limit_reset_at IS NULL OR rate_limit_reset_at <= NOW() THEN 1
                ELSE current_requests + 1
            END,
            rate_limit_reset_at = CASE
                WHEN rate_limit_reset_at IS NULL OR rate_limit_reset_at <= NOW()
                    THEN NOW() + (rate_limit_window || ' seconds')::interval
                ELSE rate_limit_reset_at
            END
        WHERE id = $1 AND tenant_id = $2
        AND (
            rate_limit_reset_at IS NULL
            OR rate_limit_reset_at <= NOW()
            OR current_requests < rate_limit_requests
        )`

	res, err := r.db.Exec(query, id, tenantID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CheckRateLimit reports whether the integration is currently blocked,
// resetting the counter first when the window has elapsed. Read path for the
// management API; the collection path uses TryAcquireRequestSlot.
func (r *Repository) CheckRateLimit(tenantID, id string) (bool, error) {
	_, err := r.db.Exec(`
        UPDATE integrations SET current_requests = 0, rate_limit_reset_at = NULL
        WHERE id = $1 AND tenant_id = $2
        AND rate_limit_reset_at IS NOT NULL AND rate_limit_reset_at <= NOW()`, id, tenantID)
	if err != nil {
		return false, err
	}

	var blocked bool
	err = r.db.Get(&blocked, `
        SELECT current_requests >= rate_limit_requests FROM integrations
        WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return blocked, err
}

// Audit log persistence
func (r *Repository) SaveAuditEntry(e *AuditLogEntry) error {
	query := `
        INSERT INTO audit_log_entries (
            id, tenant_id, integration_id, device_id, event_type, event_category,
            message, request_snapshot, response_snapshot, http_status,
            response_time_ms, created_at
        ) VALUES (
            :id, :tenant_id, :integration_id, :device_id, :event_type, :event_category,
            :message, :request_snapshot, :response_snapshot, :http_status,
            :response_time_ms, :created_at
        )`

	_, err := r.db.NamedExec(query, e)
	return err
}

func (r *Repository) GetAuditLogs(f AuditFilters) ([]*AuditLogEntry, error) {
	entries := []*AuditLogEntry{}

	query := `SELECT * FROM audit_log_entries WHERE tenant_id = $1`
	args := []interface{}{f.TenantID}

	if f.IntegrationID != "" {
		args = append(args, f.IntegrationID)
		query += fmt.Sprintf(" AND integration_id = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		query += fmt.Sprintf(" AND event_category = $%d", len(args))
	}
	if f.From != nil {
		args = append(args, *f.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	err := r.db.Select(&entries, query, args...)
	return entries, err
}

// Aggregate stats for the management overview.
func (r *Repository) GetCollectionStats(tenantID string) (*CollectionStats, error) {
	var stats CollectionStats
	query := `
        SELECT
            COUNT(*) AS integrations,
            COUNT(*) FILTER (WHERE status IN ('active', 'degraded')) AS active_integrations,
            COALESCE(SUM(success_count), 0) AS success_total,
            COALESCE(SUM(error_count), 0) AS error_total,
            MAX(last_collection_at) AS last_run_at,
            (SELECT COUNT(*) FROM device_registrations d WHERE d.tenant_id = $1) AS devices
        FROM integrations
        WHERE tenant_id = $1 AND is_active = true`

	err := r.db.Get(&stats, query, tenantID)
	return &stats, err
}
