package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// Integration operations
func (r *Repository) CreateIntegration(i *Integration) error {
	query := `
        INSERT INTO integrations (
            id, tenant_id, vendor, platform_name, method, endpoint, api_version,
            auth_type, credentials, frequency, status, last_collection_at,
            next_collection_at, rate_limit_requests, rate_limit_window,
            current_requests, rate_limit_reset_at, last_error, error_count,
            success_count, settings, field_mappings, is_active, created_at, updated_at
        ) VALUES (
            :id, :tenant_id, :vendor, :platform_name, :method, :endpoint, :api_version,
            :auth_type, :credentials, :frequency, :status, :last_collection_at,
            :next_collection_at, :rate_limit_requests, :rate_limit_window,
            :current_requests, :rate_limit_reset_at, :last_error, :error_count,
            :success_count, :settings, :field_mappings, :is_active, :created_at, :updated_at
        )`

	_, err := r.db.NamedExec(query, i)
	return err
}

func (r *Repository) GetIntegration(id, tenantID string) (*Integration, error) {
	var i Integration
	query := `SELECT * FROM integrations WHERE id = $1 AND tenant_id = $2`
	err := r.db.Get(&i, query, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("integration not found")
	}
	return &i, err
}

func (r *Repository) GetIntegrationsByTenant(tenantID string, limit, offset int) ([]*Integration, error) {
	integrations := []*Integration{}
	query := `
        SELECT * FROM integrations
        WHERE tenant_id = $1 AND is_active = true
        ORDER BY created_at DESC
        LIMIT $2 OFFSET $3`

	err := r.db.Select(&integrations, query, tenantID, limit, offset)
	return integrations, err
}

func (r *Repository) UpdateIntegration(i *Integration) error {
	query := `
        UPDATE integrations SET
            platform_name = :platform_name,
            method = :method,
            endpoint = :endpoint,
            api_version = :api_version,
            auth_type = :auth_type,
            credentials = :credentials,
            frequency = :frequency,
            rate_limit_requests = :rate_limit_requests,
            rate_limit_window = :rate_limit_window,
            settings = :settings,
            field_mappings = :field_mappings,
            updated_at = :updated_at
        WHERE id = :id AND tenant_id = :tenant_id`

	_, err := r.db.NamedExec(query, i)
	return err
}

// DeleteIntegration is a soft delete: audit history and metric rows stay, the
// integration just stops being scheduled. Registered devices are deactivated,
// not removed.
func (r *Repository) DeleteIntegration(id, tenantID string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
        UPDATE integrations SET is_active = false, status = 'inactive', updated_at = NOW()
        WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
        UPDATE device_registrations SET status = 'inactive', updated_at = NOW()
        WHERE integration_id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) UpdateIntegrationStatus(tenantID, id string, status IntegrationStatus, lastError *string) error {
	query := `
        UPDATE integrations SET
            status = $3,
            last_error = $4,
            error_count = error_count + CASE WHEN $3 IN ('error', 'rate_limited') THEN 1 ELSE 0 END,
            success_count = success_count + CASE WHEN $3 = 'active' THEN 1 ELSE 0 END,
            last_collection_at = CASE WHEN $3 IN ('active', 'degraded', 'error') THEN NOW() ELSE last_collection_at END,
            updated_at = NOW()
        WHERE id = $1 AND tenant_id = $2`

	_, err := r.db.Exec(query, id, tenantID, status, lastError)
	return err
}

// Collection scheduling
func (r *Repository) GetIntegrationsDueForCollection() ([]*Integration, error) {
	integrations := []*Integration{}
	query := `
        SELECT * FROM integrations
        WHERE is_active = true
        AND status IN ('active', 'degraded')
        AND (next_collection_at IS NULL OR next_collection_at <= NOW())`

	err := r.db.Select(&integrations, query)
	return integrations, err
}

// ScheduleNextCollection advances next_collection_at. GREATEST keeps the
// cadence monotonic when two workers race on the same integration.
func (r *Repository) ScheduleNextCollection(tenantID, id string, next time.Time) error {
	query := `
        UPDATE integrations SET
            next_collection_at = GREATEST(COALESCE(next_collection_at, $3), $3),
            updated_at = NOW()
        WHERE id = $1 AND tenant_id = $2`

	_, err := r.db.Exec(query, id, tenantID, next)
	return err
}

// Device operations
func (r *Repository) RegisterDevice(d *DeviceRegistration) error {
	query := `
        INSERT INTO device_registrations (
            id, tenant_id, integration_id, vendor_device_id, serial_number, model,
            name, ip_address, hostname, mac_address, capabilities, supported_metrics,
            auth_override, status, last_data_collected_at, next_collection_at,
            created_at, updated_at
        ) VALUES (
            :id, :tenant_id, :integration_id, :vendor_device_id, :serial_number, :model,
            :name, :ip_address, :hostname, :mac_address, :capabilities, :supported_metrics,
            :auth_override, :status, :last_data_collected_at, :next_collection_at,
            :created_at, :updated_at
        )
        ON CONFLICT (tenant_id, integration_id, vendor_device_id) DO UPDATE SET
            serial_number = EXCLUDED.serial_number,
            model = EXCLUDED.model,
            name = EXCLUDED.name,
            ip_address = EXCLUDED.ip_address,
            hostname = EXCLUDED.hostname,
            mac_address = EXCLUDED.mac_address,
            capabilities = EXCLUDED.capabilities,
            supported_metrics = EXCLUDED.supported_metrics,
            updated_at = EXCLUDED.updated_at`

	_, err := r.db.NamedExec(query, d)
	return err
}

func (r *Repository) GetDevice(id, tenantID string) (*DeviceRegistration, error) {
	var d DeviceRegistration
	query := `SELECT * FROM device_registrations WHERE id = $1 AND tenant_id = $2`
	err := r.db.Get(&d, query, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("device not found")
	}
	return &d, err
}

func (r *Repository) GetDevices(tenantID, integrationID string) ([]*DeviceRegistration, error) {
	devices := []*DeviceRegistration{}

	if integrationID != "" {
		query := `
            SELECT * FROM device_registrations
            WHERE tenant_id = $1 AND integration_id = $2
            ORDER BY created_at ASC`
		err := r.db.Select(&devices, query, tenantID, integrationID)
		return devices, err
	}

	query := `SELECT * FROM device_registrations WHERE tenant_id = $1 ORDER BY created_at ASC`
	err := r.db.Select(&devices, query, tenantID)
	return devices, err
}

func (r *Repository) UpdateDeviceStatus(tenantID, id string, status DeviceStatus) error {
	query := `
        UPDATE device_registrations SET status = $3, updated_at = NOW()
        WHERE id = $1 AND tenant_id = $2`

	_, err := r.db.Exec(query, id, tenantID, status)
	return err
}
