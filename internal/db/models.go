package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

type IntegrationMethod string

const (
	MethodAPI        IntegrationMethod = "api"
	MethodSNMP       IntegrationMethod = "snmp"
	MethodEmail      IntegrationMethod = "email"
	MethodManual     IntegrationMethod = "manual"
	MethodCSVImport  IntegrationMethod = "csv_import"
	MethodThirdParty IntegrationMethod = "third_party"
)

type AuthType string

const (
	AuthOAuth2      AuthType = "oauth2"
	AuthAPIKey      AuthType = "api_key"
	AuthBasic       AuthType = "basic_auth"
	AuthCertificate AuthType = "certificate"
)

type CollectionFrequency string

const (
	FrequencyRealTime CollectionFrequency = "real_time"
	FrequencyHourly   CollectionFrequency = "hourly"
	FrequencyDaily    CollectionFrequency = "daily"
	FrequencyWeekly   CollectionFrequency = "weekly"
	FrequencyMonthly  CollectionFrequency = "monthly"
	FrequencyOnDemand CollectionFrequency = "on_demand"
)

type IntegrationStatus string

const (
	StatusActive      IntegrationStatus = "active"
	StatusInactive    IntegrationStatus = "inactive"
	StatusError       IntegrationStatus = "error"
	StatusPendingAuth IntegrationStatus = "pending_auth"
	StatusRateLimited IntegrationStatus = "rate_limited"
	StatusMaintenance IntegrationStatus = "maintenance"
	// StatusDegraded marks a partial collection failure: some devices
	// succeeded, some did not. Details land in LastError.
	StatusDegraded IntegrationStatus = "degraded"
)

type Integration struct {
	ID                string              `json:"id" db:"id"`
	TenantID          string              `json:"-" db:"tenant_id"`
	Vendor            string              `json:"vendor" db:"vendor"`
	PlatformName      string              `json:"platform_name" db:"platform_name"`
	Method            IntegrationMethod   `json:"method" db:"method"`
	Endpoint          string              `json:"endpoint" db:"endpoint"`
	APIVersion        string              `json:"api_version" db:"api_version"`
	AuthType          AuthType            `json:"auth_type" db:"auth_type"`
	Credentials       JSONB               `json:"-" db:"credentials"`
	Frequency         CollectionFrequency `json:"frequency" db:"frequency"`
	Status            IntegrationStatus   `json:"status" db:"status"`
	LastCollectionAt  *time.Time          `json:"last_collection_at" db:"last_collection_at"`
	NextCollectionAt  *time.Time          `json:"next_collection_at" db:"next_collection_at"`
	RateLimitRequests int                 `json:"rate_limit_requests" db:"rate_limit_requests"`
	RateLimitWindow   int                 `json:"rate_limit_window" db:"rate_limit_window"`
	CurrentRequests   int                 `json:"current_requests" db:"current_requests"`
	RateLimitResetAt  *time.Time          `json:"rate_limit_reset_at" db:"rate_limit_reset_at"`
	LastError         *string             `json:"last_error" db:"last_error"`
	ErrorCount        int                 `json:"error_count" db:"error_count"`
	SuccessCount      int                 `json:"success_count" db:"success_count"`
	Settings          JSONB               `json:"settings" db:"settings"`
	FieldMappings     JSONB               `json:"field_mappings" db:"field_mappings"`
	IsActive          bool                `json:"is_active" db:"is_active"`
	CreatedAt         time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at" db:"updated_at"`
}

type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
	DeviceError    DeviceStatus = "error"
)

type DeviceRegistration struct {
	ID                  string       `json:"id" db:"id"`
	TenantID            string       `json:"-" db:"tenant_id"`
	IntegrationID       string       `json:"integration_id" db:"integration_id"`
	VendorDeviceID      string       `json:"vendor_device_id" db:"vendor_device_id"`
	SerialNumber        string       `json:"serial_number" db:"serial_number"`
	Model               string       `json:"model" db:"model"`
	Name                string       `json:"name" db:"name"`
	IPAddress           string       `json:"ip_address" db:"ip_address"`
	Hostname            string       `json:"hostname" db:"hostname"`
	MACAddress          string       `json:"mac_address" db:"mac_address"`
	Capabilities        StringSlice  `json:"capabilities" db:"capabilities"`
	SupportedMetrics    StringSlice  `json:"supported_metrics" db:"supported_metrics"`
	AuthOverride        JSONB        `json:"-" db:"auth_override"`
	Status              DeviceStatus `json:"status" db:"status"`
	LastDataCollectedAt *time.Time   `json:"last_data_collected_at" db:"last_data_collected_at"`
	NextCollectionAt    *time.Time   `json:"next_collection_at" db:"next_collection_at"`
	CreatedAt           time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at" db:"updated_at"`
}

type MetricCategory string

const (
	CategoryUsage       MetricCategory = "usage"
	CategorySupply      MetricCategory = "supply"
	CategoryMaintenance MetricCategory = "maintenance"
	CategoryError       MetricCategory = "error"
	CategoryStatus      MetricCategory = "status"
)

// DeviceMetric is one normalized observation. Rows are append-only:
// corrections are new rows, never updates.
type DeviceMetric struct {
	ID                   string         `json:"id" db:"id"`
	TenantID             string         `json:"-" db:"tenant_id"`
	DeviceRegistrationID string         `json:"device_registration_id" db:"device_registration_id"`
	IntegrationID        string         `json:"integration_id" db:"integration_id"`
	MetricType           string         `json:"metric_type" db:"metric_type"`
	MetricName           string         `json:"metric_name" db:"metric_name"`
	Category             MetricCategory `json:"category" db:"category"`
	NumericValue         *float64       `json:"numeric_value,omitempty" db:"numeric_value"`
	StringValue          *string        `json:"string_value,omitempty" db:"string_value"`
	BoolValue            *bool          `json:"bool_value,omitempty" db:"bool_value"`
	JSONValue            JSONB          `json:"json_value,omitempty" db:"json_value"`
	Unit                 string         `json:"unit" db:"unit"`
	// MeasuredAt is the vendor-reported timestamp, CollectedAt the ingestion
	// time. They are distinct clocks and may disagree.
	MeasuredAt       time.Time `json:"measured_at" db:"measured_at"`
	CollectedAt      time.Time `json:"collected_at" db:"collected_at"`
	IsValid          bool      `json:"is_valid" db:"is_valid"`
	RawPayload       JSONB     `json:"raw_payload,omitempty" db:"raw_payload"`
	CollectionMethod string    `json:"collection_method" db:"collection_method"`
	DataSource       string    `json:"data_source" db:"data_source"`
}

type EventCategory string

const (
	EventSuccess EventCategory = "success"
	EventError   EventCategory = "error"
	EventWarning EventCategory = "warning"
	EventInfo    EventCategory = "info"
)

const (
	EventDataCollection      = "data_collection"
	EventConnectionTest      = "connection_test"
	EventDeviceDiscovery     = "device_discovery"
	EventStatusChanged       = "status_changed"
	EventManualCollection    = "manual_collection"
	EventAuthentication      = "authentication"
	EventDeviceRegistered    = "device_registered"
	EventDeviceConfigUpdated = "device_config_updated"
	EventIntegrationCreated  = "integration_created"
	EventIntegrationDeleted  = "integration_deleted"
)

type AuditLogEntry struct {
	ID               string        `json:"id" db:"id"`
	TenantID         string        `json:"-" db:"tenant_id"`
	IntegrationID    *string       `json:"integration_id" db:"integration_id"`
	DeviceID         *string       `json:"device_id" db:"device_id"`
	EventType        string        `json:"event_type" db:"event_type"`
	EventCategory    EventCategory `json:"event_category" db:"event_category"`
	Message          string        `json:"message" db:"message"`
	RequestSnapshot  JSONB         `json:"request_snapshot,omitempty" db:"request_snapshot"`
	ResponseSnapshot JSONB         `json:"response_snapshot,omitempty" db:"response_snapshot"`
	HTTPStatus       *int          `json:"http_status,omitempty" db:"http_status"`
	ResponseTimeMs   *int          `json:"response_time_ms,omitempty" db:"response_time_ms"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
}

type CollectionStats struct {
	Integrations       int        `json:"integrations" db:"integrations"`
	ActiveIntegrations int        `json:"active_integrations" db:"active_integrations"`
	Devices            int        `json:"devices" db:"devices"`
	SuccessTotal       int        `json:"success_total" db:"success_total"`
	ErrorTotal         int        `json:"error_total" db:"error_total"`
	LastRunAt          *time.Time `json:"last_run_at" db:"last_run_at"`
}

type MetricFilters struct {
	TenantID    string
	DeviceID    string
	MetricTypes []string
	From        *time.Time
	To          *time.Time
	Limit       int
}

type AuditFilters struct {
	TenantID      string
	IntegrationID string
	Category      string
	From          *time.Time
	Limit         int
}

// Custom types for PostgreSQL arrays and JSONB
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = []string{}
		return nil
	}
	return json.Unmarshal(value.([]byte), s)
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(value.([]byte), j)
}
