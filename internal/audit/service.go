package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetpulse/telemetry/internal/db"
	"github.com/fleetpulse/telemetry/internal/metrics"
)

// Store is the slice of the repository the audit service needs.
type Store interface {
	SaveAuditEntry(e *db.AuditLogEntry) error
	GetAuditLogs(f db.AuditFilters) ([]*db.AuditLogEntry, error)
}

type Service struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Collector
}

func NewService(store Store, logger *zap.Logger, collector *metrics.Collector) *Service {
	return &Service{
		store:   store,
		logger:  logger,
		metrics: collector,
	}
}

type Event struct {
	TenantID         string
	IntegrationID    string
	DeviceID         string
	EventType        string
	Category         db.EventCategory
	Message          string
	RequestSnapshot  db.JSONB
	ResponseSnapshot db.JSONB
	HTTPStatus       int
	ResponseTimeMs   int
}

// LogEvent appends one audit entry. Fire-and-forget: a failed write is
// reported to the operator log and the collection that triggered it carries
// on.
func (s *Service) LogEvent(ev Event) {
	entry := &db.AuditLogEntry{
		ID:               uuid.New().String(),
		TenantID:         ev.TenantID,
		EventType:        ev.EventType,
		EventCategory:    ev.Category,
		Message:          ev.Message,
		RequestSnapshot:  Redact(ev.RequestSnapshot),
		ResponseSnapshot: Redact(ev.ResponseSnapshot),
		CreatedAt:        time.Now().UTC(),
	}

	if ev.IntegrationID != "" {
		entry.IntegrationID = &ev.IntegrationID
	}
	if ev.DeviceID != "" {
		entry.DeviceID = &ev.DeviceID
	}
	if ev.HTTPStatus != 0 {
		entry.HTTPStatus = &ev.HTTPStatus
	}
	if ev.ResponseTimeMs != 0 {
		entry.ResponseTimeMs = &ev.ResponseTimeMs
	}

	if err := s.store.SaveAuditEntry(entry); err != nil {
		s.metrics.RecordAuditWriteFailure()
		s.logger.Error("Failed to write audit entry",
			zap.Error(err),
			zap.String("tenant_id", ev.TenantID),
			zap.String("event_type", ev.EventType),
		)
	}
}

func (s *Service) GetAuditLogs(f db.AuditFilters) ([]*db.AuditLogEntry, error) {
	return s.store.GetAuditLogs(f)
}

var secretKeyTokens = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
}

// Redact replaces credential-ish values in a snapshot before it is persisted.
// Snapshots exist for forensic replay, which must never include secrets.
func Redact(snapshot db.JSONB) db.JSONB {
	if snapshot == nil {
		return nil
	}

	out := make(db.JSONB, len(snapshot))
	for key, value := range snapshot {
		if isSecretKey(key) {
			out[key] = "[REDACTED]"
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			out[key] = map[string]interface{}(Redact(db.JSONB(nested)))
			continue
		}
		out[key] = value
	}
	return out
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, token := range secretKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
