package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/fleetpulse/telemetry/internal/db"
)

// Metric is one normalized candidate produced from a raw vendor field. Exactly
// one value slot is populated.
type Metric struct {
	Category     db.MetricCategory
	Type         string
	Name         string
	NumericValue *float64
	StringValue  *string
	BoolValue    *bool
	JSONValue    db.JSONB
	Unit         string
	MeasuredAt   time.Time
}

var (
	usageTokens       = []string{"print", "copy", "scan", "page", "count"}
	supplyTokens      = []string{"toner", "ink", "paper", "supply", "level"}
	maintenanceTokens = []string{"maintenance", "clean", "service", "drum"}
	errorTokens       = []string{"error", "jam", "fault", "warning"}
)

// Categorize buckets a metric by substring heuristics on its (mapped) name.
// Precedence is usage > supply > maintenance > error, so a key carrying both
// "toner" and "level" and no usage token lands in supply, not status.
func Categorize(name string) db.MetricCategory {
	lower := strings.ToLower(name)

	for _, t := range usageTokens {
		if strings.Contains(lower, t) {
			return db.CategoryUsage
		}
	}
	for _, t := range supplyTokens {
		if strings.Contains(lower, t) {
			return db.CategorySupply
		}
	}
	for _, t := range maintenanceTokens {
		if strings.Contains(lower, t) {
			return db.CategoryMaintenance
		}
	}
	for _, t := range errorTokens {
		if strings.Contains(lower, t) {
			return db.CategoryError
		}
	}
	return db.CategoryStatus
}

// Mapper is the generic fallback used for fields an adapter has no bespoke
// mapping for: rename, infer the value slot from the runtime type, categorize.
type Mapper struct {
	Renames map[string]string
	Units   map[string]string
}

func NewMapper(renames, units map[string]string) *Mapper {
	if renames == nil {
		renames = map[string]string{}
	}
	if units == nil {
		units = map[string]string{}
	}
	return &Mapper{Renames: renames, Units: units}
}

// MapField converts one raw key/value pair into a metric candidate. Nil and
// empty-string values are dropped.
func (m *Mapper) MapField(key string, value interface{}, measuredAt time.Time) (*Metric, bool) {
	if value == nil {
		return nil, false
	}

	name := key
	if mapped, ok := m.Renames[key]; ok {
		name = mapped
	}

	metric := &Metric{
		Type:       name,
		Name:       name,
		Category:   Categorize(name),
		Unit:       m.Units[name],
		MeasuredAt: measuredAt,
	}

	switch v := value.(type) {
	case float64:
		metric.NumericValue = &v
	case float32:
		f := float64(v)
		metric.NumericValue = &f
	case int:
		f := float64(v)
		metric.NumericValue = &f
	case int32:
		f := float64(v)
		metric.NumericValue = &f
	case int64:
		f := float64(v)
		metric.NumericValue = &f
	case bool:
		metric.BoolValue = &v
	case string:
		if v == "" {
			return nil, false
		}
		// Vendors routinely report counters as strings.
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			metric.NumericValue = &f
		} else {
			metric.StringValue = &v
		}
	case map[string]interface{}:
		if len(v) == 0 {
			return nil, false
		}
		metric.JSONValue = db.JSONB(v)
	case []interface{}:
		if len(v) == 0 {
			return nil, false
		}
		metric.JSONValue = db.JSONB{"values": v}
	default:
		return nil, false
	}

	return metric, true
}

// MapPayload runs the fallback mapper over every field of a flat payload.
func (m *Mapper) MapPayload(payload map[string]interface{}, measuredAt time.Time) []*Metric {
	metrics := make([]*Metric, 0, len(payload))
	for key, value := range payload {
		if metric, ok := m.MapField(key, value, measuredAt); ok {
			metrics = append(metrics, metric)
		}
	}
	return metrics
}
