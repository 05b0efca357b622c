package domain

import "time"

// TelemetryRecord is a single time-series telemetry row (spec section 3).
type TelemetryRecord struct {
	Time        time.Time
	DeviceID    string
	LineID      string
	BatchID     *string
	MetricName  string
	Value       float64
	Unit        string
	QualityCode int
	Checksum    string
}

// EventRecord is a single event/alert row (spec section 3).
type EventRecord struct {
	ID            string
	Time          time.Time
	DeviceID      string
	LineID        string
	BatchID       *string
	EventType     string
	Severity      string
	Payload       map[string]any
	CorrelationID *string
	CausationID   *string
	// PreviousHash is left unpopulated by the normalizer; chaining is
	// implemented at the Audit Chain layer (internal/audit) instead.
	PreviousHash *string
	Checksum     string
}

// QualityResult enumerates the outcome of a quality inspection.
type QualityResult string

const (
	QualityPass   QualityResult = "pass"
	QualityFail   QualityResult = "fail"
	QualityReview QualityResult = "review"
)

// QualityRecord is a single quality-inspection row (spec section 3).
type QualityRecord struct {
	ID           string
	Time         time.Time
	DeviceID     string
	LineID       string
	BatchID      *string
	ProductID    string
	Result       QualityResult
	DefectType   *string
	Measurements map[string]any
	ImageRef     *string
	Checksum     string
}

// DataType names the three historian payload families and is used to key
// the historian's per-family channels and consumers (spec section 6).
type DataType string

const (
	DataTypeTelemetry DataType = "telemetry"
	DataTypeEvent     DataType = "event"
	DataTypeAlert     DataType = "alert"
	DataTypeQuality   DataType = "quality_inspection"
)
