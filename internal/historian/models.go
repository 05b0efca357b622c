package historian

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"github.com/fleetgate/gateway/internal/domain"
)

// Migrate creates or updates the three historian tables. Callers run this
// once at startup before handing db to NewWriter.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&telemetryRow{}, &eventRow{}, &qualityRow{})
}

// telemetryRow, eventRow and qualityRow are the GORM row shapes for the
// three historian tables, grounded on the postgres adapter's plain-struct
// model convention.
type telemetryRow struct {
	Time        time.Time `gorm:"column:time;primaryKey"`
	DeviceID    string    `gorm:"column:device_id;primaryKey"`
	MetricName  string    `gorm:"column:metric_name;primaryKey"`
	LineID      string    `gorm:"column:line_id"`
	BatchID     *string   `gorm:"column:batch_id"`
	Value       float64   `gorm:"column:value"`
	Unit        string    `gorm:"column:unit"`
	QualityCode int       `gorm:"column:quality_code"`
	Checksum    string    `gorm:"column:checksum"`
}

func (telemetryRow) TableName() string { return "telemetry_records" }

type eventRow struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Time          time.Time      `gorm:"column:time"`
	DeviceID      string         `gorm:"column:device_id"`
	LineID        string         `gorm:"column:line_id"`
	BatchID       *string        `gorm:"column:batch_id"`
	EventType     string         `gorm:"column:event_type"`
	Severity      string         `gorm:"column:severity"`
	Payload       []byte  `gorm:"column:payload;type:jsonb"`
	CorrelationID *string        `gorm:"column:correlation_id"`
	CausationID   *string        `gorm:"column:causation_id"`
	PreviousHash  *string        `gorm:"column:previous_hash"`
	Checksum      string         `gorm:"column:checksum"`
}

func (eventRow) TableName() string { return "event_records" }

type qualityRow struct {
	ID           string         `gorm:"column:id;primaryKey"`
	Time         time.Time      `gorm:"column:time"`
	DeviceID     string         `gorm:"column:device_id"`
	LineID       string         `gorm:"column:line_id"`
	BatchID      *string        `gorm:"column:batch_id"`
	ProductID    string         `gorm:"column:product_id"`
	Result       string         `gorm:"column:result"`
	DefectType   *string        `gorm:"column:defect_type"`
	Measurements []byte  `gorm:"column:measurements;type:jsonb"`
	ImageRef     *string        `gorm:"column:image_ref"`
	Checksum     string         `gorm:"column:checksum"`
}

func (qualityRow) TableName() string { return "quality_records" }

func toTelemetryRow(r domain.TelemetryRecord) telemetryRow {
	return telemetryRow{
		Time:        r.Time,
		DeviceID:    r.DeviceID,
		LineID:      r.LineID,
		BatchID:     r.BatchID,
		MetricName:  r.MetricName,
		Value:       r.Value,
		Unit:        r.Unit,
		QualityCode: r.QualityCode,
		Checksum:    r.Checksum,
	}
}

func toEventRow(r domain.EventRecord) eventRow {
	return eventRow{
		ID:            r.ID,
		Time:          r.Time,
		DeviceID:      r.DeviceID,
		LineID:        r.LineID,
		BatchID:       r.BatchID,
		EventType:     r.EventType,
		Severity:      r.Severity,
		Payload:       marshalJSONMap(r.Payload),
		CorrelationID: r.CorrelationID,
		CausationID:   r.CausationID,
		PreviousHash:  r.PreviousHash,
		Checksum:      r.Checksum,
	}
}

func toQualityRow(r domain.QualityRecord) qualityRow {
	return qualityRow{
		ID:           r.ID,
		Time:         r.Time,
		DeviceID:     r.DeviceID,
		LineID:       r.LineID,
		BatchID:      r.BatchID,
		ProductID:    r.ProductID,
		Result:       string(r.Result),
		DefectType:   r.DefectType,
		Measurements: marshalJSONMap(r.Measurements),
		ImageRef:     r.ImageRef,
		Checksum:     r.Checksum,
	}
}

func marshalJSONMap(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
