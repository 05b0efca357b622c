// Package historian implements the Historian Normalizer and Writer of
// spec section 4.9: decoding three bus payload families into a
// time-series schema, and persisting them in batched transactions.
package historian

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetgate/gateway/internal/domain"
	"github.com/fleetgate/gateway/internal/subject"
)

// telemetryPayload tolerates both the flat (single-metric) and
// multi-metric wire shapes described in spec section 4.9.
type telemetryPayload struct {
	DeviceID    string             `json:"deviceId"`
	LineID      string             `json:"lineId"`
	BatchID     *string            `json:"batchId"`
	Time        *time.Time         `json:"time"`
	MetricName  string             `json:"metricName"`
	Value       *float64           `json:"value"`
	Unit        string             `json:"unit"`
	QualityCode int                `json:"qualityCode"`
	Metrics     map[string]float64 `json:"metrics"`
	Units       map[string]string  `json:"units"`
}

type eventPayload struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"deviceId"`
	LineID        string         `json:"lineId"`
	BatchID       *string        `json:"batchId"`
	Time          *time.Time     `json:"time"`
	EventType     string         `json:"eventType"`
	Severity      string         `json:"severity"`
	Payload       map[string]any `json:"payload"`
	CorrelationID *string        `json:"correlationId"`
	CausationID   *string        `json:"causationId"`
}

type qualityPayload struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"deviceId"`
	LineID       string         `json:"lineId"`
	BatchID      *string        `json:"batchId"`
	Time         *time.Time     `json:"time"`
	ProductID    string         `json:"productId"`
	Result       string         `json:"result"`
	DefectType   *string        `json:"defectType"`
	Measurements map[string]any `json:"measurements"`
	ImageRef     *string        `json:"imageRef"`
}

// Normalizer decodes raw bus deliveries into typed historian records.
type Normalizer struct{}

func NewNormalizer() *Normalizer { return &Normalizer{} }

// lineIDFromSubject extracts <line> from a subject of shape
// "factory.<line>.…", returning "" if the subject does not match.
func lineIDFromSubject(subj string) string {
	segs, ok := subject.Split(subj)
	if !ok || len(segs) < 2 || segs[0] != "factory" {
		return ""
	}
	return segs[1]
}

// Telemetry decodes msg into one TelemetryRecord per metric present in
// the payload (one for a flat payload, N for a multi-metric payload).
func (n *Normalizer) Telemetry(msg domain.BusMessage) ([]domain.TelemetryRecord, error) {
	var p telemetryPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode telemetry payload: %w", err)
	}

	ts := resolveTime(p.Time, msg.Timestamp)
	lineID := p.LineID
	if lineID == "" {
		lineID = lineIDFromSubject(msg.Subject)
	}

	if len(p.Metrics) > 0 {
		records := make([]domain.TelemetryRecord, 0, len(p.Metrics))
		for name, value := range p.Metrics {
			rec := domain.TelemetryRecord{
				Time:        ts,
				DeviceID:    p.DeviceID,
				LineID:      lineID,
				BatchID:     p.BatchID,
				MetricName:  name,
				Value:       value,
				Unit:        p.Units[name],
				QualityCode: p.QualityCode,
			}
			rec.Checksum = telemetryChecksum(rec)
			records = append(records, rec)
		}
		return records, nil
	}

	if p.Value == nil {
		return nil, fmt.Errorf("telemetry payload has neither metrics map nor flat value")
	}
	rec := domain.TelemetryRecord{
		Time:        ts,
		DeviceID:    p.DeviceID,
		LineID:      lineID,
		BatchID:     p.BatchID,
		MetricName:  p.MetricName,
		Value:       *p.Value,
		Unit:        p.Unit,
		QualityCode: p.QualityCode,
	}
	rec.Checksum = telemetryChecksum(rec)
	return []domain.TelemetryRecord{rec}, nil
}

// Event decodes msg into an EventRecord.
func (n *Normalizer) Event(msg domain.BusMessage) (domain.EventRecord, error) {
	var p eventPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return domain.EventRecord{}, fmt.Errorf("decode event payload: %w", err)
	}

	lineID := p.LineID
	if lineID == "" {
		lineID = lineIDFromSubject(msg.Subject)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec := domain.EventRecord{
		ID:            id,
		Time:          resolveTime(p.Time, msg.Timestamp),
		DeviceID:      p.DeviceID,
		LineID:        lineID,
		BatchID:       p.BatchID,
		EventType:     p.EventType,
		Severity:      p.Severity,
		Payload:       p.Payload,
		CorrelationID: p.CorrelationID,
		CausationID:   p.CausationID,
	}
	rec.Checksum = eventChecksum(rec)
	return rec, nil
}

// Quality decodes msg into a QualityRecord.
func (n *Normalizer) Quality(msg domain.BusMessage) (domain.QualityRecord, error) {
	var p qualityPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return domain.QualityRecord{}, fmt.Errorf("decode quality payload: %w", err)
	}

	lineID := p.LineID
	if lineID == "" {
		lineID = lineIDFromSubject(msg.Subject)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	rec := domain.QualityRecord{
		ID:           id,
		Time:         resolveTime(p.Time, msg.Timestamp),
		DeviceID:     p.DeviceID,
		LineID:       lineID,
		BatchID:      p.BatchID,
		ProductID:    p.ProductID,
		Result:       domain.QualityResult(p.Result),
		DefectType:   p.DefectType,
		Measurements: p.Measurements,
		ImageRef:     p.ImageRef,
	}
	rec.Checksum = qualityChecksum(rec)
	return rec, nil
}

func resolveTime(payloadTime *time.Time, busTimestamp time.Time) time.Time {
	if payloadTime != nil {
		return *payloadTime
	}
	return busTimestamp
}

func telemetryChecksum(r domain.TelemetryRecord) string {
	batch := ""
	if r.BatchID != nil {
		batch = *r.BatchID
	}
	return hashFields(r.Time, r.DeviceID, r.MetricName, batch, fmt.Sprintf("%v", r.Value))
}

func eventChecksum(r domain.EventRecord) string {
	batch := ""
	if r.BatchID != nil {
		batch = *r.BatchID
	}
	return hashFields(r.Time, r.DeviceID, r.EventType, batch)
}

func qualityChecksum(r domain.QualityRecord) string {
	batch := ""
	if r.BatchID != nil {
		batch = *r.BatchID
	}
	return hashFields(r.Time, r.DeviceID, batch, string(r.Result))
}

// hashFields computes a SHA-256 hex digest over a fixed subset of
// fields, joined unambiguously (spec section 4.9: "a fixed subset of
// fields").
func hashFields(t time.Time, fields ...string) string {
	var sb strings.Builder
	sb.WriteString(t.UTC().Format(time.RFC3339Nano))
	for _, f := range fields {
		sb.WriteByte('|')
		sb.WriteString(f)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
