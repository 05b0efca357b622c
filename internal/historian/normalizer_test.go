package historian

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetgate/gateway/internal/domain"
)

func TestLineIDFromSubject(t *testing.T) {
	require.Equal(t, "line-3", lineIDFromSubject("factory.line-3.telemetry.sensor-1"))
	require.Equal(t, "", lineIDFromSubject("telemetry.sensor-1"))
	require.Equal(t, "", lineIDFromSubject(""))
}

func TestNormalizer_Telemetry_FlatShape(t *testing.T) {
	n := NewNormalizer()
	msg := domain.BusMessage{
		Subject:   "factory.line-1.telemetry.sensor-1",
		Payload:   []byte(`{"deviceId":"sensor-1","metricName":"temp","value":23.5,"unit":"C"}`),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	recs, err := n.Telemetry(msg)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "sensor-1", recs[0].DeviceID)
	require.Equal(t, "line-1", recs[0].LineID)
	require.Equal(t, "temp", recs[0].MetricName)
	require.Equal(t, 23.5, recs[0].Value)
	require.Equal(t, msg.Timestamp, recs[0].Time)
	require.NotEmpty(t, recs[0].Checksum)
}

func TestNormalizer_Telemetry_MultiMetricShape(t *testing.T) {
	n := NewNormalizer()
	msg := domain.BusMessage{
		Subject: "factory.line-2.telemetry.sensor-2",
		Payload: []byte(`{"deviceId":"sensor-2","metrics":{"temp":23.5,"humidity":40.1},"units":{"temp":"C","humidity":"%"}}`),
	}

	recs, err := n.Telemetry(msg)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	byName := map[string]domain.TelemetryRecord{}
	for _, r := range recs {
		byName[r.MetricName] = r
	}
	require.Equal(t, 23.5, byName["temp"].Value)
	require.Equal(t, "C", byName["temp"].Unit)
	require.Equal(t, 40.1, byName["humidity"].Value)
}

func TestNormalizer_Telemetry_UsesPayloadTimeOverBusTimestamp(t *testing.T) {
	n := NewNormalizer()
	payloadTime := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	msg := domain.BusMessage{
		Subject:   "factory.line-1.telemetry.sensor-1",
		Payload:   []byte(`{"deviceId":"sensor-1","metricName":"temp","value":1,"time":"2025-06-01T00:00:00Z"}`),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	recs, err := n.Telemetry(msg)
	require.NoError(t, err)
	require.True(t, recs[0].Time.Equal(payloadTime))
}

func TestNormalizer_Telemetry_LineIDFromPayloadOverridesSubject(t *testing.T) {
	n := NewNormalizer()
	msg := domain.BusMessage{
		Subject: "factory.line-1.telemetry.sensor-1",
		Payload: []byte(`{"deviceId":"sensor-1","lineId":"line-override","metricName":"temp","value":1}`),
	}

	recs, err := n.Telemetry(msg)
	require.NoError(t, err)
	require.Equal(t, "line-override", recs[0].LineID)
}

func TestNormalizer_Telemetry_MissingValueAndMetricsErrors(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Telemetry(domain.BusMessage{Payload: []byte(`{"deviceId":"sensor-1"}`)})
	require.Error(t, err)
}

func TestNormalizer_Event(t *testing.T) {
	n := NewNormalizer()
	msg := domain.BusMessage{
		Subject:   "factory.line-1.event.sensor-1",
		Payload:   []byte(`{"id":"evt-1","deviceId":"sensor-1","eventType":"jam","severity":"critical"}`),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	rec, err := n.Event(msg)
	require.NoError(t, err)
	require.Equal(t, "evt-1", rec.ID)
	require.Equal(t, "line-1", rec.LineID)
	require.Equal(t, "jam", rec.EventType)
	require.NotEmpty(t, rec.Checksum)
}

func TestNormalizer_Quality(t *testing.T) {
	n := NewNormalizer()
	msg := domain.BusMessage{
		Subject: "factory.line-4.quality.inspector-1",
		Payload: []byte(`{"id":"qc-1","deviceId":"inspector-1","productId":"widget-9","result":"fail"}`),
	}

	rec, err := n.Quality(msg)
	require.NoError(t, err)
	require.Equal(t, domain.QualityFail, rec.Result)
	require.Equal(t, "line-4", rec.LineID)
	require.NotEmpty(t, rec.Checksum)
}

func TestNormalizer_ChecksumStableForIdenticalInput(t *testing.T) {
	n := NewNormalizer()
	msg := domain.BusMessage{
		Subject:   "factory.line-1.telemetry.sensor-1",
		Payload:   []byte(`{"deviceId":"sensor-1","metricName":"temp","value":23.5}`),
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	r1, err := n.Telemetry(msg)
	require.NoError(t, err)
	r2, err := n.Telemetry(msg)
	require.NoError(t, err)
	require.Equal(t, r1[0].Checksum, r2[0].Checksum)
}

func TestNormalizer_ChecksumDiffersOnValueChange(t *testing.T) {
	n := NewNormalizer()
	base := `{"deviceId":"sensor-1","metricName":"temp","value":%v}`
	r1, err := n.Telemetry(domain.BusMessage{Payload: []byte(fmt.Sprintf(base, 1))})
	require.NoError(t, err)
	r2, err := n.Telemetry(domain.BusMessage{Payload: []byte(fmt.Sprintf(base, 2))})
	require.NoError(t, err)
	require.NotEqual(t, r1[0].Checksum, r2[0].Checksum)
}
