package historian

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/fleetgate/gateway/internal/domain"
)

type fakeIngestBus struct {
	ensured  []string
	handlers map[string]func(domain.BusMessage) error
}

func newFakeIngestBus() *fakeIngestBus {
	return &fakeIngestBus{handlers: map[string]func(domain.BusMessage) error{}}
}

func (b *fakeIngestBus) EnsureConsumer(ctx context.Context, cfg domain.ConsumerConfig) error {
	b.ensured = append(b.ensured, cfg.DurableName)
	return nil
}

func (b *fakeIngestBus) Subscribe(ctx context.Context, stream, consumer string, handler func(domain.BusMessage) error) (domain.Subscription, error) {
	b.handlers[consumer] = handler
	return domain.Subscription{SubscriptionID: consumer}, nil
}

type fakeAuditAppender struct {
	calls []domain.AuditAction
}

func (a *fakeAuditAppender) Append(action domain.AuditAction, resourceType, resourceID string, oldValue, newValue map[string]any, actor domain.Actor, reason string, metadata map[string]any) (domain.AuditEntry, error) {
	a.calls = append(a.calls, action)
	return domain.AuditEntry{Action: action}, nil
}

func newIngestTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&telemetryRow{}, &eventRow{}, &qualityRow{}))
	return db
}

func TestIngestor_Start_EnsuresConsumersAndSubscribes(t *testing.T) {
	bus := newFakeIngestBus()
	db := newIngestTestDB(t)
	w := NewWriter(db, WriterConfig{QueueSize: 10, BatchSize: 1, BatchTimeout: time.Hour}, zerolog.Nop())
	defer w.Close()

	ing := NewIngestor(bus, NewNormalizer(), w, nil, IngestorConfig{
		Consumers: []ConsumerSpec{
			{Name: "telemetry-consumer", Stream: "TELEMETRY", DataType: domain.DataTypeTelemetry, Enabled: true},
			{Name: "disabled-consumer", Stream: "EVENTS", DataType: domain.DataTypeEvent, Enabled: false},
		},
	}, zerolog.Nop())

	require.NoError(t, ing.Start(context.Background()))
	require.Equal(t, []string{"telemetry-consumer"}, bus.ensured)
	require.Contains(t, bus.handlers, "telemetry-consumer")
	require.NotContains(t, bus.handlers, "disabled-consumer")
}

func TestIngestor_Handler_RoutesTelemetryToWriter(t *testing.T) {
	bus := newFakeIngestBus()
	db := newIngestTestDB(t)
	w := NewWriter(db, WriterConfig{QueueSize: 10, BatchSize: 1, BatchTimeout: time.Hour}, zerolog.Nop())
	defer w.Close()

	ing := NewIngestor(bus, NewNormalizer(), w, nil, IngestorConfig{
		Consumers: []ConsumerSpec{{Name: "c1", Stream: "TELEMETRY", DataType: domain.DataTypeTelemetry, Enabled: true}},
	}, zerolog.Nop())
	require.NoError(t, ing.Start(context.Background()))

	err := bus.handlers["c1"](domain.BusMessage{
		Subject: "factory.line-1.telemetry.sensor-1",
		Payload: []byte(`{"deviceId":"sensor-1","metricName":"temp","value":42}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var count int64
		db.Model(&telemetryRow{}).Count(&count)
		return count == 1
	}, time.Second, 10*time.Millisecond)
}

func TestIngestor_Handler_AppendsAuditEntryForEvents(t *testing.T) {
	bus := newFakeIngestBus()
	db := newIngestTestDB(t)
	w := NewWriter(db, WriterConfig{QueueSize: 10, BatchSize: 1, BatchTimeout: time.Hour}, zerolog.Nop())
	defer w.Close()

	appender := &fakeAuditAppender{}
	ing := NewIngestor(bus, NewNormalizer(), w, appender, IngestorConfig{
		EnableAuditLogging: true,
		Consumers:          []ConsumerSpec{{Name: "c1", Stream: "EVENTS", DataType: domain.DataTypeEvent, Enabled: true}},
	}, zerolog.Nop())
	require.NoError(t, ing.Start(context.Background()))

	err := bus.handlers["c1"](domain.BusMessage{
		Subject: "factory.line-1.event.sensor-1",
		Payload: []byte(`{"id":"evt-1","deviceId":"sensor-1","eventType":"jam"}`),
	})
	require.NoError(t, err)
	require.Equal(t, []domain.AuditAction{domain.ActionIngest}, appender.calls)
}

func TestIngestor_Handler_NoAuditWhenDisabled(t *testing.T) {
	bus := newFakeIngestBus()
	db := newIngestTestDB(t)
	w := NewWriter(db, WriterConfig{QueueSize: 10, BatchSize: 1, BatchTimeout: time.Hour}, zerolog.Nop())
	defer w.Close()

	appender := &fakeAuditAppender{}
	ing := NewIngestor(bus, NewNormalizer(), w, appender, IngestorConfig{
		EnableAuditLogging: false,
		Consumers:          []ConsumerSpec{{Name: "c1", Stream: "EVENTS", DataType: domain.DataTypeEvent, Enabled: true}},
	}, zerolog.Nop())
	require.NoError(t, ing.Start(context.Background()))

	err := bus.handlers["c1"](domain.BusMessage{
		Payload: []byte(`{"id":"evt-1","deviceId":"sensor-1","eventType":"jam"}`),
	})
	require.NoError(t, err)
	require.Empty(t, appender.calls)
}

func TestIngestor_Handler_UnknownDataTypeErrors(t *testing.T) {
	bus := newFakeIngestBus()
	db := newIngestTestDB(t)
	w := NewWriter(db, WriterConfig{QueueSize: 10, BatchSize: 1, BatchTimeout: time.Hour}, zerolog.Nop())
	defer w.Close()

	ing := NewIngestor(bus, NewNormalizer(), w, nil, IngestorConfig{
		Consumers: []ConsumerSpec{{Name: "c1", Stream: "X", DataType: domain.DataType("bogus"), Enabled: true}},
	}, zerolog.Nop())
	require.NoError(t, ing.Start(context.Background()))

	err := bus.handlers["c1"](domain.BusMessage{Payload: []byte(`{}`)})
	require.Error(t, err)
}
