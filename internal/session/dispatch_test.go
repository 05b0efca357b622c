package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/gateway/internal/authn"
	"github.com/fleetgate/gateway/internal/bus"
	"github.com/fleetgate/gateway/internal/domain"
	"github.com/fleetgate/gateway/internal/ratelimit"
	"github.com/fleetgate/gateway/internal/registry"
)

type fakeTransport struct {
	mu      sync.Mutex
	written []domain.Frame
	open    bool
}

func newFakeTransport() *fakeTransport { return &fakeTransport{open: true} }

func (f *fakeTransport) ReadFrame(maxSize int64) (domain.Frame, error) {
	select {}
}
func (f *fakeTransport) WriteFrame(fr domain.Frame, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, fr)
	return nil
}
func (f *fakeTransport) CloseWithError(domain.ErrorKind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
}
func (f *fakeTransport) CloseNormal() { f.mu.Lock(); f.open = false; f.mu.Unlock() }
func (f *fakeTransport) IsOpen() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.open }

func (f *fakeTransport) last() domain.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[len(f.written)-1]
}

type fakeBus struct {
	published []string
	publishResult domain.PublishResult
	subscribeErr  error
}

func (b *fakeBus) Publish(ctx context.Context, subj string, payload []byte, headers map[string]string, dedupID string, policy domain.RetryPolicy) domain.PublishResult {
	b.published = append(b.published, subj)
	if b.publishResult.Success || b.publishResult.Error != nil {
		return b.publishResult
	}
	return domain.PublishResult{Success: true}
}

func (b *fakeBus) SubscribeDevice(ctx context.Context, deviceID, subj string, handler func(domain.BusMessage) error, replay domain.ReplayOptions) (domain.Subscription, error) {
	if b.subscribeErr != nil {
		return domain.Subscription{}, b.subscribeErr
	}
	return domain.Subscription{SubscriptionID: "sub-1", StreamName: "stream", SubjectPattern: subj}, nil
}

func (b *fakeBus) Unsubscribe(id string, deleteConsumer bool) error { return nil }

func newTestSession(t *testing.T, fb *fakeBus) (*Session, *fakeTransport) {
	tr := newFakeTransport()
	cfg := Config{
		MaxMessageSize:     1024,
		RatePerSecond:      100,
		OutgoingBufferSize: 10,
		WriteWait:          time.Second,
	}
	s := New(cfg, tr, authn.NewVerifier("secret", "", "", 0), ratelimit.New(100), registry.New(), fb, zerolog.Nop())
	s.ctx = domain.ClientContext{
		ClientID:       "sensor-001",
		Role:           "sensor",
		AllowPublish:   []string{"telemetry.>"},
		AllowSubscribe: []string{"commands.sensor-001.>"},
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	return s, tr
}

func TestHandlePublish_AuthorizedSubject(t *testing.T) {
	fb := &fakeBus{}
	s, _ := newTestSession(t, fb)

	s.handlePublish(domain.Frame{Type: domain.FramePublish, Subject: "telemetry.sensor-001.temp", Payload: []byte(`{"value":23.5}`)})
	require.Equal(t, []string{"telemetry.sensor-001.temp"}, fb.published)
}

func TestHandlePublish_NotAuthorized(t *testing.T) {
	fb := &fakeBus{}
	s, tr := newTestSession(t, fb)

	s.handlePublish(domain.Frame{Type: domain.FramePublish, Subject: "admin.system.restart"})
	require.Empty(t, fb.published)

	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(tr.last().Payload, &payload))
	require.Equal(t, string(domain.ErrNotAuthorized), payload.Code)
}

func TestHandlePublish_TransientBusError(t *testing.T) {
	fb := &fakeBus{publishResult: domain.PublishResult{Success: false, Error: &bus.PublishError{Transient: true, Err: context.DeadlineExceeded}}}
	s, tr := newTestSession(t, fb)

	s.handlePublish(domain.Frame{Type: domain.FramePublish, Subject: "telemetry.sensor-001.temp"})
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(tr.last().Payload, &payload))
	require.Equal(t, string(domain.ErrBusUnavailable), payload.Code)
}

func TestHandlePublish_PermanentBusError(t *testing.T) {
	fb := &fakeBus{publishResult: domain.PublishResult{Success: false, Error: &bus.PublishError{Transient: false, Err: context.DeadlineExceeded}}}
	s, tr := newTestSession(t, fb)

	s.handlePublish(domain.Frame{Type: domain.FramePublish, Subject: "telemetry.sensor-001.temp"})
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(tr.last().Payload, &payload))
	require.Equal(t, string(domain.ErrPublishFailed), payload.Code)
}

func TestHandleSubscribe_AckAndTracksSubscription(t *testing.T) {
	fb := &fakeBus{}
	s, tr := newTestSession(t, fb)

	s.handleSubscribe(domain.Frame{Type: domain.FrameSubscribe, Subject: "commands.sensor-001.>"})
	require.Equal(t, domain.FrameAck, tr.last().Type)

	s.subsMu.Lock()
	_, ok := s.subs["commands.sensor-001.>"]
	s.subsMu.Unlock()
	require.True(t, ok)
}

func TestHandleSubscribe_NotAuthorized(t *testing.T) {
	fb := &fakeBus{}
	s, tr := newTestSession(t, fb)

	s.handleSubscribe(domain.Frame{Type: domain.FrameSubscribe, Subject: "admin.>"})
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(tr.last().Payload, &payload))
	require.Equal(t, string(domain.ErrNotAuthorized), payload.Code)
}

func TestHandleSubscribe_NoStreamForSubject(t *testing.T) {
	fb := &fakeBus{subscribeErr: &bus.NoStreamError{Subject: "commands.sensor-001.>"}}
	s, tr := newTestSession(t, fb)

	s.handleSubscribe(domain.Frame{Type: domain.FrameSubscribe, Subject: "commands.sensor-001.>"})
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(tr.last().Payload, &payload))
	require.Equal(t, string(domain.ErrNoStreamForSubj), payload.Code)
}

func TestHandleUnsubscribe_IdempotentSecondCall(t *testing.T) {
	fb := &fakeBus{}
	s, tr := newTestSession(t, fb)

	s.handleSubscribe(domain.Frame{Type: domain.FrameSubscribe, Subject: "commands.sensor-001.>"})
	s.handleUnsubscribe(domain.Frame{Type: domain.FrameUnsubscribe, Subject: "commands.sensor-001.>"})
	require.Equal(t, domain.FrameAck, tr.last().Type)

	// Second unsubscribe on the same subject succeeds with no effect.
	s.handleUnsubscribe(domain.Frame{Type: domain.FrameUnsubscribe, Subject: "commands.sensor-001.>"})
	require.Equal(t, domain.FrameAck, tr.last().Type)
}

func TestHandlePing_RepliesPong(t *testing.T) {
	fb := &fakeBus{}
	s, tr := newTestSession(t, fb)

	s.handlePing()
	require.Equal(t, domain.FramePong, tr.last().Type)
}

func TestDispatch_UnknownTypeIsInvalidMessage(t *testing.T) {
	fb := &fakeBus{}
	s, tr := newTestSession(t, fb)

	s.dispatch(domain.Frame{Type: domain.FrameType(42)})
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(tr.last().Payload, &payload))
	require.Equal(t, string(domain.ErrInvalidMessage), payload.Code)
}
