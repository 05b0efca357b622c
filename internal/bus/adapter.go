// Package bus implements the Durable Bus Adapter of spec section 4.8: a
// typed facade over NATS JetStream owning streams and durable consumers,
// publishing with deduplication and retry, batched fetch, replay, and the
// full ack family.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/fleetgate/gateway/internal/domain"
	"github.com/fleetgate/gateway/internal/subject"
)

// Metrics is the narrow facet of the metrics collector the adapter reports
// publish and connection-lifecycle counters to.
type Metrics interface {
	BusPublish()
	BusPublishRetry()
	BusPublishError()
	BusReconnect()
	SetBusConnected(up bool)
}

// Adapter owns the JetStream connection and every stream/consumer the
// gateway manages.
type Adapter struct {
	conn *nats.Conn
	js   nats.JetStreamContext

	log     zerolog.Logger
	metrics Metrics

	mu               sync.RWMutex
	configuredOrder  []string // stream names, declaration order
	streamConfigs    map[string]domain.StreamConfig
	adoptedStreams   map[string]bool
	sharedConsumers  map[string]string // "stream|subject" -> consumer durable name

	subsMu sync.Mutex
	subs   map[string]*activeSubscription
}

// SetMetrics attaches a metrics collector after construction.
func (a *Adapter) SetMetrics(m Metrics) { a.metrics = m }

// Options configures an Adapter's connection.
type Options struct {
	URL             string
	ClientName      string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ConnectTimeout  time.Duration
}

// New dials the bus and wraps it in JetStream context. It does not yet
// create any streams; call Initialize for that.
func New(opts Options, log zerolog.Logger) (*Adapter, error) {
	a := &Adapter{
		streamConfigs:   make(map[string]domain.StreamConfig),
		adoptedStreams:  make(map[string]bool),
		sharedConsumers: make(map[string]string),
		subs:            make(map[string]*activeSubscription),
		log:             log,
	}

	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.ClientName),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.ConnectTimeout),
		nats.ConnectHandler(func(c *nats.Conn) {
			a.log.Info().Str("url", c.ConnectedUrl()).Msg("bus connected")
			if a.metrics != nil {
				a.metrics.SetBusConnected(true)
			}
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			a.log.Warn().Err(err).Msg("bus disconnected")
			if a.metrics != nil {
				a.metrics.SetBusConnected(false)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			a.log.Info().Str("url", c.ConnectedUrl()).Msg("bus reconnected")
			if a.metrics != nil {
				a.metrics.BusReconnect()
				a.metrics.SetBusConnected(true)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire jetstream context: %w", err)
	}

	a.conn = conn
	a.js = js
	return a, nil
}

// Initialize creates every configured stream and consumer that does not
// already exist, adopting existing ones in place (spec section 4.8).
func (a *Adapter) Initialize(ctx context.Context, streams []domain.StreamConfig, consumers []domain.ConsumerConfig) error {
	for _, sc := range streams {
		if _, err := a.EnsureStream(ctx, sc); err != nil {
			return fmt.Errorf("ensure stream %s: %w", sc.Name, err)
		}
		a.mu.Lock()
		a.configuredOrder = append(a.configuredOrder, sc.Name)
		a.mu.Unlock()
	}
	for _, cc := range consumers {
		if _, err := a.GetOrCreateConsumer(ctx, cc); err != nil {
			return fmt.Errorf("ensure consumer %s/%s: %w", cc.Stream, cc.DurableName, err)
		}
	}
	return nil
}

// EnsureStream creates the stream if absent, or adopts it if present.
// A name collision with a different subject set logs a warning and the
// existing definition wins.
func (a *Adapter) EnsureStream(ctx context.Context, cfg domain.StreamConfig) (domain.StreamInfo, error) {
	existing, err := a.js.StreamInfo(cfg.Name, nats.Context(ctx))
	if err == nil {
		if !sameSubjects(existing.Config.Subjects, cfg.Subjects) {
			a.log.Warn().
				Str("stream", cfg.Name).
				Strs("configured_subjects", cfg.Subjects).
				Strs("existing_subjects", existing.Config.Subjects).
				Msg("stream exists with different subjects; adopting existing definition")
		}
		a.mu.Lock()
		a.streamConfigs[cfg.Name] = cfg
		a.adoptedStreams[cfg.Name] = true
		a.mu.Unlock()
		return fromNatsStreamInfo(cfg, existing, true), nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return domain.StreamInfo{}, err
	}

	created, err := a.js.AddStream(toNatsStreamConfig(cfg), nats.Context(ctx))
	if err != nil {
		return domain.StreamInfo{}, fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	a.mu.Lock()
	a.streamConfigs[cfg.Name] = cfg
	a.mu.Unlock()
	return fromNatsStreamInfo(cfg, created, false), nil
}

// StreamInfo reports the live state of a configured stream, for the admin
// surface's /streams route.
func (a *Adapter) StreamInfo(name string) (domain.StreamInfo, error) {
	info, err := a.js.StreamInfo(name)
	if err != nil {
		return domain.StreamInfo{}, err
	}
	a.mu.RLock()
	cfg, known := a.streamConfigs[name]
	adopted := a.adoptedStreams[name]
	a.mu.RUnlock()
	if !known {
		cfg = fromNatsStreamConfig(info.Config)
	}
	return fromNatsStreamInfo(cfg, info, adopted), nil
}

// StreamNames lists every stream the adapter has configured, in
// declaration order.
func (a *Adapter) StreamNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, len(a.configuredOrder))
	copy(names, a.configuredOrder)
	return names
}

// ConsumerInfos lists the live consumers bound to stream, for the admin
// surface's /consumers/:stream route.
func (a *Adapter) ConsumerInfos(stream string) ([]*nats.ConsumerInfo, error) {
	var infos []*nats.ConsumerInfo
	for info := range a.js.ConsumersInfo(stream) {
		infos = append(infos, info)
	}
	return infos, nil
}

func sameSubjects(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			return false
		}
	}
	return true
}

// DeleteStream removes a stream outright.
func (a *Adapter) DeleteStream(name string) (bool, error) {
	if err := a.js.DeleteStream(name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return false, nil
		}
		return false, err
	}
	a.mu.Lock()
	delete(a.streamConfigs, name)
	a.mu.Unlock()
	return true, nil
}

// PurgeStream discards messages from a stream, optionally restricted to
// filter, and returns the number purged.
func (a *Adapter) PurgeStream(name, filter string) (uint64, error) {
	opts := []nats.PurgeOpt{}
	if filter != "" {
		opts = append(opts, nats.PurgeSubject(filter))
	}
	return a.js.PurgeStream(name, opts...)
}

// Publish sends bytes to subject with optional deduplication and the
// given retry policy, retrying only transient failures (spec section
// 4.8).
func (a *Adapter) Publish(ctx context.Context, subj string, payload []byte, headers map[string]string, dedupID string, policy domain.RetryPolicy) domain.PublishResult {
	msg := &nats.Msg{Subject: subj, Data: payload, Header: nats.Header{}}
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if dedupID != "" {
		msg.Header.Set(nats.MsgIdHdr, dedupID)
	}

	delay := policy.InitialDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxRetries := policy.MaxRetries

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ack, err := a.js.PublishMsg(msg, nats.Context(ctx))
		if err == nil {
			if a.metrics != nil {
				a.metrics.BusPublish()
			}
			return domain.PublishResult{
				Success:   true,
				Stream:    ack.Stream,
				Sequence:  ack.Sequence,
				Duplicate: ack.Duplicate,
				Retries:   attempt,
			}
		}

		lastErr = err
		pubErr := classifyPublishErr(err)
		if !pubErr.Transient || attempt == maxRetries {
			if a.metrics != nil {
				a.metrics.BusPublishError()
			}
			return domain.PublishResult{Success: false, Retries: attempt, Error: pubErr}
		}
		if a.metrics != nil {
			a.metrics.BusPublishRetry()
		}

		wait := delay
		if policy.AddJitter {
			wait = jitter(wait)
		}
		select {
		case <-ctx.Done():
			return domain.PublishResult{Success: false, Retries: attempt, Error: ctx.Err()}
		case <-time.After(wait):
		}

		if policy.BackoffMultiplier > 1 {
			delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
		}
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	if a.metrics != nil {
		a.metrics.BusPublishError()
	}
	return domain.PublishResult{Success: false, Retries: maxRetries, Error: lastErr}
}

func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}

func classifyPublishErr(err error) *PublishError {
	if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
		return transientErr(err)
	}
	return permanentErr(err)
}

// CreateConsumer creates a new durable consumer, failing if one already
// exists under that name.
func (a *Adapter) CreateConsumer(ctx context.Context, cfg domain.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(cfg.Stream, toNatsConsumerConfig(cfg), nats.Context(ctx))
}

// GetOrCreateConsumer returns the existing consumer or creates it.
func (a *Adapter) GetOrCreateConsumer(ctx context.Context, cfg domain.ConsumerConfig) (*nats.ConsumerInfo, error) {
	info, err := a.js.ConsumerInfo(cfg.Stream, cfg.DurableName, nats.Context(ctx))
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return nil, err
	}
	return a.CreateConsumer(ctx, cfg)
}

// EnsureConsumer is GetOrCreateConsumer with the info discarded, for
// callers (the historian ingestion core) that only need the side effect.
func (a *Adapter) EnsureConsumer(ctx context.Context, cfg domain.ConsumerConfig) error {
	_, err := a.GetOrCreateConsumer(ctx, cfg)
	return err
}

// DeleteConsumer removes a durable consumer.
func (a *Adapter) DeleteConsumer(stream, name string) (bool, error) {
	if err := a.js.DeleteConsumer(stream, name); err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Fetch pulls up to batchSize messages from stream/consumer, waiting at
// most timeout. A timeout with zero messages is not an error.
func (a *Adapter) Fetch(stream, consumer string, batchSize int, timeout time.Duration) ([]domain.BusMessage, error) {
	sub, err := a.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
	if err != nil {
		return nil, fmt.Errorf("bind pull subscription %s/%s: %w", stream, consumer, err)
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]domain.BusMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toBusMessage(stream, consumer, m))
	}
	return out, nil
}

func toBusMessage(stream, consumer string, m *nats.Msg) domain.BusMessage {
	bm := domain.BusMessage{
		Subject:   m.Subject,
		Payload:   m.Data,
		Headers:   map[string]string{},
		Stream:    stream,
		Consumer:  consumer,
		Timestamp: time.Now(),
		AckHandle: &msgAckHandle{msg: m},
	}
	for k := range m.Header {
		bm.Headers[k] = m.Header.Get(k)
	}
	if meta, err := m.Metadata(); err == nil {
		bm.StreamSequence = meta.Sequence.Stream
		bm.ConsumerSequence = meta.Sequence.Consumer
		bm.Timestamp = meta.Timestamp
		bm.DeliveryCount = int(meta.NumDelivered)
	}
	return bm
}

// activeSubscription tracks one subscribe() loop so Unsubscribe can stop
// it and optionally delete its backing consumer.
type activeSubscription struct {
	sub        domain.Subscription
	cancel     context.CancelFunc
	extraFanoutHandlers []func(domain.BusMessage) error
	mu         sync.Mutex
}

// Subscribe starts a background fetch loop against stream/consumer,
// invoking handler for every delivery and acking or naking based on its
// return value.
func (a *Adapter) Subscribe(ctx context.Context, stream, consumer string, handler func(domain.BusMessage) error) (domain.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	subscriptionID := stream + "/" + consumer + "/" + randomSuffix()

	as := &activeSubscription{
		sub: domain.Subscription{
			SubscriptionID: subscriptionID,
			ConsumerName:   consumer,
			StreamName:     stream,
			Active:         true,
		},
		cancel: cancel,
	}

	a.subsMu.Lock()
	a.subs[subscriptionID] = as
	a.subsMu.Unlock()

	go a.runFetchLoop(subCtx, as, handler)

	return as.sub, nil
}

func (a *Adapter) runFetchLoop(ctx context.Context, as *activeSubscription, handler func(domain.BusMessage) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := a.Fetch(as.sub.StreamName, as.sub.ConsumerName, 10, 2*time.Second)
		if err != nil {
			a.log.Warn().Err(err).Str("stream", as.sub.StreamName).Str("consumer", as.sub.ConsumerName).Msg("fetch failed")
			continue
		}

		for _, m := range msgs {
			as.mu.Lock()
			handlers := append([]func(domain.BusMessage) error{handler}, as.extraFanoutHandlers...)
			as.mu.Unlock()

			var handlerErr error
			for _, h := range handlers {
				if err := h(m); err != nil {
					handlerErr = err
				}
			}
			if handlerErr != nil {
				_ = m.AckHandle.Nak(0)
				continue
			}
			_ = m.AckHandle.Ack()
			as.sub.LastAckedSequence = m.StreamSequence
		}
	}
}

// SubscribeWithReplay creates a dedicated consumer derived from
// replayOptions and wraps it with Subscribe.
func (a *Adapter) SubscribeWithReplay(ctx context.Context, stream, subj, namePrefix string, replay domain.ReplayOptions, handler func(domain.BusMessage) error) (domain.Subscription, error) {
	durable := namePrefix + "-" + randomSuffix()
	cfg := domain.ConsumerConfig{
		DurableName:   durable,
		Stream:        stream,
		FilterSubject: subj,
		AckPolicy:     domain.AckExplicit,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: replayDeliverPolicy(replay.Mode),
		ReplayPolicy:  domain.ReplayInstant,
		Type:          domain.ConsumerPull,
		StartSequence: replay.Sequence,
		StartTime:     replay.Time,
	}

	if _, err := a.CreateConsumer(ctx, cfg); err != nil {
		return domain.Subscription{}, fmt.Errorf("create replay consumer: %w", err)
	}

	sub, err := a.Subscribe(ctx, stream, durable, handler)
	if err != nil {
		return domain.Subscription{}, err
	}
	sub.SubjectPattern = subj
	sub.Dedicated = true

	a.subsMu.Lock()
	if as, ok := a.subs[sub.SubscriptionID]; ok {
		as.sub = sub
	}
	a.subsMu.Unlock()

	return sub, nil
}

func replayDeliverPolicy(mode domain.ReplayMode) domain.DeliverPolicy {
	switch mode {
	case domain.ReplayNewOnly:
		return domain.DeliverNew
	case domain.ReplayLastOnly:
		return domain.DeliverLast
	case domain.ReplayLastPerSubjectMode:
		return domain.DeliverLastPerSubject
	case domain.ReplayFromSequence, domain.ReplayResumeFromLastAck:
		return domain.DeliverBySequence
	case domain.ReplayFromTime:
		return domain.DeliverByTime
	default:
		return domain.DeliverAll
	}
}

// SubscribeDevice resolves the stream whose configured subject patterns
// match subj (declaration order; configured streams before adopted
// ones), then either fans an additional handler onto an existing shared
// consumer for (stream, subject) or creates a dedicated consumer
// prefixed by deviceID.
func (a *Adapter) SubscribeDevice(ctx context.Context, deviceID, subj string, handler func(domain.BusMessage) error, replay domain.ReplayOptions) (domain.Subscription, error) {
	streamName, ok := a.resolveStreamForSubject(subj)
	if !ok {
		return domain.Subscription{}, &NoStreamError{Subject: subj}
	}

	key := streamName + "|" + subj
	a.mu.Lock()
	existingConsumer, shared := a.sharedConsumers[key]
	a.mu.Unlock()

	if shared {
		a.subsMu.Lock()
		for _, as := range a.subs {
			if as.sub.StreamName == streamName && as.sub.ConsumerName == existingConsumer {
				as.mu.Lock()
				as.extraFanoutHandlers = append(as.extraFanoutHandlers, handler)
				as.mu.Unlock()
				a.subsMu.Unlock()
				return as.sub, nil
			}
		}
		a.subsMu.Unlock()
	}

	sub, err := a.SubscribeWithReplay(ctx, streamName, subj, deviceID, replay, handler)
	if err != nil {
		return domain.Subscription{}, err
	}

	a.mu.Lock()
	a.sharedConsumers[key] = sub.ConsumerName
	a.mu.Unlock()

	return sub, nil
}

// resolveStreamForSubject iterates configured streams in declaration
// order, then adopted streams, returning the first whose subject
// patterns match subj.
func (a *Adapter) resolveStreamForSubject(subj string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, name := range a.configuredOrder {
		cfg, ok := a.streamConfigs[name]
		if !ok || a.adoptedStreams[name] {
			continue
		}
		if subject.Allowed(cfg.Subjects, subj) {
			return name, true
		}
	}
	for name, adopted := range a.adoptedStreams {
		if !adopted {
			continue
		}
		cfg := a.streamConfigs[name]
		if subject.Allowed(cfg.Subjects, subj) {
			return name, true
		}
	}
	return "", false
}

// Unsubscribe stops subscriptionID's fetch loop, marks it inactive, and
// optionally deletes its backing consumer.
func (a *Adapter) Unsubscribe(subscriptionID string, deleteConsumer bool) error {
	a.subsMu.Lock()
	as, ok := a.subs[subscriptionID]
	if ok {
		delete(a.subs, subscriptionID)
	}
	a.subsMu.Unlock()

	if !ok {
		// Idempotent: a second unsubscribe on an already-removed
		// subscription_id succeeds with no effect.
		return nil
	}

	as.cancel()
	as.mu.Lock()
	as.sub.Active = false
	as.mu.Unlock()

	if deleteConsumer {
		_, err := a.DeleteConsumer(as.sub.StreamName, as.sub.ConsumerName)
		return err
	}
	return nil
}

// IsConnected reports whether the underlying bus connection is up.
func (a *Adapter) IsConnected() bool {
	return a.conn != nil && a.conn.IsConnected()
}

// Close drains and closes the bus connection.
func (a *Adapter) Close() {
	a.subsMu.Lock()
	for _, as := range a.subs {
		as.cancel()
	}
	a.subsMu.Unlock()

	if a.conn != nil {
		a.conn.Close()
	}
}

func randomSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}
