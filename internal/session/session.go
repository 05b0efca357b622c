// Package session implements the Session Core of spec section 4.7: a
// per-connection state machine owning one duplex transport end to end,
// from handshake through authentication, the duplex message loop, and
// teardown.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetgate/gateway/internal/authn"
	"github.com/fleetgate/gateway/internal/domain"
	"github.com/fleetgate/gateway/internal/outbound"
	"github.com/fleetgate/gateway/internal/ratelimit"
	"github.com/fleetgate/gateway/internal/registry"
	"github.com/fleetgate/gateway/internal/subject"
	"github.com/fleetgate/gateway/internal/validator"
)

// State names a node of the session state machine.
type State int

const (
	StateAccepted State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateActive
	StateIdle
	StateDraining
	StateClosed
)

// Transport is the duplex-connection surface the session loop drives.
// wsTransport is the production implementation; tests supply a fake.
type Transport interface {
	ReadFrame(maxSize int64) (domain.Frame, error)
	WriteFrame(f domain.Frame, writeWait time.Duration) error
	CloseWithError(reason domain.ErrorKind)
	CloseNormal()
	IsOpen() bool
}

// Metrics is the narrow facet of the metrics collector a session reports
// lifecycle and traffic counters to. Sessions run fine with this unset;
// SetMetrics is called once by main wiring, mirroring the teacher's
// SetEnhancedMetrics pattern.
type Metrics interface {
	SessionAccepted()
	SessionClosed(d time.Duration)
	AuthFailure()
	MessageIn(size int)
	MessageOut(size int)
	RateLimitDrop()
	OutboundDrop()
	RecordError(kind string)
}

// Bus is the narrow facet of the Durable Bus Adapter the session needs.
type Bus interface {
	Publish(ctx context.Context, subj string, payload []byte, headers map[string]string, dedupID string, policy domain.RetryPolicy) domain.PublishResult
	SubscribeDevice(ctx context.Context, deviceID, subj string, handler func(domain.BusMessage) error, replay domain.ReplayOptions) (domain.Subscription, error)
	Unsubscribe(subscriptionID string, deleteConsumer bool) error
}

// Config collects the session's tunables, all sourced from
// gateway.* configuration (spec section 6).
type Config struct {
	MaxMessageSize     int
	RatePerSecond      int
	OutgoingBufferSize int
	AuthTimeout        time.Duration
	IdleThreshold      time.Duration
	PingTimeout        time.Duration
	WriteWait          time.Duration
	AckMode            domain.AckMode
	PublishRetry       domain.RetryPolicy
}

// Session owns one client connection's full lifecycle.
type Session struct {
	cfg Config
	log zerolog.Logger

	transport Transport
	verifier  *authn.Verifier
	limiter   *ratelimit.Limiter
	reg       *registry.Registry
	busAdapter Bus

	outBuf  *outbound.Buffer
	valid   *validator.Validator
	metrics Metrics

	mu    sync.Mutex
	state State
	ctx   domain.ClientContext

	subsMu sync.Mutex
	subs   map[string]string // subject -> subscription id

	scopeCtx context.Context
	cancel    context.CancelFunc

	lastFrameAt time.Time
	acceptedAt  time.Time
}

// New builds a Session for a just-upgraded transport.
func New(cfg Config, transport Transport, verifier *authn.Verifier, limiter *ratelimit.Limiter, reg *registry.Registry, busAdapter Bus, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:        cfg,
		log:        log,
		transport:  transport,
		verifier:   verifier,
		limiter:    limiter,
		reg:        reg,
		busAdapter: busAdapter,
		valid:      validator.New(cfg.MaxMessageSize),
		outBuf:     outbound.New(cfg.OutgoingBufferSize),
		subs:       make(map[string]string),
		state:      StateAccepted,
		scopeCtx:  ctx,
		cancel:     cancel,
	}
}

// SetMetrics attaches a metrics collector after construction.
func (s *Session) SetMetrics(m Metrics) { s.metrics = m }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the session to completion: it blocks until the session
// closes, by auth timeout, error, or graceful drain.
func (s *Session) Run() {
	defer s.teardown()

	s.setState(StateAwaitingAuth)
	if !s.awaitAuth() {
		return
	}

	s.setState(StateAuthenticated)
	s.reg.Register(s.ctx, s.transport)
	if s.metrics != nil {
		s.metrics.SessionAccepted()
	}
	s.acceptedAt = time.Now()

	authResp := domain.Frame{
		Type:    domain.FrameAuth,
		Payload: mustMarshal(domain.AuthResponsePayload{Success: true, ClientID: s.ctx.ClientID, Role: s.ctx.Role}),
	}
	if err := s.transport.WriteFrame(authResp, s.cfg.WriteWait); err != nil {
		return
	}

	s.setState(StateActive)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.sendLoop() }()
	go func() { defer wg.Done(); s.receiveLoop() }()
	wg.Wait()
}

// awaitAuth blocks until an AUTH frame is received and verified, or the
// auth deadline elapses. Returns false if the session should already be
// torn down.
func (s *Session) awaitAuth() bool {
	deadline := time.Now().Add(s.cfg.AuthTimeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.transport.CloseWithError(domain.ErrAuthTimeout)
			return false
		}

		frameCh := make(chan domain.Frame, 1)
		errCh := make(chan error, 1)
		go func() {
			f, err := s.transport.ReadFrame(int64(s.cfg.MaxMessageSize))
			if err != nil {
				errCh <- err
				return
			}
			frameCh <- f
		}()

		select {
		case <-time.After(remaining):
			s.transport.CloseWithError(domain.ErrAuthTimeout)
			return false
		case err := <-errCh:
			if err != nil {
				return false
			}
		case f := <-frameCh:
			if f.Type != domain.FrameAuth {
				s.transport.CloseWithError(domain.ErrTokenRequired)
				return false
			}
			var req domain.AuthRequestPayload
			if err := decodePayload(f.Payload, &req); err != nil || req.Token == "" {
				s.sendAuthFailure("missing token")
				s.transport.CloseWithError(domain.ErrTokenRequired)
				return false
			}

			ctx, failure := s.verifier.Verify(req.Token, time.Now())
			if failure != nil {
				if s.metrics != nil {
					s.metrics.AuthFailure()
				}
				s.sendAuthFailure(failure.Error())
				s.transport.CloseWithError(domain.ErrTokenInvalid)
				return false
			}

			s.ctx = ctx
			s.lastFrameAt = time.Now()
			return true
		}
	}
}

func (s *Session) sendAuthFailure(reason string) {
	_ = s.transport.WriteFrame(domain.Frame{
		Type:    domain.FrameAuth,
		Payload: mustMarshal(domain.AuthResponsePayload{Success: false, Error: reason}),
	}, s.cfg.WriteWait)
}

// receiveLoop pulls frames one at a time, applying the validator, rate
// limiter and dispatch matrix, until the transport closes or the session
// is cancelled. A reader goroutine feeds frames over an unbuffered
// channel; the select below is the only consumer, so it must never block
// on anything but that select, or the reader stalls and liveness tracking
// stalls with it.
func (s *Session) receiveLoop() {
	defer s.beginDrain()

	idleTimer := time.NewTimer(s.cfg.IdleThreshold)
	defer idleTimer.Stop()

	// pingTimeout is non-nil only while awaiting a PONG for an
	// application PING this loop just sent; nil otherwise.
	var pingTimeout *time.Timer
	defer func() {
		if pingTimeout != nil {
			pingTimeout.Stop()
		}
	}()

	frames := make(chan domain.Frame)
	readErrs := make(chan error, 1)
	go func() {
		for {
			f, err := s.transport.ReadFrame(int64(s.cfg.MaxMessageSize))
			if err != nil {
				readErrs <- err
				return
			}
			frames <- f
		}
	}()

	for {
		var pingTimeoutC <-chan time.Time
		if pingTimeout != nil {
			pingTimeoutC = pingTimeout.C
		}

		select {
		case <-s.scopeCtx.Done():
			return
		case <-readErrs:
			return
		case <-pingTimeoutC:
			// No PONG arrived within PingTimeout of the PING sent below.
			return
		case <-idleTimer.C:
			s.setState(StateIdle)
			if err := s.transport.WriteFrame(domain.Frame{Type: domain.FramePing}, s.cfg.WriteWait); err != nil {
				return
			}
			pingTimeout = time.NewTimer(s.cfg.PingTimeout)
		case f := <-frames:
			s.lastFrameAt = time.Now()
			idleTimer.Reset(s.cfg.IdleThreshold)
			if s.metrics != nil {
				s.metrics.MessageIn(len(f.Payload))
			}

			if pingTimeout != nil && f.Type == domain.FramePong {
				pingTimeout.Stop()
				pingTimeout = nil
				s.setState(StateActive)
			}

			if s.ctx.Expired(time.Now()) {
				s.sendError(domain.ErrTokenExpired)
				return
			}
			if kind := s.valid.Validate(f); kind != nil {
				s.sendError(*kind)
				continue
			}
			if f.Type != domain.FramePing && f.Type != domain.FramePong && !s.limiter.TryAcquire(s.ctx.ClientID, time.Now()) {
				if s.metrics != nil {
					s.metrics.RateLimitDrop()
				}
				s.sendError(domain.ErrRateLimited)
				continue
			}
			s.dispatch(f)
		}
	}
}

// sendLoop drains the outbound buffer to the socket.
func (s *Session) sendLoop() {
	for {
		select {
		case <-s.scopeCtx.Done():
			s.drainRemaining()
			return
		case f, ok := <-s.outBuf.C():
			if !ok {
				return
			}
			if err := s.transport.WriteFrame(f, s.cfg.WriteWait); err != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.MessageOut(len(f.Payload))
			}
		}
	}
}

func (s *Session) drainRemaining() {
	drainDeadline := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.outBuf.C():
			if !ok {
				return
			}
			_ = s.transport.WriteFrame(f, s.cfg.WriteWait)
		case <-drainDeadline:
			return
		}
	}
}

// beginDrain transitions to DRAINING: cancels cooperating loops, tears
// down every active subscription, and closes the outbound buffer so the
// send loop exits after flushing.
func (s *Session) beginDrain() {
	s.setState(StateDraining)
	s.cancel()

	s.subsMu.Lock()
	ids := make([]string, 0, len(s.subs))
	for _, id := range s.subs {
		ids = append(ids, id)
	}
	s.subsMu.Unlock()

	for _, id := range ids {
		_ = s.busAdapter.Unsubscribe(id, true)
	}

	s.outBuf.Close()
}

func (s *Session) teardown() {
	s.setState(StateClosed)
	s.reg.Remove(s.ctx.ClientID, s.transport)
	s.limiter.Remove(s.ctx.ClientID)
	if s.metrics != nil && !s.acceptedAt.IsZero() {
		s.metrics.SessionClosed(time.Since(s.acceptedAt))
	}
}

func (s *Session) sendError(kind domain.ErrorKind) {
	if s.metrics != nil {
		s.metrics.RecordError(string(kind))
	}
	_ = s.transport.WriteFrame(domain.Frame{
		Type:    domain.FrameError,
		Payload: mustMarshal(domain.ErrorPayload{Error: string(kind), Code: string(kind)}),
	}, s.cfg.WriteWait)

	if _, closes := kind.CloseCode(); closes {
		s.transport.CloseWithError(kind)
		s.cancel()
	}
}

// subjectAllowed checks an outbound/inbound subject against a client's
// authorization patterns using the dotted-segment subject matcher.
func subjectAllowed(patterns []string, subj string) bool {
	return subject.Allowed(patterns, subj)
}
