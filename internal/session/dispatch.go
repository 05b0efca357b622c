package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetgate/gateway/internal/bus"
	"github.com/fleetgate/gateway/internal/domain"
)

// dispatch is the pure function of frame type described in spec section
// 4.7's dispatch matrix. It never interleaves two calls for the same
// client: the receive loop calls it synchronously, one frame at a time.
func (s *Session) dispatch(f domain.Frame) {
	switch f.Type {
	case domain.FramePublish:
		s.handlePublish(f)
	case domain.FrameSubscribe:
		s.handleSubscribe(f)
	case domain.FrameUnsubscribe:
		s.handleUnsubscribe(f)
	case domain.FrameRequest:
		s.handlePublish(f)
	case domain.FramePing:
		s.handlePing()
	case domain.FramePong:
		// Liveness already recorded by the receive loop; no reply due.
	default:
		s.sendError(domain.ErrInvalidMessage)
	}
}

func (s *Session) handlePublish(f domain.Frame) {
	if !subjectAllowed(s.ctx.AllowPublish, f.Subject) {
		s.sendError(domain.ErrNotAuthorized)
		return
	}

	now := time.Now()
	f.DeviceID = s.ctx.ClientID
	f.Timestamp = &now

	payload, err := json.Marshal(f)
	if err != nil {
		s.sendError(domain.ErrMalformedFrame)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result := s.busAdapter.Publish(ctx, f.Subject, payload, nil, f.CorrelationID, s.cfg.PublishRetry)
	if result.Success {
		return
	}

	var pubErr *bus.PublishError
	if asPublishError(result.Error, &pubErr) && pubErr.Transient {
		s.sendError(domain.ErrBusUnavailable)
		return
	}
	s.sendError(domain.ErrPublishFailed)
}

func asPublishError(err error, target **bus.PublishError) bool {
	pe, ok := err.(*bus.PublishError)
	if !ok {
		return false
	}
	*target = pe
	return true
}

func (s *Session) handleSubscribe(f domain.Frame) {
	if !subjectAllowed(s.ctx.AllowSubscribe, f.Subject) {
		s.sendError(domain.ErrNotAuthorized)
		return
	}

	s.subsMu.Lock()
	if _, exists := s.subs[f.Subject]; exists {
		s.subsMu.Unlock()
		s.ackFrame(f)
		return
	}
	s.subsMu.Unlock()

	replay := domain.ReplayOptions{Mode: domain.ReplayNewOnly}
	sub, err := s.busAdapter.SubscribeDevice(s.scopeCtx, s.ctx.ClientID, f.Subject, s.deliveryHandler(f.Subject), replay)
	if err != nil {
		if _, ok := err.(*bus.NoStreamError); ok {
			s.sendError(domain.ErrNoStreamForSubj)
			return
		}
		s.sendError(domain.ErrPublishFailed)
		return
	}

	s.subsMu.Lock()
	s.subs[f.Subject] = sub.SubscriptionID
	s.subsMu.Unlock()

	s.ackFrame(f)
}

// deliveryHandler returns the callback the Bus Adapter invokes for every
// delivery on this subscription. Under AckAfterEnqueue it enqueues a
// DELIVERED frame into the Outbound Buffer; under AckAfterSocketWrite it
// writes the frame to the transport directly. It does not ack itself: it
// returns nil once the frame is enqueued or written, and the Bus Adapter
// acks from that result.
func (s *Session) deliveryHandler(subj string) func(domain.BusMessage) error {
	return func(msg domain.BusMessage) error {
		frame := domain.Frame{
			Type:    domain.FrameDelivered,
			Subject: subj,
			Payload: json.RawMessage(msg.Payload),
		}

		if s.cfg.AckMode == domain.AckAfterSocketWrite {
			if err := s.transport.WriteFrame(frame, s.cfg.WriteWait); err != nil {
				return err
			}
			return nil
		}

		if dropped := s.outBuf.Enqueue(frame); dropped && s.metrics != nil {
			s.metrics.OutboundDrop()
		}
		return nil
	}
}

func (s *Session) handleUnsubscribe(f domain.Frame) {
	s.subsMu.Lock()
	id, ok := s.subs[f.Subject]
	if ok {
		delete(s.subs, f.Subject)
	}
	s.subsMu.Unlock()

	if !ok {
		// Idempotent: a second UNSUBSCRIBE for an already-removed subject
		// succeeds with no effect (spec section 8).
		s.ackFrame(f)
		return
	}

	_ = s.busAdapter.Unsubscribe(id, true)
	s.ackFrame(f)
}

func (s *Session) handlePing() {
	_ = s.transport.WriteFrame(domain.Frame{Type: domain.FramePong}, s.cfg.WriteWait)
}

func (s *Session) ackFrame(f domain.Frame) {
	_ = s.transport.WriteFrame(domain.Frame{
		Type:          domain.FrameAck,
		Subject:       f.Subject,
		CorrelationID: f.CorrelationID,
	}, s.cfg.WriteWait)
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
