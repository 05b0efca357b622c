package bus

import (
	"time"

	"github.com/nats-io/nats.go"
)

// msgAckHandle adapts a *nats.Msg to domain.AckHandle, implementing the
// ack family of spec section 4.8.
type msgAckHandle struct {
	msg *nats.Msg
}

func (h *msgAckHandle) Ack() error                   { return h.msg.Ack() }
func (h *msgAckHandle) Nak(delay time.Duration) error {
	if delay > 0 {
		return h.msg.NakWithDelay(delay)
	}
	return h.msg.Nak()
}
func (h *msgAckHandle) InProgress() error { return h.msg.InProgress() }
func (h *msgAckHandle) Terminate() error  { return h.msg.Term() }
