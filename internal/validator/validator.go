// Package validator implements the Validator of spec section 4.4: bound
// message size and subject syntax before a frame is dispatched.
package validator

import (
	"github.com/fleetgate/gateway/internal/domain"
	"github.com/fleetgate/gateway/internal/subject"
)

const maxSubjectLength = 256

// Validator rejects frames whose serialized payload exceeds a configured
// size cap or whose subject is malformed.
type Validator struct {
	maxMessageSize int
}

// New builds a Validator enforcing maxMessageSize bytes on the serialized
// frame payload.
func New(maxMessageSize int) *Validator {
	return &Validator{maxMessageSize: maxMessageSize}
}

// Validate checks f against the size and subject-syntax rules. PING,
// PONG, and AUTH frames are exempt from subject checks since they carry
// no subject.
func (v *Validator) Validate(f domain.Frame) *domain.ErrorKind {
	if !domain.ValidFrameType(f.Type) {
		kind := domain.ErrInvalidMessage
		return &kind
	}

	if len(f.Payload) > v.maxMessageSize {
		kind := domain.ErrPayloadTooLarge
		return &kind
	}

	if f.Type == domain.FramePing || f.Type == domain.FramePong || f.Type == domain.FrameAuth {
		return nil
	}

	if !f.RequiresSubject() {
		return nil
	}

	if len(f.Subject) > maxSubjectLength {
		kind := domain.ErrInvalidSubject
		return &kind
	}
	if !subject.ValidPattern(f.Subject) {
		kind := domain.ErrInvalidSubject
		return &kind
	}
	return nil
}
