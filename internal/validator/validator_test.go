package validator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetgate/gateway/internal/domain"
)

func TestValidate_ExactSizeAccepted(t *testing.T) {
	v := New(8)
	f := domain.Frame{Type: domain.FramePublish, Subject: "a.b", Payload: []byte("12345678")}
	require.Nil(t, v.Validate(f))
}

func TestValidate_OneByteOverRejected(t *testing.T) {
	v := New(8)
	f := domain.Frame{Type: domain.FramePublish, Subject: "a.b", Payload: []byte("123456789")}
	kind := v.Validate(f)
	require.NotNil(t, kind)
	require.Equal(t, domain.ErrPayloadTooLarge, *kind)
}

func TestValidate_SubjectTooLong(t *testing.T) {
	v := New(1024)
	longSubject := strings.Repeat("a", 257)
	f := domain.Frame{Type: domain.FramePublish, Subject: longSubject}
	kind := v.Validate(f)
	require.NotNil(t, kind)
	require.Equal(t, domain.ErrInvalidSubject, *kind)
}

func TestValidate_InvalidSubjectSyntax(t *testing.T) {
	v := New(1024)
	f := domain.Frame{Type: domain.FrameSubscribe, Subject: "a..b"}
	kind := v.Validate(f)
	require.NotNil(t, kind)
	require.Equal(t, domain.ErrInvalidSubject, *kind)
}

func TestValidate_PingExemptFromSubjectCheck(t *testing.T) {
	v := New(1024)
	f := domain.Frame{Type: domain.FramePing}
	require.Nil(t, v.Validate(f))
}

func TestValidate_AuthExemptFromSubjectCheck(t *testing.T) {
	v := New(1024)
	f := domain.Frame{Type: domain.FrameAuth, Payload: []byte(`{"token":"x"}`)}
	require.Nil(t, v.Validate(f))
}

func TestValidate_UnknownFrameType(t *testing.T) {
	v := New(1024)
	f := domain.Frame{Type: domain.FrameType(99)}
	kind := v.Validate(f)
	require.NotNil(t, kind)
	require.Equal(t, domain.ErrInvalidMessage, *kind)
}

func TestValidate_DeliveredFrameHasNoSubjectRequirement(t *testing.T) {
	v := New(1024)
	f := domain.Frame{Type: domain.FrameDelivered}
	require.Nil(t, v.Validate(f))
}
