// Package domain holds the data model shared across the gateway:
// client identity, wire frames, subscriptions, bus primitives, and the
// historian's record types.
package domain

import "time"

// ClientContext is the immutable identity of an authenticated session. It
// is created once by the Token Verifier and lives for the lifetime of a
// connection; nothing may mutate it after construction.
type ClientContext struct {
	ClientID       string
	Role           string
	AllowPublish   []string
	AllowSubscribe []string
	ExpiresAt      time.Time
	ConnectedAt    time.Time
}

// Expired reports whether the context's token has passed its expiry at the
// given instant.
func (c ClientContext) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// AuthFailureKind classifies why the Token Verifier rejected a token.
type AuthFailureKind string

const (
	AuthMalformed     AuthFailureKind = "malformed"
	AuthBadSignature  AuthFailureKind = "bad_signature"
	AuthExpired       AuthFailureKind = "expired"
	AuthNotYetValid   AuthFailureKind = "not_yet_valid"
	AuthMissingClaim  AuthFailureKind = "missing_claim"
)

// AuthFailure is returned by the Token Verifier on any rejection.
type AuthFailure struct {
	Kind    AuthFailureKind
	Message string
}

func (f *AuthFailure) Error() string {
	return string(f.Kind) + ": " + f.Message
}
