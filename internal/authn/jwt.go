// Package authn implements the Token Verifier (spec section 4.1): a pure
// function of key material and a signed bearer token that produces a
// domain.ClientContext or a typed domain.AuthFailure. It performs no I/O.
package authn

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fleetgate/gateway/internal/domain"
)

// Claims is the JWT claim set the gateway expects from its identity
// provider, grounded on the teacher's Claims shape and extended with the
// publish/subscribe allow-lists the gateway's authorization model needs.
type Claims struct {
	ClientID  string   `json:"client_id"`
	Role      string   `json:"role"`
	Publish   []string `json:"pub"`
	Subscribe []string `json:"subscribe"`
	jwt.RegisteredClaims
}

// Verifier validates signed bearer tokens using a configured symmetric
// key, enforcing issuer/audience and expiry with the given clock-skew
// tolerance.
type Verifier struct {
	secretKey []byte
	issuer    string
	audience  string
	skew      time.Duration
}

// NewVerifier builds a Verifier. issuer/audience may be empty to skip that
// check.
func NewVerifier(secretKey, issuer, audience string, skew time.Duration) *Verifier {
	return &Verifier{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		audience:  audience,
		skew:      skew,
	}
}

// Verify validates tokenString and, on success, returns a ClientContext
// built from its claims. now is the instant against which expiry is
// evaluated, passed explicitly to keep this function pure and testable.
func (v *Verifier) Verify(tokenString string, now time.Time) (domain.ClientContext, *domain.AuthFailure) {
	parserOpts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.skew),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secretKey, nil
	}, parserOpts...)

	if err != nil {
		return domain.ClientContext{}, classifyError(err)
	}
	if !token.Valid {
		return domain.ClientContext{}, &domain.AuthFailure{Kind: domain.AuthMalformed, Message: "token not valid"}
	}

	if claims.ClientID == "" {
		return domain.ClientContext{}, &domain.AuthFailure{Kind: domain.AuthMissingClaim, Message: "client_id missing"}
	}
	if claims.Role == "" {
		return domain.ClientContext{}, &domain.AuthFailure{Kind: domain.AuthMissingClaim, Message: "role missing"}
	}
	if claims.ExpiresAt == nil {
		return domain.ClientContext{}, &domain.AuthFailure{Kind: domain.AuthMissingClaim, Message: "exp missing"}
	}

	return domain.ClientContext{
		ClientID:       claims.ClientID,
		Role:           claims.Role,
		AllowPublish:   append([]string(nil), claims.Publish...),
		AllowSubscribe: append([]string(nil), claims.Subscribe...),
		ExpiresAt:      claims.ExpiresAt.Time,
		ConnectedAt:    now,
	}, nil
}

func classifyError(err error) *domain.AuthFailure {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &domain.AuthFailure{Kind: domain.AuthExpired, Message: err.Error()}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return &domain.AuthFailure{Kind: domain.AuthNotYetValid, Message: err.Error()}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return &domain.AuthFailure{Kind: domain.AuthBadSignature, Message: err.Error()}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return &domain.AuthFailure{Kind: domain.AuthMalformed, Message: err.Error()}
	default:
		return &domain.AuthFailure{Kind: domain.AuthMalformed, Message: err.Error()}
	}
}

// Issuer creates signed tokens; used by tests, grounded on the teacher's
// JWTManager.Generate. The admin surface has no token endpoint.
type Issuer struct {
	secretKey []byte
	issuer    string
	audience  string
	duration  time.Duration
}

func NewIssuer(secretKey, issuer, audience string, duration time.Duration) *Issuer {
	return &Issuer{secretKey: []byte(secretKey), issuer: issuer, audience: audience, duration: duration}
}

// Issue signs a new token for the given identity and authorization lists.
func (i *Issuer) Issue(clientID, role string, pub, sub []string, now time.Time) (string, error) {
	claims := &Claims{
		ClientID:  clientID,
		Role:      role,
		Publish:   pub,
		Subscribe: sub,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    i.issuer,
			Subject:   clientID,
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secretKey)
}
