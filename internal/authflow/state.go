package authflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/foie0222/mynion/internal/identity"
)

// StateCodec signs the identity claim carried through the external consent
// redirect as the OAuth2 state parameter.
//
// The claim is exactly that: a claim. Signing makes it tamper-evident across
// the untrusted redirect chain, but the broker still verifies it against the
// session's recorded owner at completion time rather than trusting it alone.
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// ErrInvalidState means a state parameter failed signature or claim checks.
var ErrInvalidState = errors.New("invalid state parameter")

// NewStateCodec creates a codec. The TTL should match the session lifetime;
// a non-positive value defaults to DefaultSessionTTL.
func NewStateCodec(secret []byte, ttl time.Duration) (*StateCodec, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("state signing secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &StateCodec{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Encode signs an identity claim into an opaque state value. Each value
// carries a fresh nonce so two flows for the same user are distinguishable.
func (c *StateCodec) Encode(id identity.EndUserIdentity) (string, error) {
	if id == "" {
		return "", fmt.Errorf("identity is required")
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   id.String(),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Decode verifies a state value and returns the identity claim inside it.
func (c *StateCodec) Decode(state string) (identity.EndUserIdentity, error) {
	if state == "" {
		return "", ErrInvalidState
	}
	parsed, err := jwt.ParseWithClaims(state, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(c.now), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidState, err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidState
	}
	return identity.EndUserIdentity(claims.Subject), nil
}
