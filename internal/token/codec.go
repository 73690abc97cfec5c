// Package token encodes and decodes the signed, time-bound QR attendance tokens.
//
// Tokens are HS256 JWTs carrying the session id, the rotation sequence number and the
// issue/expiry instants. Decode deliberately skips expiry validation: whether a token is
// expired is a policy decision made by the verifier, which needs to tell "expired" apart
// from "tampered".
package token

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinKeyBytes is the shortest signing key the codec accepts.
const MinKeyBytes = 16

// Token is an issued attendance token bound to one session.
type Token struct {
	Value     string    `json:"value"`
	SessionID string    `json:"session_id"`
	Sequence  uint64    `json:"sequence"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TTL returns the validity window the token was issued with.
func (t Token) TTL() time.Duration { return t.ExpiresAt.Sub(t.IssuedAt) }

// Payload is the verified content of a decoded token.
type Payload struct {
	SessionID string
	Sequence  uint64
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the token is no longer valid at instant at.
func (p Payload) Expired(at time.Time) bool { return at.After(p.ExpiresAt) }

type claims struct {
	SessionID string `json:"sid"`
	Sequence  uint64 `json:"seq"`
	jwt.RegisteredClaims
}

// Codec issues and decodes attendance tokens with a process-wide key.
type Codec struct {
	mu     sync.RWMutex
	key    []byte
	issuer string
}

// NewCodec creates a codec signing with key.
func NewCodec(key []byte, issuer string) (*Codec, error) {
	c := &Codec{issuer: issuer}
	if err := c.SetKey(key); err != nil {
		return nil, err
	}
	return c, nil
}

// SetKey replaces the signing key. Every token signed with the previous key stops verifying.
func (c *Codec) SetKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyMissing
	}
	if len(key) < MinKeyBytes {
		return ErrKeyTooShort
	}
	cp := make([]byte, len(key))
	copy(cp, key)

	c.mu.Lock()
	c.key = cp
	c.mu.Unlock()
	return nil
}

func (c *Codec) signingKey() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// Issue signs a token for sessionID/seq valid for ttl starting at issuedAt.
func (c *Codec) Issue(sessionID string, seq uint64, issuedAt time.Time, ttl time.Duration) (Token, error) {
	if sessionID == "" {
		return Token{}, errors.New("session id required")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	iat := jwt.NewNumericDate(issuedAt)
	exp := jwt.NewNumericDate(issuedAt.Add(ttl))
	cl := claims{
		SessionID: sessionID,
		Sequence:  seq,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			IssuedAt:  iat,
			ExpiresAt: exp,
		},
	}

	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.signingKey())
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{
		Value:     value,
		SessionID: sessionID,
		Sequence:  seq,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// Decode verifies raw and returns its payload. Expired tokens decode without error.
func (c *Codec) Decode(raw string) (Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Payload{}, ErrMalformed
	}

	key := c.signingKey()
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	cl, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Payload{}, ErrInvalidSignature
	}
	if c.issuer != "" && cl.Issuer != c.issuer {
		return Payload{}, fmt.Errorf("%w: issuer mismatch", ErrInvalidSignature)
	}
	if cl.SessionID == "" || cl.ExpiresAt == nil || cl.IssuedAt == nil {
		return Payload{}, fmt.Errorf("%w: missing claims", ErrMalformed)
	}

	return Payload{
		SessionID: cl.SessionID,
		Sequence:  cl.Sequence,
		IssuedAt:  cl.IssuedAt.Time,
		ExpiresAt: cl.ExpiresAt.Time,
	}, nil
}

// KeyFromEnv reads a signing key from the named environment variable, enforcing minBytes.
func KeyFromEnv(name string, minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, ErrKeyMissing
	}
	if minBytes > 0 && len(raw) < minBytes {
		return nil, ErrKeyTooShort
	}
	return []byte(raw), nil
}
