package token

import "errors"

var (
	// ErrMalformed is returned when a token string cannot be parsed into attendance claims.
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidSignature is returned when the signature, algorithm or issuer does not verify.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrKeyMissing is returned when no signing key is configured.
	ErrKeyMissing = errors.New("token signing key missing")

	// ErrKeyTooShort is returned when the signing key is below MinKeyBytes.
	ErrKeyTooShort = errors.New("token signing key too short")
)
