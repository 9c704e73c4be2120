package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrHMACKeyMissing is returned when the shared secret env var is unset.
	ErrHMACKeyMissing = errors.New("token HMAC key missing")
	// ErrHMACKeyTooShort is returned when the shared secret is below the minimum size.
	ErrHMACKeyTooShort = errors.New("token HMAC key too short")
	// ErrInvalidToken is returned when a token fails signature or claim validation.
	ErrInvalidToken = errors.New("invalid token")
)
