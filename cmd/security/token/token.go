package token

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// HMACEnvKey is the env var name for the shared token secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "SHUTTLECHAT_TOKEN_HMAC_KEY"

	// MinKeyBytes is the minimum shared-secret size for HMAC-SHA256.
	MinKeyBytes = 32
)

// Claims is the verified identity carried by an access token.
type Claims struct {
	UserID string
	Role   string
	Name   string
	Email  string
}

type jwtClaims struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 access tokens against the shared secret.
type Verifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewVerifier constructs a Verifier with an explicit key.
func NewVerifier(key []byte) (*Verifier, error) {
	if len(key) == 0 {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < MinKeyBytes {
		return nil, ErrHMACKeyTooShort
	}
	return &Verifier{
		key: key,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// NewVerifierFromEnv constructs a Verifier from SHUTTLECHAT_TOKEN_HMAC_KEY.
// Fail-fast: silently accepting unauthenticated realtime connections is
// unacceptable, so a missing or short key is a startup error.
func NewVerifierFromEnv() (*Verifier, error) {
	key, err := HMACKeyFromEnv(MinKeyBytes)
	if err != nil {
		return nil, err
	}
	return NewVerifier(key)
}

// Verify parses and validates a bearer token, returning the identity claims.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims jwtClaims
	tok, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return Claims{}, ErrInvalidToken
	}

	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role := strings.TrimSpace(claims.Role)
	if role == "" {
		return Claims{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}

	return Claims{
		UserID: userID,
		Role:   role,
		Name:   claims.Name,
		Email:  claims.Email,
	}, nil
}

// Sign mints a token for tests and local tooling. Production tokens come
// from the auth service; the wire format must stay in lockstep with it.
func Sign(key []byte, c Claims, ttl time.Duration, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		Role:  c.Role,
		Name:  c.Name,
		Email: c.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(key)
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a
// minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}
