// Package auth verifies the HS256 tokens clients present when opening a
// WebSocket connection.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/gochat-presence/internal/registry"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled is returned when no secret is configured.
	ErrAuthDisabled = errors.New("auth disabled")
	// ErrInvalidToken covers every parse, signature, expiry and subject failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carries the user id in the subject.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Verifier signs and verifies tokens with one shared secret.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier builds a verifier. An empty secret yields a verifier whose
// methods return ErrAuthDisabled.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Issue signs a token for userID valid for ttl (no expiry when ttl <= 0).
func (v *Verifier) Issue(userID registry.UserID, username string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", ErrAuthDisabled
	}
	if userID <= 0 {
		return "", errors.New("user id required")
	}
	now := v.now()
	claims := Claims{
		Username: strings.TrimSpace(username),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  userID.String(),
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses token and returns the user id in its subject.
func (v *Verifier) Verify(token string) (registry.UserID, error) {
	if !v.Enabled() {
		return 0, ErrAuthDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	id, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}
	return registry.UserID(id), nil
}
