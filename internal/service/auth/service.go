// Package auth validates bearer tokens for API calls and log stream
// subscriptions.
package auth

import (
	"errors"
	"strings"

	"github.com/sferro/deployd/pkg/jwt"
)

// ErrUnauthorized marks a missing, malformed, or expired token.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Service verifies tokens against the shared signing secret.
type Service struct {
	secret string
}

// New constructs an auth service.
func New(secret string) Service {
	return Service{secret: secret}
}

// Authorize validates a bearer token and returns its claims. The "Bearer "
// prefix is accepted and stripped.
func (s Service) Authorize(token string) (*jwt.Claims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := jwt.Parse(token, s.secret)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
