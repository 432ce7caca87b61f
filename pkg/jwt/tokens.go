package jwt

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines the JWT payload for log stream subscribers and API callers.
// Repos lists the repository full names the subject may observe in full
// detail; a single "*" entry grants every repository.
type Claims struct {
	Subject string   `json:"sub_id"`
	Repos   []string `json:"repos,omitempty"`
	jwtlib.RegisteredClaims
}

// AllowsRepo reports whether the claims authorize the given repository.
func (c *Claims) AllowsRepo(repoFullName string) bool {
	for _, repo := range c.Repos {
		if repo == "*" || repo == repoFullName {
			return true
		}
	}
	return false
}

// GenerateToken issues a signed JWT with the provided secret and ttl.
func GenerateToken(subject string, repos []string, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		Repos:   repos,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    "deployd",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
