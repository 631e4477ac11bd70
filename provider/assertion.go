package provider

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AssertionConfig describes a JWT client assertion (RFC 7523) for providers
// that authenticate the client with a signed token instead of a static
// secret at the token endpoint.
type AssertionConfig struct {
	Issuer   string // typically the client id or the vendor-issued team id
	Subject  string // the client id
	Audience string // the token endpoint URL
	TTL      time.Duration
	Secret   []byte // HS256 signing key
}

// NewClientAssertion returns a generator producing fresh signed assertions.
// Each call mints a new jti so assertions cannot be replayed.
func NewClientAssertion(cfg AssertionConfig) func() (string, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return func() (string, error) {
		now := time.Now()
		claims := jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   cfg.Subject,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return token.SignedString(cfg.Secret)
	}
}
