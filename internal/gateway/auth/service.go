package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultServiceTokenDuration is the validity window applied when Mint is
// called without an explicit TTL. Platform services are expected to mint on
// startup and re-mint on expiry.
const defaultServiceTokenDuration = 24 * time.Hour

var (
	// ErrServiceTokenInvalid covers malformed, tampered and wrong-issuer
	// service tokens.
	ErrServiceTokenInvalid = errors.New("auth: invalid service token")

	// ErrServiceTokenExpired means the token was valid but its exp has passed.
	ErrServiceTokenExpired = errors.New("auth: service token expired")
)

// ServiceClaims are the JWT claims carried by a platform service token.
// Subject names the calling service ("chatbot", "ops-console"); handlers use
// it for audit fields such as requested_by.
type ServiceClaims struct {
	jwt.RegisteredClaims

	Service string `json:"svc"`
}

// ServiceTokens signs and verifies the HS256 bearer tokens used by platform
// services calling the REST API. These are separate from gateway tokens:
// gateway tokens authenticate agents on the tunnel, service tokens
// authenticate machine callers on /api/v1.
//
// An empty secret disables verification entirely; NewServiceTokens returns
// nil in that case and the API middleware lets every request through. That is
// a development convenience, not a production configuration.
type ServiceTokens struct {
	secret []byte
	issuer string
}

// NewServiceTokens builds a ServiceTokens from a shared secret. Returns nil
// when the secret is empty, which callers treat as auth disabled.
func NewServiceTokens(secret, issuer string) *ServiceTokens {
	if secret == "" {
		return nil
	}
	return &ServiceTokens{secret: []byte(secret), issuer: issuer}
}

// Mint creates a signed HS256 token identifying a calling service. A ttl of
// zero applies the package default.
func (s *ServiceTokens) Mint(service string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultServiceTokenDuration
	}
	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   service,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Service: service,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing service token: %w", err)
	}
	return signed, nil
}

// Verify parses and checks a service token string. Returns the embedded
// claims on success. Use errors.Is with ErrServiceTokenExpired to distinguish
// expiry from tampering.
func (s *ServiceTokens) Verify(tokenString string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&ServiceClaims{},
		func(t *jwt.Token) (any, error) {
			// Only HS256 is acceptable here; anything else is an alg
			// confusion attempt.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrServiceTokenExpired
		}
		return nil, ErrServiceTokenInvalid
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, ErrServiceTokenInvalid
	}
	return claims, nil
}
