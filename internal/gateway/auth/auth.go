// Package auth resolves agent credentials presented during the tunnel
// handshake. Gateway tokens are opaque strings minted by the platform API;
// only their SHA-256 fingerprint is persisted, so the raw credential never
// lives in the database.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/gatelink-io/gatelink/internal/protocol"
)

const (
	// tokenBytes is the length of the random token material before encoding.
	tokenBytes = 24

	// tokenPrefix marks gateway tokens so they are recognizable in logs and
	// support tickets without revealing anything about their contents.
	tokenPrefix = "glk_"
)

// Identity is the resolved owner of a gateway token: the database the
// authenticated agent serves and the tenant it belongs to.
type Identity struct {
	DatabaseID   string
	DatabaseName string
	TenantID     string
}

// Authenticator validates the credentials carried by an AUTH_REQUEST and
// resolves them to the identity the session is registered under.
// Implementations must be safe for concurrent use; recording usage
// timestamps as a side effect is allowed.
type Authenticator interface {
	Authenticate(ctx context.Context, req *protocol.AuthRequest) (Identity, error)
}

var (
	// ErrTokenUnknown means no token with the presented fingerprint exists.
	ErrTokenUnknown = errors.New("auth: unknown gateway token")

	// ErrTokenExpired means the token exists but its validity window has passed.
	ErrTokenExpired = errors.New("auth: gateway token expired")

	// ErrTokenRevoked means the token was revoked by an operator.
	ErrTokenRevoked = errors.New("auth: gateway token revoked")
)

// Verdict translates an Authenticate error into the wire status and a bounded
// message for the agent. Internal failures map to a plain rejection so
// storage errors never leak across the tunnel.
func Verdict(err error) (protocol.AuthStatus, string) {
	switch {
	case err == nil:
		return protocol.AuthSuccess, ""
	case errors.Is(err, ErrTokenExpired):
		return protocol.AuthTokenExpired, "gateway token expired"
	case errors.Is(err, ErrTokenRevoked):
		return protocol.AuthTokenRevoked, "gateway token revoked"
	default:
		return protocol.AuthFailed, "invalid gateway token"
	}
}

// GenerateToken returns a new raw gateway token. The raw value is shown to
// the operator exactly once; persist only its Fingerprint.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generating token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}

// Fingerprint returns the SHA-256 hex digest of a raw token. Storage and
// lookups always go through the fingerprint, never the raw value.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashToken returns the bcrypt hash stored alongside the fingerprint. The
// fingerprint finds the row, the hash proves the presenter holds the raw
// token rather than a value that merely collides on lookup.
func HashToken(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing token: %w", err)
	}
	return string(hash), nil
}

// VerifyTokenHash reports whether raw matches a stored bcrypt hash.
func VerifyTokenHash(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// Redact returns a loggable form of a raw token: the prefix and first four
// hex characters, with the rest elided.
func Redact(raw string) string {
	const visible = len(tokenPrefix) + 4
	if !strings.HasPrefix(raw, tokenPrefix) || len(raw) <= visible {
		return "****"
	}
	return raw[:visible] + "****"
}
