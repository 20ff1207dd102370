package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceTokensMintAndVerify(t *testing.T) {
	tokens := NewServiceTokens("super-secret", "gatelink")
	require.NotNil(t, tokens)

	signed, err := tokens.Mint("chatbot", time.Hour)
	require.NoError(t, err)

	claims, err := tokens.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "chatbot", claims.Service)
	assert.Equal(t, "chatbot", claims.Subject)
	assert.Equal(t, "gatelink", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestServiceTokensEmptySecretDisablesAuth(t *testing.T) {
	assert.Nil(t, NewServiceTokens("", "gatelink"))
}

func TestServiceTokensRejectsWrongSecret(t *testing.T) {
	minter := NewServiceTokens("secret-a", "gatelink")
	verifier := NewServiceTokens("secret-b", "gatelink")

	signed, err := minter.Mint("chatbot", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	assert.ErrorIs(t, err, ErrServiceTokenInvalid)
}

func TestServiceTokensRejectsWrongIssuer(t *testing.T) {
	minter := NewServiceTokens("super-secret", "someone-else")
	verifier := NewServiceTokens("super-secret", "gatelink")

	signed, err := minter.Mint("chatbot", time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(signed)
	assert.ErrorIs(t, err, ErrServiceTokenInvalid)
}

func TestServiceTokensRejectsExpired(t *testing.T) {
	tokens := NewServiceTokens("super-secret", "gatelink")

	// Mint never produces an already-expired token, so craft one by hand.
	now := time.Now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gatelink",
			Subject:   "chatbot",
			IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
		},
		Service: "chatbot",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("super-secret"))
	require.NoError(t, err)

	_, err = tokens.Verify(signed)
	assert.ErrorIs(t, err, ErrServiceTokenExpired)
}

func TestServiceTokensRejectsUnsignedAlg(t *testing.T) {
	tokens := NewServiceTokens("super-secret", "gatelink")

	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "gatelink",
			Subject:   "chatbot",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Service: "chatbot",
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = tokens.Verify(unsigned)
	assert.ErrorIs(t, err, ErrServiceTokenInvalid)
}
