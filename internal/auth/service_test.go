package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod(" Wallet ")
	require.NoError(t, err)
	assert.Equal(t, MethodWallet, m)

	_, err = ParseMethod("oauth")
	assert.ErrorIs(t, err, ErrInvalidMethod)
}

func TestIssueAndVerify(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	t.Run("should round-trip a wallet session", func(t *testing.T) {
		token, _, err := svc.Issue(MethodWallet, "Renter111")
		require.NoError(t, err)

		claims, err := svc.VerifyToken("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, MethodWallet, claims.Method)
		assert.Equal(t, "Renter111", claims.Wallet)
	})

	t.Run("should allow web2 sessions without a wallet", func(t *testing.T) {
		token, claims, err := svc.Issue(MethodWeb2, "")
		require.NoError(t, err)
		assert.Empty(t, claims.Wallet)

		got, err := svc.VerifyToken(token)
		require.NoError(t, err)
		assert.Equal(t, MethodWeb2, got.Method)
	})

	t.Run("should require a wallet for wallet sessions", func(t *testing.T) {
		_, _, err := svc.Issue(MethodWallet, "  ")
		assert.ErrorIs(t, err, ErrMissingWallet)
	})

	t.Run("should reject tokens signed with another secret", func(t *testing.T) {
		other := NewService("other-secret", time.Hour)
		token, _, err := other.Issue(MethodWallet, "Renter111")
		require.NoError(t, err)
		_, err = svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject expired tokens", func(t *testing.T) {
		past := NewService("test-secret", time.Minute)
		past.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, _, err := past.Issue(MethodWallet, "Renter111")
		require.NoError(t, err)
		_, err = svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject the none algorithm", func(t *testing.T) {
		claims := &Claims{Method: MethodWallet, Wallet: "x"}
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("should reject an unknown method claim", func(t *testing.T) {
		claims := &Claims{Method: "root", RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		_, err = svc.VerifyToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
