package jwt

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTManager(t *testing.T) {
	manager := NewJWTManager("test-secret-key-for-testing-purposes", 15*time.Minute)

	assert.NotNil(t, manager)
	assert.Equal(t, 15*time.Minute, manager.accessTokenDuration)
}

func TestGenerateAccessToken_RequiresUser(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	_, err := manager.GenerateAccessToken("", "user")

	assert.Error(t, err)
}

func TestValidateToken_ValidToken(t *testing.T) {
	manager := NewJWTManager("test-secret", 15*time.Minute)

	token, err := manager.GenerateAccessToken("agent-bob", "user")
	require.NoError(t, err)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-bob", claims.UserID)
	assert.Equal(t, "agent-bob", claims.Subject)
	assert.Equal(t, "user", claims.Role)
	assert.NotEmpty(t, claims.ID)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a", time.Minute).GenerateAccessToken("agent-bob", "user")
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", time.Minute).ValidateToken(token)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewJWTManager("test-secret", time.Minute)
	issued := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return issued }

	token, err := manager.GenerateAccessToken("agent-bob", "user")
	require.NoError(t, err)

	manager.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = manager.ValidateToken(token)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{UserID: "agent-bob", RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTManager("test-secret", time.Minute).ValidateToken(token)

	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Garbage(t *testing.T) {
	_, err := NewJWTManager("test-secret", time.Minute).ValidateToken("not-a-token")

	assert.ErrorIs(t, err, ErrInvalidToken)
}
