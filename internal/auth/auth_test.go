package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken_ValidCredentials(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials("key", "secret", "USER_1", false)

	resp, err := svc.GenerateToken(Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)

	claims, err := svc.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "USER_1", claims.UserID)
	assert.False(t, claims.Admin)
}

func TestGenerateToken_InvalidCredentials(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials("key", "secret", "USER_1", false)

	_, err := svc.GenerateToken(Credentials{APIKey: "key", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.GenerateToken(Credentials{APIKey: "unknown", APISecret: "secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials("key", "secret", "USER_1", false)

	resp, err := svc.GenerateToken(Credentials{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)

	other := NewService("different-secret")
	_, err = other.ValidateToken(resp.Token)
	assert.Error(t, err)
}

func TestGenerateToken_AdminClaim(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterAPICredentials("admin-key", "admin-secret", "USER_ADMIN", true)

	resp, err := svc.GenerateToken(Credentials{APIKey: "admin-key", APISecret: "admin-secret"})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)
}
