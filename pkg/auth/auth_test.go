package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labmanager/pkg/models"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	manager := NewJWTManager("test-secret")

	user := &models.User{
		ID:    42,
		Email: "alice@lab.example",
		Role:  models.RoleAdmin,
	}

	token, err := manager.GenerateToken(user)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, "alice@lab.example", claims.Email)
	assert.Equal(t, models.RoleAdmin, claims.Role)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", claims.JTI.String())
}

func TestJWTManager_EmptySecret(t *testing.T) {
	manager := NewJWTManager("")

	_, err := manager.GenerateToken(&models.User{ID: 1, Email: "a@b.c", Role: models.RoleUser})
	assert.Error(t, err)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	token, err := NewJWTManager("secret-a").GenerateToken(&models.User{
		ID:    1,
		Email: "alice@lab.example",
		Role:  models.RoleUser,
	})
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b").ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTManager_GarbageToken(t *testing.T) {
	_, err := NewJWTManager("secret").ValidateToken("not-a-jwt")
	assert.Error(t, err)
}

func TestGenerateMachineToken(t *testing.T) {
	a, err := GenerateMachineToken()
	require.NoError(t, err)
	assert.Len(t, a, 128)

	b, err := GenerateMachineToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, VerifyPassword(hash, "hunter2"))
	assert.False(t, VerifyPassword(hash, "hunter3"))
}
