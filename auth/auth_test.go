package auth

import (
	"context"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret, subject, name string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  subject,
		"name": name,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestResolveJWT(t *testing.T) {
	cfg := &config.Config{AuthConfig: config.AuthConfig{JWTSecret: "sekrit"}}
	token := signToken(t, "sekrit", "alice@example.com", "Alice")

	user, err := Resolve(context.Background(), Credentials{Bearer: token}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Id)
	assert.Equal(t, "Alice", user.Name)
	assert.False(t, user.Guest)
}

func TestResolveJWTWrongKey(t *testing.T) {
	cfg := &config.Config{AuthConfig: config.AuthConfig{JWTSecret: "sekrit"}}
	token := signToken(t, "wrong", "alice@example.com", "Alice")

	_, err := Resolve(context.Background(), Credentials{Bearer: token}, cfg)
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestResolveJWTExpired(t *testing.T) {
	cfg := &config.Config{AuthConfig: config.AuthConfig{JWTSecret: "sekrit"}}
	claims := jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("sekrit"))
	require.NoError(t, err)

	_, err = Resolve(context.Background(), Credentials{Bearer: token}, cfg)
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestResolveGuest(t *testing.T) {
	cfg := &config.Config{AuthConfig: config.AuthConfig{AllowGuests: true}}

	user, err := Resolve(context.Background(), Credentials{}, cfg)
	require.NoError(t, err)
	assert.True(t, user.Guest)
	assert.NotEmpty(t, user.Id)
	assert.Contains(t, user.Name, "(guest)")
}

func TestResolveNoCredentials(t *testing.T) {
	cfg := &config.Config{}
	_, err := Resolve(context.Background(), Credentials{}, cfg)
	assert.ErrorIs(t, err, types.ErrForbidden)
}
