package jwt_test

import (
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapbird/syncgate/pkg/config"
	"github.com/scrapbird/syncgate/pkg/infra/auth/jwt"
)

func signToken(t *testing.T, secret string, claims gojwt.MapClaims) string {
	t.Helper()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestDecodeToken(t *testing.T) {
	manager := jwt.NewJwtManager(&config.ServerConfig{SecretKey: "test-secret"})
	signed := signToken(t, "test-secret", gojwt.MapClaims{
		"license_hash": "sha256:abc123",
		"tier":         "premium",
		"exp":          time.Now().Add(time.Hour).Unix(),
	})

	claims, err := manager.DecodeToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", claims["license_hash"])
	assert.Equal(t, "premium", claims["tier"])
}

func TestDecodeToken_WrongSecret(t *testing.T) {
	manager := jwt.NewJwtManager(&config.ServerConfig{SecretKey: "test-secret"})
	signed := signToken(t, "other-secret", gojwt.MapClaims{
		"license_hash": "sha256:abc123",
	})

	_, err := manager.DecodeToken(signed)
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}

func TestDecodeToken_Expired(t *testing.T) {
	manager := jwt.NewJwtManager(&config.ServerConfig{SecretKey: "test-secret"})
	signed := signToken(t, "test-secret", gojwt.MapClaims{
		"license_hash": "sha256:abc123",
		"exp":          time.Now().Add(-time.Hour).Unix(),
	})

	_, err := manager.DecodeToken(signed)
	assert.ErrorIs(t, err, jwt.ErrExpiredToken)
}

func TestDecodeToken_Garbage(t *testing.T) {
	manager := jwt.NewJwtManager(&config.ServerConfig{SecretKey: "test-secret"})

	_, err := manager.DecodeToken("not-a-token")
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)
}
