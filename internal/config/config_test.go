package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/shopfloor?sslmode=disable")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoad_MinuteValuedExpiries(t *testing.T) {
	setRequiredEnv(t)
	// Deployments configure lifetimes as bare integer minutes.
	t.Setenv("ACCESS_TOKEN_EXPIRE_MINUTES", "30")
	t.Setenv("REFRESH_TOKEN_EXPIRE_MINUTES", "10080")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL())
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL())
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL())
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL())
	assert.Equal(t, "HS256", cfg.JWTAlgorithm)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.True(t, cfg.RunMigrationsOnStartup)
}

func TestLoad_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-HMAC algorithm", "JWT_ALGORITHM", "RS256"},
		{"zero access lifetime", "ACCESS_TOKEN_EXPIRE_MINUTES", "0"},
		{"negative refresh lifetime", "REFRESH_TOKEN_EXPIRE_MINUTES", "-1"},
		{"fractional minutes", "ACCESS_TOKEN_EXPIRE_MINUTES", "30m"},
		{"zero queue depth", "WS_SEND_QUEUE_DEPTH", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{CORSAllowedOrigins: " http://localhost:3000 ,, https://plant.example.com "}
	assert.Equal(t, []string{"http://localhost:3000", "https://plant.example.com"}, cfg.AllowedOrigins())
}
