package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("MATRIX_HOMESERVER_URL", "https://matrix.example.org")
	t.Setenv("MATRIX_SERVER_NAME", "example.org")
	t.Setenv("AS_REGISTRATION_PATH", "/etc/appservice/registration.yaml")
}

func TestNewConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Address())
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, DefaultDedupBound, cfg.DedupBound)
	assert.Empty(t, cfg.DBPath)
}

func TestNewConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AS_LISTEN_ADDRESS", "127.0.0.1")
	t.Setenv("AS_LISTEN_PORT", "8080")
	t.Setenv("LOGLEVEL", "DEBUG")
	t.Setenv("AS_DB_PATH", "/var/lib/appservice/state.db")
	t.Setenv("AS_DEDUP_BOUND", "512")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Address())
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "/var/lib/appservice/state.db", cfg.DBPath)
	assert.Equal(t, 512, cfg.DedupBound)
}

func TestNewConfigMissingRequired(t *testing.T) {
	tests := []struct {
		name  string
		unset string
	}{
		{"homeserver url", "MATRIX_HOMESERVER_URL"},
		{"server name", "MATRIX_SERVER_NAME"},
		{"registration path", "AS_REGISTRATION_PATH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.unset, "")
			_, err := NewConfig()
			assert.Error(t, err)
		})
	}
}

func TestNewConfigInvalidPort(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AS_LISTEN_PORT", "not-a-port")
	_, err := NewConfig()
	assert.Error(t, err)
}

func TestNewConfigInvalidDedupBoundFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AS_DEDUP_BOUND", "-3")
	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultDedupBound, cfg.DedupBound)
}
