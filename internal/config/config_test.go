package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "subprocess", cfg.Connection.Backend)
	assert.Equal(t, 4096, cfg.Connection.MaxTokens)
	assert.Equal(t, "prompt", cfg.Session.PermissionMode)
	assert.Equal(t, 120, cfg.Session.IdleTimeoutMinutes)
	assert.Equal(t, 120, cfg.Approvals.TimeoutSeconds)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 8379, cfg.Gateway.Port)
	assert.True(t, cfg.Usage.Enabled)
	assert.True(t, cfg.Schedule.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
}

func TestValidateDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.Backend = "carrier-pigeon"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid connection backend")
}

func TestValidateDirectBackendRequiresKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.Backend = "anthropic"
	require.Error(t, cfg.Validate())

	cfg.Connection.APIKey = "sk-ant-api03-test123"
	assert.NoError(t, cfg.Validate())

	cfg.Connection.APIKey = "not-a-key"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sk-ant-")
}

func TestValidatePermissionMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Session.PermissionMode = "ask-nicely"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid permission mode")

	for _, mode := range []string{"prompt", "bypass", "deny", ""} {
		cfg.Session.PermissionMode = mode
		assert.NoError(t, cfg.Validate(), "mode %q should be valid", mode)
	}
}

func TestValidateGatewayPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.Port = 0
	require.Error(t, cfg.Validate())

	// A disabled gateway skips port validation.
	cfg.Gateway.Enabled = false
	assert.NoError(t, cfg.Validate())
}

func TestValidateSamplingRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.SamplingRatio = 1.5
	require.Error(t, cfg.Validate())

	cfg.Tracing.SamplingRatio = 0.25
	assert.NoError(t, cfg.Validate())
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()
	assert.Contains(t, s, `"connection"`)
	assert.Contains(t, s, `"gateway"`)
}
