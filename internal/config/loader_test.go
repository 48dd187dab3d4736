package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nope.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "subprocess", cfg.Connection.Backend)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
	assert.NotEmpty(t, cfg.Approvals.AllowlistPath)
	assert.NotEmpty(t, cfg.Usage.Path)
	assert.NotEmpty(t, cfg.Schedule.StorePath)
	assert.NotEmpty(t, cfg.Session.WorkingDir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.json")
	content := `{
		"data_dir": "` + dir + `",
		"connection": {"backend": "subprocess", "command": "fake-agent"},
		"session": {"model": "bigger-model", "permission_mode": "bypass"},
		"gateway": {"enabled": true, "host": "0.0.0.0", "port": 9000}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fake-agent", cfg.Connection.Command)
	assert.Equal(t, "bigger-model", cfg.Session.Model)
	assert.Equal(t, "bypass", cfg.Session.PermissionMode)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, dir, cfg.DataDir)

	// Derived paths land under the configured data dir.
	assert.Equal(t, filepath.Join(dir, "switchboard.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(dir, "usage.db"), cfg.Usage.Path)
}

func TestLoadBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Session.Model = "round-trip-model"
	cfg.Gateway.Port = 9123
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "round-trip-model", loaded.Session.Model)
	assert.Equal(t, 9123, loaded.Gateway.Port)
}

func TestGetConfigPath(t *testing.T) {
	loader := NewLoader("/explicit/path.json")
	assert.Equal(t, "/explicit/path.json", loader.GetConfigPath())

	defaulted := NewLoader("")
	assert.Contains(t, defaulted.GetConfigPath(), ".switchboard")
}
