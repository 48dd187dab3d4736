package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irwin/switchboard/internal/config"
	"github.com/irwin/switchboard/internal/logger"
)

func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Port = 18379
	cfg.Gateway.SharedSecret = "test-secret"
	cfg.Connection.Command = "/bin/true"

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)

	d, err := New(cfg, log)
	require.NoError(t, err)

	return d, log
}

func TestNew(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	assert.NotNil(t, d)
	assert.NotNil(t, d.manager)
	assert.NotNil(t, d.broker)
	assert.NotNil(t, d.ledger)
	assert.NotNil(t, d.scheduler)
	assert.NotNil(t, d.gatewayServer)
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
}

func TestNew_OptionalServicesDisabled(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Enabled = false
	cfg.Usage.Enabled = false
	cfg.Schedule.Enabled = false

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()

	d, err := New(cfg, log)
	require.NoError(t, err)

	assert.Nil(t, d.gatewayServer)
	assert.Nil(t, d.ledger)
	assert.Nil(t, d.scheduler)
	assert.NotNil(t, d.manager)
}

func TestDaemonStartStop(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, d.Stop())

	status = d.Status()
	assert.False(t, status.Running)
}

func TestDaemonStartTwice(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Error(t, d.Start())
}

func TestDaemonStopWithoutStart(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	assert.Error(t, d.Stop())
}

func TestDaemonStatus(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(100 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
}

func TestDaemonGetters(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	assert.NotNil(t, d.GetConfig())
	assert.NotNil(t, d.GetLogger())
	assert.NotNil(t, d.GetManager())
	assert.NotNil(t, d.GetBroker())
	assert.NotNil(t, d.GetLedger())
	assert.NotNil(t, d.GetScheduler())
	assert.NotNil(t, d.GetGatewayServer())
}

func TestSharedSecretPersistence(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Port = 18380
	cfg.Gateway.SharedSecret = ""

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	defer log.Close()

	d, err := New(cfg, log)
	require.NoError(t, err)

	first, err := d.loadSharedSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := d.loadSharedSecret()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
