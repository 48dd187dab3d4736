package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManager_PIDFile(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	lm := d.lifecycle

	require.NoError(t, lm.Start())

	pidFile := filepath.Join(d.config.DataDir, "switchboard.pid")
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(data))

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	assert.True(t, lm.IsRunning())

	require.NoError(t, lm.Stop())
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestLifecycleManager_StopWithoutPIDFile(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	assert.NoError(t, d.lifecycle.Stop())
}

func TestLifecycleManager_GetPIDInvalid(t *testing.T) {
	d, log := createTestDaemon(t)
	defer log.Close()

	lm := d.lifecycle
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0o644))

	_, err := lm.GetPID()
	assert.Error(t, err)
	assert.False(t, lm.IsRunning())
}
