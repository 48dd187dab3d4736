package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommandFlags(t *testing.T) {
	timeoutFlag := stopCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeoutFlag)
	assert.Equal(t, "30", timeoutFlag.DefValue)
}

func TestDefaultPIDFilePath(t *testing.T) {
	path := defaultPIDFilePath()
	assert.NotEmpty(t, path)
	assert.Contains(t, path, "switchboard.pid")
}
