package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	d := Load()
	assert.Equal(t, 5*time.Second, d.OpenTimeout)
	assert.Equal(t, 2*time.Second, d.IOTimeout)
	assert.Equal(t, 111, d.DiscoveryPortmapPort)
}

func TestLoadEnvOverride(t *testing.T) {
	Reset()
	require.NoError(t, os.Setenv("VISA_IO_TIMEOUT_MS", "500"))
	defer os.Unsetenv("VISA_IO_TIMEOUT_MS")

	d := Load()
	assert.Equal(t, 500*time.Millisecond, d.IOTimeout)
}

func TestLoadCachesAfterFirstCall(t *testing.T) {
	Reset()
	_ = Load()

	require.NoError(t, os.Setenv("VISA_IO_TIMEOUT_MS", "999"))
	defer os.Unsetenv("VISA_IO_TIMEOUT_MS")

	d := Load()
	assert.NotEqual(t, 999*time.Millisecond, d.IOTimeout, "second Load() must return the cached value, not re-read the environment")
}

func TestEnabledTransportsSplit(t *testing.T) {
	Reset()
	require.NoError(t, os.Setenv("VISA_ENABLED_TRANSPORTS", "TCPIP,USB"))
	defer os.Unsetenv("VISA_ENABLED_TRANSPORTS")

	d := Load()
	assert.Equal(t, []string{"TCPIP", "USB"}, d.EnabledTransports)
}
