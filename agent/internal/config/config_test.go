package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBaseEnv sets the minimum required environment for a successful Load.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("NODE_ID", "home")
	t.Setenv("NODE_LOCATION", "home")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.False(t, cfg.Development())
	assert.Equal(t, 9, cfg.WolPort)
	assert.Equal(t, "255.255.255.255", cfg.WolBroadcast)
	assert.Equal(t, 5*time.Minute, cfg.ScanInterval)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
}

func TestLoadRequiresIdentity(t *testing.T) {
	t.Setenv("NODE_ID", "")
	t.Setenv("NODE_LOCATION", "home")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NODE_ID")
}

func TestLoadRequiresTokenWithCNCURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CNC_URL", "wss://cnc.example.com/ws")
	t.Setenv("CNC_TOKEN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CNC_TOKEN")
}

func TestLoadRejectsNonIntegerDurations(t *testing.T) {
	for _, raw := range []string{"1500.5", "NaN", "Inf", "-1"} {
		t.Run(raw, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv("SCAN_INTERVAL_MS", raw)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "SCAN_INTERVAL_MS")
		})
	}
}

func TestLoadParsesIntervals(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SCAN_INTERVAL_MS", "60000")
	t.Setenv("CNC_RECONNECT_INTERVAL_MS", "250")
	t.Setenv("CNC_REFRESH_BUFFER_SECONDS", "30")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.ScanInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.RefreshBuffer)
}
