package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBaseEnv sets the minimum required environment for a successful Load.
func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("NODE_AUTH_TOKENS", "node-token-1, node-token-2")
	t.Setenv("OPERATOR_TOKENS", "op-token")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "production", cfg.Env)
	assert.False(t, cfg.Development())
	assert.Equal(t, "sqlite", cfg.DBType)
	assert.Equal(t, []string{"node-token-1", "node-token-2"}, cfg.NodeAuthTokens)
	assert.False(t, cfg.WSAllowQueryTokenAuth, "query token auth must default off")
	assert.EqualValues(t, 30_000, cfg.NodeHeartbeatInterval.Milliseconds())
	assert.EqualValues(t, 90_000, cfg.NodeTimeout.Milliseconds())
}

func TestLoadRejectsShortNodeTimeout(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("NODE_HEARTBEAT_INTERVAL", "30000")
	t.Setenv("NODE_TIMEOUT", "45000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NODE_TIMEOUT")
}

func TestLoadRejectsNonFiniteNumbers(t *testing.T) {
	for _, raw := range []string{"NaN", "Inf", "-Inf", "9e999"} {
		t.Run(raw, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv("COMMAND_TIMEOUT", raw)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "COMMAND_TIMEOUT")
		})
	}
}

func TestLoadRejectsNegativeHistoryRetention(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("HOST_STATUS_HISTORY_RETENTION_DAYS", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOST_STATUS_HISTORY_RETENTION_DAYS")
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoadRejectsHeartbeatBelowOneSecond(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("NODE_HEARTBEAT_INTERVAL", "500")
	t.Setenv("NODE_TIMEOUT", "90000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NODE_HEARTBEAT_INTERVAL")
}

func TestLoadZeroRetentionDisablesPruning(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("COMMAND_RETENTION_DAYS", "0")
	t.Setenv("HOST_STATUS_HISTORY_RETENTION_DAYS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.CommandRetentionDays)
	assert.Zero(t, cfg.HostStatusHistoryRetentionDays)
}

func TestLoadParsesWSSettings(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("WS_REQUIRE_TLS", "true")
	t.Setenv("WS_ALLOW_QUERY_TOKEN_AUTH", "true")
	t.Setenv("WS_SESSION_TOKEN_SECRETS", "current,previous")
	t.Setenv("WS_MESSAGE_RATE_LIMIT_PER_SECOND", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.WSRequireTLS)
	assert.True(t, cfg.WSAllowQueryTokenAuth)
	assert.Equal(t, []string{"current", "previous"}, cfg.WSSessionTokenSecrets)
	assert.Equal(t, 25, cfg.WSMessageRatePerSecond)
}
