package config_test

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapse-agents/synapse/server/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadWithLookuper(context.Background(), nil,
		envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, 0, cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "127.0.0.1", cfg.ServerConfig.Host)
	assert.Equal(t, 5*time.Second, cfg.ServerConfig.ReadinessWait)
	assert.True(t, cfg.BoardConfig.Enabled)
	assert.False(t, cfg.HistoryConfig.Enabled)
	assert.Equal(t, "memory", cfg.MirrorConfig.Provider)
	assert.Equal(t, 10*time.Second, cfg.WebhookConfig.Timeout)
	assert.Equal(t, 3, cfg.WebhookConfig.MaxRetries)
	assert.True(t, cfg.AuthConfig.AllowLocalhost)
	assert.False(t, cfg.TelemetryConfig.Enable)
	assert.Equal(t, "9464", cfg.TelemetryConfig.MetricsConfig.Port)

	// Validate fills home-relative defaults.
	assert.NotEmpty(t, cfg.RegistryDir)
	assert.NotEmpty(t, cfg.ServerConfig.SocketDir)
	assert.NotEmpty(t, cfg.HistoryConfig.DBPath)
}

func TestLoadPrefixedOverrides(t *testing.T) {
	cfg, err := config.LoadWithLookuper(context.Background(), nil,
		envconfig.MapLookuper(map[string]string{
			"SYNAPSE_PROFILE":                "claude",
			"SYNAPSE_PORT":                   "8105",
			"SYNAPSE_AGENT_ROLE":             "reviewer",
			"SYNAPSE_SERVER_HOST":            "0.0.0.0",
			"SYNAPSE_SERVER_READINESS_WAIT":  "250ms",
			"SYNAPSE_SERVER_TLS_CERT_PATH":   "/tls/cert.pem",
			"SYNAPSE_SERVER_TLS_KEY_PATH":    "/tls/key.pem",
			"SYNAPSE_TASK_BOARD_ENABLED":     "false",
			"SYNAPSE_WEBHOOK_SECRET":         "hunter2",
			"SYNAPSE_WEBHOOK_MAX_RETRIES":    "5",
			"SYNAPSE_MIRROR_PROVIDER":        "redis",
			"SYNAPSE_MIRROR_URL":             "redis://127.0.0.1:6379",
			"SYNAPSE_AUTH_ENABLE":            "true",
			"SYNAPSE_AUTH_API_KEY":           "key-123",
			"SYNAPSE_TELEMETRY_ENABLE":       "true",
			"SYNAPSE_TELEMETRY_METRICS_PORT": "9999",
		}))
	require.NoError(t, err)

	assert.Equal(t, "claude", cfg.Profile)
	assert.Equal(t, 8105, cfg.Port)
	assert.Equal(t, "reviewer", cfg.AgentRole)
	assert.Equal(t, "0.0.0.0", cfg.ServerConfig.Host)
	assert.Equal(t, 250*time.Millisecond, cfg.ServerConfig.ReadinessWait)
	assert.True(t, cfg.ServerConfig.TLSConfig.Enabled())
	assert.False(t, cfg.BoardConfig.Enabled)
	assert.Equal(t, "hunter2", cfg.WebhookConfig.Secret)
	assert.Equal(t, 5, cfg.WebhookConfig.MaxRetries)
	assert.Equal(t, "redis", cfg.MirrorConfig.Provider)
	assert.True(t, cfg.AuthConfig.Enable)
	assert.Equal(t, "key-123", cfg.AuthConfig.APIKey)
	assert.True(t, cfg.TelemetryConfig.Enable)
	assert.Equal(t, "9999", cfg.TelemetryConfig.MetricsConfig.Port)
}

func TestLoadMergesBaseConfig(t *testing.T) {
	base := &config.Config{AgentName: "planner", Profile: "gemini"}

	cfg, err := config.LoadWithLookuper(context.Background(), base,
		envconfig.MapLookuper(map[string]string{
			"SYNAPSE_PROFILE": "codex",
		}))
	require.NoError(t, err)

	assert.Equal(t, "planner", cfg.AgentName)
	assert.Equal(t, "codex", cfg.Profile)
}

func TestValidateRejectsBadPort(t *testing.T) {
	_, err := config.LoadWithLookuper(context.Background(), nil,
		envconfig.MapLookuper(map[string]string{
			"SYNAPSE_PORT": "70000",
		}))
	assert.Error(t, err)
}

func TestValidateClampsRetries(t *testing.T) {
	cfg, err := config.LoadWithLookuper(context.Background(), nil,
		envconfig.MapLookuper(map[string]string{
			"SYNAPSE_WEBHOOK_MAX_RETRIES": "0",
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.WebhookConfig.MaxRetries)
}

func TestTLSConfigEnabled(t *testing.T) {
	assert.False(t, config.TLSConfig{}.Enabled())
	assert.False(t, config.TLSConfig{CertPath: "/c"}.Enabled())
	assert.False(t, config.TLSConfig{KeyPath: "/k"}.Enabled())
	assert.True(t, config.TLSConfig{CertPath: "/c", KeyPath: "/k"}.Enabled())
}

func TestSocketPath(t *testing.T) {
	cfg, err := config.LoadWithLookuper(context.Background(), nil,
		envconfig.MapLookuper(map[string]string{
			"SYNAPSE_SERVER_SOCKET_DIR": "/run/synapse",
		}))
	require.NoError(t, err)
	assert.Equal(t, "/run/synapse/synapse-claude-8100.sock",
		cfg.SocketPath("synapse-claude-8100"))
}
