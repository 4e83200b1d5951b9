package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "short")
	_, err = LoadConfig()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "0123456789abcdef")
	t.Setenv("LOCK_TTL", "3s")
	t.Setenv("AUTO_MIGRATE", "true")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, cfg.LockTTL)
	require.True(t, cfg.AutoMigrate)
	require.Equal(t, 120, cfg.RateLimitPerMinute)
	require.False(t, cfg.IsProduction())
}

func TestLoadAgentConfigUsesPrefix(t *testing.T) {
	t.Setenv("AGENT_SERVER_URL", "https://api.example.test")
	t.Setenv("AGENT_PROBE_INTERVAL", "30s")
	cfg, err := LoadAgentConfig()
	require.NoError(t, err)
	require.Equal(t, "https://api.example.test", cfg.ServerURL)
	require.Equal(t, 30*time.Second, cfg.ProbeInterval)
	require.Equal(t, "routebook-agent.db", cfg.DBPath)
}
