package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.EqualValues(t, 32768, cfg.ReadLimit)
	assert.Equal(t, 5, cfg.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.JoinTimeout)
	assert.Equal(t, 500, cfg.HistoryLimit)
}

func TestLoadReadsConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "test")
	require.NoError(t, os.MkdirAll("config", 0o755))
	require.NoError(t, os.WriteFile("config/config.test.yaml", []byte("port: 9090\napp_id: app-x\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "app-x", cfg.AppID)
}

func TestLoadRejectsMalformedConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "test")
	require.NoError(t, os.MkdirAll("config", 0o755))
	require.NoError(t, os.WriteFile("config/config.test.yaml", []byte("port: not-a-number\n"), 0o644))

	_, err := Load()
	require.Error(t, err)
}
