package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.EqualValues(t, 2, cfg.Service.PollIntervalSecs)
	assert.True(t, cfg.GPU.EnableNVML)
	assert.True(t, cfg.Ollama.Enabled)
	assert.EqualValues(t, 11434, cfg.Ollama.APIPort)
	assert.EqualValues(t, 7, cfg.Storage.RetentionDays)
	assert.EqualValues(t, 9090, cfg.Telemetry.MetricsPort)
	assert.InDelta(t, 85.0, cfg.Alerts.TempThresholdCelsius, 0.001)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, cfg.Service.PollIntervalSecs)
}

func TestLoad_TOMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[service]
poll_interval_secs = 5

[ollama]
enabled = false
api_port = 9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 5, cfg.Service.PollIntervalSecs)
	assert.False(t, cfg.Ollama.Enabled)
	assert.EqualValues(t, 9999, cfg.Ollama.APIPort)
	// untouched fields keep their defaults
	assert.True(t, cfg.GPU.EnableNVML)
}

func TestLoad_EnvOverridesTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[service]\npoll_interval_secs = 5\n"), 0o644))

	t.Setenv("GPM_SERVICE_POLL_INTERVAL_SECS", "9")
	t.Setenv("GPM_OLLAMA_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 9, cfg.Service.PollIntervalSecs)
	assert.False(t, cfg.Ollama.Enabled)
}

func TestDefaultConfigPath(t *testing.T) {
	p := DefaultConfigPath()
	assert.Contains(t, p, filepath.Join("gpm", "config.toml"))
}
