package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 3*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, 1000.0, cfg.Normalizer.MaxAccuracyMeters)
	assert.Equal(t, 1, cfg.Engine.Confirmations)
	assert.Equal(t, 5, cfg.Dispatcher.Retry.MaxAttempts)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
http_port: "9090"
engine:
  band_scale: 1.5
  confirmations: 2
dispatcher:
  sweep_interval: 10s
  retry:
    max_attempts: 8
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ENGINE_CONFIRMATIONS", "3")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.HTTPPort)
	assert.Equal(t, 1.5, cfg.Engine.BandScale)
	assert.Equal(t, 3, cfg.Engine.Confirmations, "env overrides file")
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.SweepInterval)
	assert.Equal(t, 8, cfg.Dispatcher.Retry.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispatcher.Retry.InitialDelay, "unset keys keep defaults")
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.NoError(t, err)
}

func TestLoad_UnknownFileKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_BadEnvValues(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORAGE_TIMEOUT", "soon")
	t.Setenv("DISPATCHER_WORKERS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORAGE_TIMEOUT")
	assert.Contains(t, err.Error(), "DISPATCHER_WORKERS")
}

func TestLoad_ValidationFails(t *testing.T) {
	tests := map[string]string{
		"ENGINE_CONFIRMATIONS": "0",
		"LOG_LEVEL":            "verbose",
		"REDIS_ADDR":           "no-port",
		"HTTP_PORT":            "http",
	}

	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			t.Setenv(key, val)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := defaults()
	cfg.Log.Level = "debug"
	assert.True(t, NewLogger(cfg).Enabled(context.Background(), slog.LevelDebug))

	cfg.Log.Level = "warn"
	cfg.Log.Format = "json"
	assert.False(t, NewLogger(cfg).Enabled(context.Background(), slog.LevelInfo))
}
