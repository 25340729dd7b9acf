package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	require.Equal(t, "file", cfg.Storage.Backend)
	require.Equal(t, 5, cfg.Webhook.MaxRetries)
	require.Equal(t, 1000, cfg.Webhook.InitialDelayMs)
	require.Equal(t, 3600000, cfg.Webhook.MaxDelayMs)
	require.Equal(t, float64(2), cfg.Webhook.BackoffMultiplier)
	require.Equal(t, 10000, cfg.Webhook.RequestTimeoutMs)
	require.Equal(t, 10000, cfg.Webhook.MaxLogEntries)
	require.Equal(t, 5000, cfg.Webhook.QueueCheckpointIntervalMs)
	require.Equal(t, 5, cfg.Webhook.DeliveryFanOut)
	require.Equal(t, 1000, cfg.Webhook.WorkerTickMs)

	opts := cfg.WebhookOptions()
	require.Equal(t, time.Second, opts.InitialDelay)
	require.Equal(t, time.Hour, opts.MaxDelay)
	require.Equal(t, 10*time.Second, opts.RequestTimeout)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
webhook:
  maxRetries: 3
  initialDelayMs: 250
storage:
  backend: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Webhook.MaxRetries)
	require.Equal(t, 250, cfg.Webhook.InitialDelayMs)
	require.Equal(t, "memory", cfg.Storage.Backend)
}

func TestUnknownOptionRejected(t *testing.T) {
	path := writeConfig(t, `
webhook:
  maxRetries: 3
  retryJitterMs: 50
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "retryJitterMs")
}

func TestValidation(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  backend: cassandra\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage:\n  backend: postgres\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "webhook:\n  maxRetries: 0\n"))
	require.Error(t, err)
}
