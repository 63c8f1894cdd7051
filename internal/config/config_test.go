package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetherlabs/tether/internal/supervisor"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, supervisor.DefaultConfig().ConcurrencyLimit, cfg.Supervisor.ConcurrencyLimit)
	require.True(t, cfg.Storage.Enabled.ChatHistory)
	require.True(t, cfg.Storage.Enabled.Artifacts)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tether.yaml")
	yaml := `
supervisor:
  concurrencyLimit: 8
  pendingQueueCapacity: 2
  pendingQueueStrategy: dropping
  maxPendingTime: 250ms
sync:
  url: wss://sync.example.test
  syncInterval: 30s
  disablePing: true
storage:
  chat:
    maxEvents: 100
    maxAge: 24h
  artifacts:
    maxArtifactBytes: 1048576
  enabled:
    artifacts: false
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Supervisor.ConcurrencyLimit)
	require.Equal(t, "dropping", cfg.Supervisor.PendingQueueStrategy)
	require.Equal(t, 250*time.Millisecond, cfg.Supervisor.MaxPendingTime)
	require.Equal(t, "wss://sync.example.test", cfg.Sync.URL)
	require.Equal(t, 30*time.Second, cfg.Sync.SyncInterval)
	require.True(t, cfg.Sync.DisablePing)
	require.Equal(t, 100, cfg.Storage.Chat.MaxEvents)
	require.Equal(t, 24*time.Hour, cfg.Storage.Chat.MaxAge)
	require.Equal(t, int64(1048576), cfg.Storage.Artifacts.MaxArtifactBytes)
	require.False(t, cfg.Storage.Enabled.Artifacts)

	sup := cfg.Supervisor.ToSupervisor()
	require.NoError(t, sup.Validate())
	require.Equal(t, supervisor.StrategyDropping, sup.PendingQueueStrategy)

	ret := cfg.Storage.ChatRetention()
	require.Equal(t, 100, ret.MaxEvents)
}

func TestArtifactRetentionConversion(t *testing.T) {
	cfg := Default()
	cfg.Storage.Artifacts = ArtifactRetentionConfig{
		MaxArtifacts:     25,
		MaxArtifactBytes: 1 << 20,
		MaxAge:           12 * time.Hour,
	}
	require.NoError(t, cfg.Validate())

	ret := cfg.Storage.ArtifactRetention()
	require.Equal(t, 25, ret.MaxArtifacts)
	require.Equal(t, int64(1<<20), ret.MaxArtifactBytes)
	require.Equal(t, 12*time.Hour, ret.MaxAge)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tether.yaml")
	require.NoError(t, os.WriteFile(path, []byte("supervisor:\n  concurrencyLimit: 0\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TETHER_SUPERVISOR_CONCURRENCYLIMIT", "12")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 12, cfg.Supervisor.ConcurrencyLimit)
}
