package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 7171, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "chromem", cfg.Storage.IndexBackend)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.35, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 2, cfg.Reconcile.RetryBudget)
	assert.Equal(t, 10*time.Second, cfg.Reconcile.BackoffCap)
	assert.True(t, cfg.Reconcile.FallbackMerge)
	assert.Equal(t, "development", cfg.Security.SecurityMode)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SEMSPACE_PORT", "9090")
	t.Setenv("SEMSPACE_INDEX_BACKEND", "sqlite")
	t.Setenv("SEMSPACE_SIMILARITY_THRESHOLD", "0.5")
	t.Setenv("SEMSPACE_BACKOFF_CAP", "30s")
	t.Setenv("SEMSPACE_FALLBACK_MERGE", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.IndexBackend)
	assert.Equal(t, 0.5, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 30*time.Second, cfg.Reconcile.BackoffCap)
	assert.False(t, cfg.Reconcile.FallbackMerge)
}

func TestLoadConfigFileLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semspace.yaml")
	content := `
server:
  port: 8080
retrieval:
  top_k: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("SEMSPACE_CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Retrieval.TopK)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 0.35, cfg.Retrieval.SimilarityThreshold)
}

func TestLoadConfigEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o644))
	t.Setenv("SEMSPACE_CONFIG", path)
	t.Setenv("SEMSPACE_PORT", "9191")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
}

func TestLoadConfigBadFile(t *testing.T) {
	t.Setenv("SEMSPACE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSnapshotPath(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.DataPath = "/var/lib/semspace"
	assert.Equal(t, filepath.Join("/var/lib/semspace", "workspace.json"), cfg.SnapshotPath())
}
