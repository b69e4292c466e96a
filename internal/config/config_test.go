package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Hour, cfg.NATS.CancelTTL)
	assert.Equal(t, 600*time.Second, cfg.Git.CloneTimeout)
	assert.Equal(t, 0.65, cfg.Wiki.FullRegenThreshold)
	assert.Equal(t, "./data/vectors.db", cfg.Database.VectorPath)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Embed.BatchSize, cfg.Embed.BatchSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
database:
  path: /tmp/test.db
wiki:
  language: Chinese
  page_concurrency: 3
worker:
  max_retries: 5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, "Chinese", cfg.Wiki.Language)
	assert.Equal(t, 3, cfg.Wiki.PageConcurrency)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	// untouched sections keep defaults
	assert.Equal(t, Default().NATS.Stream, cfg.NATS.Stream)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("REPOWIKI_DATABASE_PATH", "/env/override.db")
	t.Setenv("REPOWIKI_VECTOR_PATH", "/env/vectors.db")
	t.Setenv("REPOWIKI_WIKI_LANGUAGE", "Japanese")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/env/override.db", cfg.Database.Path)
	assert.Equal(t, "/env/vectors.db", cfg.Database.VectorPath)
	assert.Equal(t, "Japanese", cfg.Wiki.Language)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Wiki.FullRegenThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Embed.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Path = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.VectorPath = ""
	assert.Error(t, cfg.Validate())
}
