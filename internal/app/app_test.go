package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/bulkforge/internal/reconcile"
	"github.com/vk/bulkforge/internal/spec"
)

func TestNewConfig(t *testing.T) {
	t.Run("manifest path is required", func(t *testing.T) {
		_, err := NewConfig(Config{DryRun: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ManifestPath")
	})

	t.Run("checkpoint path defaults", func(t *testing.T) {
		cfg, err := NewConfig(Config{ManifestPath: "m.hcl", DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, DefaultCheckpointPath, cfg.CheckpointPath)
	})

	t.Run("credentials required unless dry run", func(t *testing.T) {
		_, err := NewConfig(Config{ManifestPath: "m.hcl"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "credentials")

		_, err = NewConfig(Config{
			ManifestPath: "m.hcl",
			BaseURL:      "https://tracker.example.com",
			Email:        "bot@example.com",
			APIToken:     "secret",
		})
		assert.NoError(t, err)
	})
}

func TestRunDryRun(t *testing.T) {
	manifest := `
project {
  key  = "PROJ"
  epic = "PROJ-100"
}

template "feed" {
  story {
    summary = "Migrate ${group}"
  }

  subtask {
    summary = "Validate ${group}"
  }
}

group "feed-alpha" {
  template = "feed"
}
`
	path := filepath.Join(t.TempDir(), "feeds.hcl")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))

	cfg, err := NewConfig(Config{ManifestPath: path, DryRun: true, LogLevel: "error"})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, NewApp(&out, cfg).Run(context.Background()))

	var rep reconcile.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.ExpectedTotals[spec.Story])
	assert.Equal(t, 1, rep.ExpectedTotals[spec.SubTask])
	assert.Zero(t, rep.ExpectedTotals[spec.Feature])
}

func TestRunMissingManifest(t *testing.T) {
	cfg, err := NewConfig(Config{
		ManifestPath: filepath.Join(t.TempDir(), "absent.hcl"),
		DryRun:       true,
		LogLevel:     "error",
	})
	require.NoError(t, err)

	var out bytes.Buffer
	err = NewApp(&out, cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading manifest")
}
