package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("dry run needs only a manifest", func(t *testing.T) {
		var out bytes.Buffer
		cfg, shouldExit, err := Parse([]string{"-dry-run", "feeds.hcl"}, &out)
		require.NoError(t, err)
		require.False(t, shouldExit)
		require.NotNil(t, cfg)
		assert.Equal(t, "feeds.hcl", cfg.ManifestPath)
		assert.True(t, cfg.DryRun)
		assert.Equal(t, 4, cfg.WorkerCount)
	})

	t.Run("manifest flag wins over positional", func(t *testing.T) {
		var out bytes.Buffer
		cfg, _, err := Parse([]string{"-dry-run", "-manifest", "a.hcl", "b.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "a.hcl", cfg.ManifestPath)
	})

	t.Run("shorthand flag", func(t *testing.T) {
		var out bytes.Buffer
		cfg, _, err := Parse([]string{"-dry-run", "-m", "a.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "a.hcl", cfg.ManifestPath)
	})

	t.Run("credentials are required without dry run", func(t *testing.T) {
		t.Setenv("TRACKER_URL", "")
		t.Setenv("TRACKER_EMAIL", "")
		t.Setenv("TRACKER_API_TOKEN", "")

		var out bytes.Buffer
		_, _, err := Parse([]string{"feeds.hcl"}, &out)
		require.Error(t, err)
		exitErr, ok := err.(*ExitError)
		require.True(t, ok)
		assert.Equal(t, 2, exitErr.Code)
		assert.Contains(t, exitErr.Message, "credentials")
	})

	t.Run("credentials from flags", func(t *testing.T) {
		var out bytes.Buffer
		cfg, _, err := Parse([]string{
			"-base-url", "https://tracker.example.com",
			"-email", "bot@example.com",
			"-token", "secret",
			"feeds.hcl",
		}, &out)
		require.NoError(t, err)
		assert.Equal(t, "https://tracker.example.com", cfg.BaseURL)
		assert.Equal(t, "bot@example.com", cfg.Email)
		assert.Equal(t, "secret", cfg.APIToken)
	})

	t.Run("credentials from environment", func(t *testing.T) {
		t.Setenv("TRACKER_URL", "https://env.example.com")
		t.Setenv("TRACKER_EMAIL", "env@example.com")
		t.Setenv("TRACKER_API_TOKEN", "env-secret")

		var out bytes.Buffer
		cfg, _, err := Parse([]string{"feeds.hcl"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "https://env.example.com", cfg.BaseURL)
		assert.Equal(t, "env@example.com", cfg.Email)
		assert.Equal(t, "env-secret", cfg.APIToken)
	})

	t.Run("no manifest prints usage and exits cleanly", func(t *testing.T) {
		var out bytes.Buffer
		cfg, shouldExit, err := Parse([]string{}, &out)
		require.NoError(t, err)
		assert.True(t, shouldExit)
		assert.Nil(t, cfg)
		assert.Contains(t, out.String(), "Usage:")
	})

	t.Run("invalid log format", func(t *testing.T) {
		var out bytes.Buffer
		_, _, err := Parse([]string{"-dry-run", "-log-format", "xml", "feeds.hcl"}, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log-format")
	})

	t.Run("invalid log level", func(t *testing.T) {
		var out bytes.Buffer
		_, _, err := Parse([]string{"-dry-run", "-log-level", "loud", "feeds.hcl"}, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log-level")
	})

	t.Run("tuning flags pass through", func(t *testing.T) {
		var out bytes.Buffer
		cfg, _, err := Parse([]string{
			"-dry-run",
			"-workers", "8",
			"-max-attempts", "7",
			"-rps", "2.5",
			"-checkpoint", "run.db",
			"feeds.hcl",
		}, &out)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.WorkerCount)
		assert.Equal(t, 7, cfg.MaxAttempts)
		assert.Equal(t, 2.5, cfg.RequestsPerSecond)
		assert.Equal(t, "run.db", cfg.CheckpointPath)
	})
}
