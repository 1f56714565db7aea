package app

import "errors"

// Config holds everything an App instance needs to run.
type Config struct {
	ManifestPath   string
	CheckpointPath string

	BaseURL  string
	Email    string
	APIToken string

	LogFormat string
	LogLevel  string

	WorkerCount       int
	MaxAttempts       int
	RequestsPerSecond float64

	// DryRun prints the expected-count preview and makes no remote calls.
	DryRun bool
}

// DefaultCheckpointPath is used when no checkpoint path is configured.
const DefaultCheckpointPath = ".bulkforge_checkpoint.db"

// NewConfig validates cfg and fills defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.ManifestPath == "" {
		return nil, errors.New("ManifestPath is a required configuration field and cannot be empty")
	}
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = DefaultCheckpointPath
	}
	if !cfg.DryRun {
		if cfg.BaseURL == "" || cfg.Email == "" || cfg.APIToken == "" {
			return nil, errors.New("missing tracker credentials: base URL, email and API token are required unless running with --dry-run")
		}
	}
	return &cfg, nil
}
