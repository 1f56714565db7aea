package app

import (
	"io"
	"log/slog"
	"os"
)

// App is one configured instance of the provisioning tool.
type App struct {
	output io.Writer
	logger *slog.Logger
	config *Config
}

// NewApp assembles an App. Logs go to stderr; the reconciliation report is
// written to outW so it can be piped.
func NewApp(outW io.Writer, cfg *Config) *App {
	return &App{
		output: outW,
		logger: newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr),
		config: cfg,
	}
}
