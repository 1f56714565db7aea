package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vk/bulkforge/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app.Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("bulkforge", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
bulkforge - bulk hierarchical record provisioning with checkpointed resume.

Usage:
  bulkforge [options] [MANIFEST_PATH]

Arguments:
  MANIFEST_PATH
    Path to the HCL manifest describing project settings, templates and groups.

Options:
`)
		flagSet.PrintDefaults()
	}

	manifestFlag := flagSet.String("manifest", "", "Path to the manifest file.")
	mFlag := flagSet.String("m", "", "Path to the manifest file (shorthand).")
	checkpointFlag := flagSet.String("checkpoint", app.DefaultCheckpointPath, "Path to the checkpoint database.")
	baseURLFlag := flagSet.String("base-url", os.Getenv("TRACKER_URL"), "Tracker base URL (defaults to $TRACKER_URL).")
	emailFlag := flagSet.String("email", os.Getenv("TRACKER_EMAIL"), "Tracker user email (defaults to $TRACKER_EMAIL).")
	tokenFlag := flagSet.String("token", os.Getenv("TRACKER_API_TOKEN"), "Tracker API token (defaults to $TRACKER_API_TOKEN).")
	dryRunFlag := flagSet.Bool("dry-run", false, "Print the expected-count preview, create nothing.")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent workers for the engine.")
	retriesFlag := flagSet.Int("max-attempts", 5, "Attempt ceiling per remote call, retries included.")
	rpsFlag := flagSet.Float64("rps", 4, "Process-wide remote request budget, requests per second.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := ""
	if *manifestFlag != "" {
		path = *manifestFlag
	} else if *mFlag != "" {
		path = *mFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		ManifestPath:      path,
		CheckpointPath:    *checkpointFlag,
		BaseURL:           *baseURLFlag,
		Email:             *emailFlag,
		APIToken:          *tokenFlag,
		LogFormat:         logFormat,
		LogLevel:          logLevel,
		WorkerCount:       *workersFlag,
		MaxAttempts:       *retriesFlag,
		RequestsPerSecond: *rpsFlag,
		DryRun:            *dryRunFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
