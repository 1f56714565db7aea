package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vk/bulkforge/internal/checkpoint"
	"github.com/vk/bulkforge/internal/ctxlog"
	"github.com/vk/bulkforge/internal/engine"
	"github.com/vk/bulkforge/internal/manifest"
	"github.com/vk/bulkforge/internal/plan"
	"github.com/vk/bulkforge/internal/reconcile"
	"github.com/vk/bulkforge/internal/tracker"
)

// Run executes the provisioning pipeline: load metadata, build the plan,
// then either preview it (dry run) or execute and reconcile.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run started.", "manifest", a.config.ManifestPath)

	man, err := manifest.Load(a.config.ManifestPath)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}
	a.logger.Debug("Manifest loaded.", "specs", len(man.Specs))

	p, err := plan.Build(man.Settings, man.Specs)
	if err != nil {
		return fmt.Errorf("building plan: %w", err)
	}
	a.logger.Info("Plan built.", "tasks", len(p.Tasks), "expected", p.ExpectedTotals())

	if a.config.DryRun {
		a.logger.Info("Dry-run mode enabled. No remote records will be created.")
		return a.writeReport(reconcile.Reconcile(p, nil))
	}

	store, err := checkpoint.Open(a.config.CheckpointPath)
	if err != nil {
		return fmt.Errorf("opening checkpoint store: %w", err)
	}
	defer store.Close()

	client, err := tracker.New(tracker.Config{
		BaseURL:           a.config.BaseURL,
		Email:             a.config.Email,
		APIToken:          a.config.APIToken,
		MaxAttempts:       a.config.MaxAttempts,
		RequestsPerSecond: a.config.RequestsPerSecond,
	})
	if err != nil {
		return fmt.Errorf("configuring tracker client: %w", err)
	}
	defer client.Close()

	a.logger.Info("🚀 Starting provisioning run.", "workers", a.config.WorkerCount, "checkpoint", a.config.CheckpointPath)
	result, err := engine.New(store, client, a.config.WorkerCount).Run(ctx, p)
	if err != nil {
		return fmt.Errorf("executing plan: %w", err)
	}
	a.logger.Info("🏁 Run finished.",
		"runID", result.RunID,
		"done", result.Done,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"reused", result.ReusedFromCheckpoint,
		"aborted", result.Aborted,
	)

	// Report off the store, not in-memory state: the checkpoint is the
	// source of truth a later resume will read.
	records, err := store.Load(context.WithoutCancel(ctx))
	if err != nil {
		return fmt.Errorf("reloading checkpoint for reconciliation: %w", err)
	}
	rep := reconcile.Reconcile(p, records)
	if !rep.Complete {
		a.logger.Warn("Run incomplete; see reconciliation report.",
			"failed", len(rep.Failed), "skipped", len(rep.Skipped))
	}
	return a.writeReport(rep)
}

func (a *App) writeReport(rep *reconcile.Report) error {
	enc := json.NewEncoder(a.output)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
