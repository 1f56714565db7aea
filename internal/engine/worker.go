package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vk/bulkforge/internal/checkpoint"
	"github.com/vk/bulkforge/internal/ctxlog"
	"github.com/vk/bulkforge/internal/plan"
	"github.com/vk/bulkforge/internal/tracker"
)

// worker is the core processing loop for a single concurrent worker.
func (r *run) worker(ctx context.Context, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for n := range r.ready {
		if n.settled.Load() {
			// Already skipped or abandoned between unlock and dispatch.
			continue
		}
		workerLogger := logger.With("workerID", workerID, "taskID", n.task.ID)

		if ctx.Err() != nil {
			r.abandon(ctx, n)
			continue
		}

		// Resume contract: a Done entry in the checkpoint is already
		// satisfied, its remote key re-derived for downstream resolution.
		if rec, ok := r.prior[n.task.ID]; ok && rec.Status == plan.Done {
			workerLogger.Debug("Task satisfied from checkpoint.", "remoteKey", rec.RemoteKey)
			n.remoteKey = rec.RemoteKey
			if rec.RemoteKey != "" {
				r.remoteKeys.Store(n.task.ID, rec.RemoteKey)
			}
			n.state.Store(int32(plan.Done))
			r.reused.Add(1)
			r.finish(ctx, n, workerLogger)
			continue
		}

		// Failed is terminal across runs until an operator clears the row.
		if rec, ok := r.prior[n.task.ID]; ok && rec.Status == plan.Failed {
			workerLogger.Warn("Task failed in a previous run; not re-attempting.", "error", rec.Error)
			n.state.Store(int32(plan.Failed))
			n.err = fmt.Errorf("failed in a previous run: %s", rec.Error)
			r.skipDependents(ctx, n, fmt.Errorf("dependency %s failed: %s", n.task.ID, rec.Error))
			r.wg.Done()
			continue
		}

		workerLogger.Debug("Worker picked up task.", "operation", string(n.task.Operation))
		n.state.Store(int32(plan.InProgress))
		r.persist(ctx, n.task.ID, checkpoint.Record{Status: plan.InProgress}, workerLogger)

		remoteKey, err := r.dispatch(ctx, n.task)
		if err != nil {
			if ctx.Err() != nil {
				// Operator abort surfaced through the in-flight call. Not a
				// task failure: leave the row non-terminal so the next
				// resume re-attempts it.
				workerLogger.Warn("Task interrupted by abort; will be re-attempted on resume.")
				n.state.Store(int32(plan.Pending))
				r.abandon(ctx, n)
				continue
			}
			workerLogger.Error("Task failed.", "error", err)
			n.state.Store(int32(plan.Failed))
			n.err = err
			r.persist(ctx, n.task.ID, checkpoint.Record{Status: plan.Failed, Error: err.Error()}, workerLogger)
			r.skipDependents(ctx, n, fmt.Errorf("dependency %s failed: %v", n.task.ID, err))
			r.wg.Done()
			continue
		}

		n.remoteKey = remoteKey
		if remoteKey != "" && n.task.Operation == plan.OpCreate {
			r.remoteKeys.Store(n.task.ID, remoteKey)
		}
		n.state.Store(int32(plan.Done))
		r.persist(ctx, n.task.ID, checkpoint.Record{Status: plan.Done, RemoteKey: remoteKey}, workerLogger)
		workerLogger.Debug("Task done.", "remoteKey", remoteKey)

		r.finish(ctx, n, workerLogger)
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// dispatch issues the task's remote call and returns the produced key. For
// link tasks the "key" is the accepted link-type name, stored for audit.
func (r *run) dispatch(ctx context.Context, t *plan.Task) (string, error) {
	switch t.Operation {
	case plan.OpCreate:
		fields := tracker.Fields{
			Project:     r.plan.Settings.ProjectKey,
			Summary:     t.Spec.Summary,
			Description: t.Spec.Description,
			EpicKey:     t.Spec.EpicRef,
			Labels:      t.Spec.Labels,
		}
		if t.ParentTask != "" {
			parentKey, err := r.resolveKey(t.ParentTask)
			if err != nil {
				return "", err
			}
			fields.ParentKey = parentKey
		}
		return r.client.Create(ctx, t.Kind, fields)

	case plan.OpLink:
		sourceKey, err := r.resolveKey(t.SourceTask)
		if err != nil {
			return "", err
		}
		targetKey, err := r.resolveKey(t.TargetTask)
		if err != nil {
			return "", err
		}
		return r.client.Link(ctx, sourceKey, targetKey, t.LinkTypeCandidates)

	case plan.OpSetField:
		key, err := r.resolveKey(t.SourceTask)
		if err != nil {
			return "", err
		}
		return "", r.client.SetField(ctx, key, t.Field, t.Value)
	}
	return "", fmt.Errorf("unknown operation %q for task %s", string(t.Operation), t.ID)
}

// resolveKey looks up the remote key a completed create task produced.
func (r *run) resolveKey(taskID string) (string, error) {
	if key, ok := r.remoteKeys.Load(taskID); ok {
		return key.(string), nil
	}
	return "", fmt.Errorf("remote key for task %s is not available", taskID)
}

// finish unlocks dependents whose last dependency just completed.
func (r *run) finish(ctx context.Context, n *node, logger *slog.Logger) {
	dependents, err := r.plan.Graph.Dependents(n.task.ID)
	if err == nil {
		for _, depID := range dependents {
			dn := r.nodes[depID]
			if dn.depCount.Add(-1) == 0 && !dn.settled.Load() {
				logger.Debug("Unlocking dependent task.", "dependentID", depID)
				r.ready <- dn
			}
		}
	}
	r.wg.Done()
}

// skipDependents recursively marks all downstream tasks Skipped and records
// them in the checkpoint with the root cause. Sibling branches are untouched;
// the run keeps going.
func (r *run) skipDependents(ctx context.Context, n *node, cause error) {
	logger := ctxlog.FromContext(ctx)
	dependents, err := r.plan.Graph.Dependents(n.task.ID)
	if err != nil {
		return
	}
	for _, depID := range dependents {
		dn := r.nodes[depID]
		dn.settleOnce.Do(func() {
			dn.settled.Store(true)
			logger.Warn("Skipping task due to upstream failure.", "taskID", depID, "cause", cause)
			dn.state.Store(int32(plan.Skipped))
			dn.err = cause
			r.persist(ctx, depID, checkpoint.Record{Status: plan.Skipped, Error: cause.Error()}, logger)
			r.wg.Done()
			r.skipDependents(ctx, dn, cause)
		})
	}
}

// abandon handles operator-initiated abort: the task is not dispatched and
// nothing is persisted, so it stays Pending in the store and the next resume
// picks it up. Transitive dependents are abandoned the same way.
func (r *run) abandon(ctx context.Context, n *node) {
	n.settleOnce.Do(func() {
		n.settled.Store(true)
		n.err = ctx.Err()
		r.wg.Done()
		r.abandonDependents(ctx, n)
	})
}

func (r *run) abandonDependents(ctx context.Context, n *node) {
	dependents, err := r.plan.Graph.Dependents(n.task.ID)
	if err != nil {
		return
	}
	for _, depID := range dependents {
		dn := r.nodes[depID]
		dn.settleOnce.Do(func() {
			dn.settled.Store(true)
			dn.err = ctx.Err()
			r.wg.Done()
			r.abandonDependents(ctx, dn)
		})
	}
}

// persist flushes a status transition. Flushes outlive ctx cancellation so
// an abort still leaves the store consistent for the next resume.
func (r *run) persist(ctx context.Context, taskID string, rec checkpoint.Record, logger *slog.Logger) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.Put(flushCtx, taskID, rec); err != nil {
		logger.Error("Checkpoint write failed.", "taskID", taskID, "error", err)
	}
}
