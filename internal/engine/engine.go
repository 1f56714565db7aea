package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vk/bulkforge/internal/checkpoint"
	"github.com/vk/bulkforge/internal/ctxlog"
	"github.com/vk/bulkforge/internal/plan"
	"github.com/vk/bulkforge/internal/tracker"
)

const defaultWorkers = 4

// Engine executes run plans. The checkpoint store and API client are
// injected at construction; there is no process-wide state.
type Engine struct {
	store   *checkpoint.Store
	client  tracker.API
	workers int
}

// New returns an Engine running at most workers tasks concurrently.
func New(store *checkpoint.Store, client tracker.API, workers int) *Engine {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Engine{store: store, client: client, workers: workers}
}

// node is the mutable execution state wrapped around one plan task.
type node struct {
	task *plan.Task

	// depCount is decremented as dependencies finish; the node becomes
	// eligible when it reaches zero.
	depCount atomic.Int32
	state    atomic.Int32

	// settled marks terminal transitions taken off the worker path (skips
	// and abort abandonment) so a node is never handed to a worker twice.
	settled    atomic.Bool
	settleOnce sync.Once

	err       error
	remoteKey string
}

func (n *node) status() plan.Status {
	return plan.Status(n.state.Load())
}

// run carries the shared state of one Run invocation.
type run struct {
	plan    *plan.Plan
	store   *checkpoint.Store
	client  tracker.API
	prior   map[string]checkpoint.Record
	nodes   map[string]*node
	ready   chan *node
	wg      sync.WaitGroup
	reused  atomic.Int64
	aborted atomic.Bool

	// remoteKeys maps create-task IDs to the keys their records got, from
	// this run or re-derived from the checkpoint. Downstream tasks resolve
	// parent and link endpoints here.
	remoteKeys sync.Map
}

// Run walks the plan. Branch failures are not errors: they come back inside
// the Result as Failed/Skipped outcomes. The returned error is reserved for
// infrastructure problems such as an unreadable checkpoint store.
func (e *Engine) Run(ctx context.Context, p *plan.Plan) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	prior, err := e.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}
	logger.Debug("Checkpoint loaded.", "entries", len(prior))

	r := &run{
		plan:   p,
		store:  e.store,
		client: e.client,
		prior:  prior,
		nodes:  make(map[string]*node, len(p.Tasks)),
		ready:  make(chan *node, len(p.Tasks)),
	}

	for _, t := range p.Tasks {
		deps, err := p.Graph.Dependencies(t.ID)
		if err != nil {
			return nil, fmt.Errorf("inconsistent plan graph: %w", err)
		}
		n := &node{task: t}
		n.depCount.Store(int32(len(deps)))
		r.nodes[t.ID] = n
	}

	rootCount := 0
	for _, n := range r.nodes {
		if n.depCount.Load() == 0 {
			r.ready <- n
			rootCount++
		}
	}
	logger.Debug("Engine initialized.", "tasks", len(p.Tasks), "roots", rootCount, "workers", e.workers)

	r.wg.Add(len(p.Tasks))
	for i := 0; i < e.workers; i++ {
		go r.worker(ctx, i)
	}

	r.wg.Wait()
	close(r.ready)

	if ctx.Err() != nil {
		r.aborted.Store(true)
		logger.Warn("Run aborted; unattempted tasks remain pending for the next resume.")
	}

	return r.result(), nil
}
