package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/bulkforge/internal/checkpoint"
	"github.com/vk/bulkforge/internal/ctxlog"
	"github.com/vk/bulkforge/internal/plan"
	"github.com/vk/bulkforge/internal/spec"
	"github.com/vk/bulkforge/internal/tracker"
)

// fakeAPI records every call. Tasks are told apart by their summary, which is
// unique per test input.
type fakeAPI struct {
	mu      sync.Mutex
	nextKey int

	creates   map[spec.Kind]int
	parents   map[string]string // created key -> parent key
	links     [][2]string       // source key, target key
	setFields map[string]string // record key -> value

	failing map[string]error // summary -> injected failure

	// cancelOn cancels the run context mid-call and returns the context
	// error, mirroring the real client's behavior when aborted in flight.
	cancelOn map[string]context.CancelFunc

	// afterCreate, when set, runs after each successful create while the
	// lock is held. Used to trigger cancellation mid-run.
	afterCreate func()
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		creates:   make(map[spec.Kind]int),
		parents:   make(map[string]string),
		setFields: make(map[string]string),
		failing:   make(map[string]error),
		cancelOn:  make(map[string]context.CancelFunc),
	}
}

func (f *fakeAPI) Create(ctx context.Context, kind spec.Kind, fields tracker.Fields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cancel, ok := f.cancelOn[fields.Summary]; ok {
		cancel()
		return "", ctx.Err()
	}
	if err, ok := f.failing[fields.Summary]; ok {
		return "", err
	}
	f.nextKey++
	key := fmt.Sprintf("PROJ-%d", f.nextKey)
	f.creates[kind]++
	if fields.ParentKey != "" {
		f.parents[key] = fields.ParentKey
	}
	if f.afterCreate != nil {
		f.afterCreate()
	}
	return key, nil
}

func (f *fakeAPI) Link(_ context.Context, sourceKey, targetKey string, typeCandidates []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, [2]string{sourceKey, targetKey})
	return typeCandidates[0], nil
}

func (f *fakeAPI) SetField(_ context.Context, key, _, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setFields[key] = value
	return nil
}

func (f *fakeAPI) totalCreates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.creates {
		total += n
	}
	return total
}

func testContext() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func openTestStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// singleGroup is one feature, a story with acceptance criteria, and two
// sub-tasks: six tasks including the link and the criteria set-field.
func singleGroup() []spec.RecordSpec {
	return []spec.RecordSpec{
		{Kind: spec.Feature, Summary: "Feature A", GroupKey: "a"},
		{Kind: spec.Story, Summary: "Story A", GroupKey: "a", AcceptanceCriteria: "* works"},
		{Kind: spec.SubTask, Summary: "Sub A1", GroupKey: "a"},
		{Kind: spec.SubTask, Summary: "Sub A2", GroupKey: "a"},
	}
}

func buildPlan(t *testing.T, specs []spec.RecordSpec) *plan.Plan {
	t.Helper()
	p, err := plan.Build(plan.Settings{ProjectKey: "PROJ", EpicKey: "PROJ-100"}, specs)
	require.NoError(t, err)
	return p
}

func TestRunFullSuccess(t *testing.T) {
	store := openTestStore(t)
	api := newFakeAPI()
	p := buildPlan(t, singleGroup())

	result, err := New(store, api, 2).Run(testContext(), p)
	require.NoError(t, err)

	assert.False(t, result.Aborted)
	assert.Equal(t, len(p.Tasks), result.Done)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Skipped)
	assert.Zero(t, result.Pending)
	assert.Zero(t, result.ReusedFromCheckpoint)
	assert.NotEmpty(t, result.RunID)

	assert.Equal(t, 1, api.creates[spec.Feature])
	assert.Equal(t, 1, api.creates[spec.Story])
	assert.Equal(t, 2, api.creates[spec.SubTask])
	assert.Len(t, api.links, 1)
	assert.Len(t, api.setFields, 1)

	// Every sub-task was created under the story's remote key.
	records, err := store.Load(testContext())
	require.NoError(t, err)
	require.Len(t, records, len(p.Tasks))
	storyKey := records["a/story/0"].RemoteKey
	require.NotEmpty(t, storyKey)
	for created, parent := range api.parents {
		assert.Equal(t, storyKey, parent, "sub-task %s has wrong parent", created)
	}
	for id, rec := range records {
		assert.Equal(t, plan.Done, rec.Status, "task %s", id)
	}
}

func TestRunSecondRunIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	p := buildPlan(t, singleGroup())

	_, err := New(store, newFakeAPI(), 2).Run(testContext(), p)
	require.NoError(t, err)

	api := newFakeAPI()
	result, err := New(store, api, 2).Run(testContext(), p)
	require.NoError(t, err)

	assert.Equal(t, len(p.Tasks), result.Done)
	assert.Equal(t, len(p.Tasks), result.ReusedFromCheckpoint)
	assert.Zero(t, api.totalCreates(), "no remote call may repeat on resume")
	assert.Empty(t, api.links)
	assert.Empty(t, api.setFields)
}

func TestRunBranchIsolation(t *testing.T) {
	store := openTestStore(t)
	api := newFakeAPI()
	api.failing["Story B"] = &tracker.PermanentError{Op: "POST /rest/api/3/issue", StatusCode: 400, Message: "rejected"}

	specs := append(singleGroup(),
		spec.RecordSpec{Kind: spec.Feature, Summary: "Feature B", GroupKey: "b"},
		spec.RecordSpec{Kind: spec.Story, Summary: "Story B", GroupKey: "b"},
		spec.RecordSpec{Kind: spec.SubTask, Summary: "Sub B1", GroupKey: "b"},
	)
	p := buildPlan(t, specs)

	result, err := New(store, api, 2).Run(testContext(), p)
	require.NoError(t, err, "a branch failure is an outcome, not a run error")

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Skipped, "link and sub-task downstream of the failed story")
	// Group a in full, plus group b's feature which has no failed dependency.
	assert.Equal(t, len(p.Tasks)-3, result.Done)

	records, err := store.Load(testContext())
	require.NoError(t, err)
	assert.Equal(t, plan.Failed, records["b/story/0"].Status)
	assert.Contains(t, records["b/story/0"].Error, "rejected")
	assert.Equal(t, plan.Skipped, records["b/link/0"].Status)
	assert.Equal(t, plan.Skipped, records["b/subtask/0"].Status)
	assert.Contains(t, records["b/subtask/0"].Error, "b/story/0")
	assert.Equal(t, plan.Done, records["a/subtask/1"].Status)
	assert.Equal(t, plan.Done, records["b/feature/0"].Status)
}

func TestRunResumesPartialCheckpoint(t *testing.T) {
	store := openTestStore(t)
	ctx := testContext()
	p := buildPlan(t, singleGroup())

	require.NoError(t, store.Put(ctx, "a/feature/0", checkpoint.Record{
		Status:    plan.Done,
		RemoteKey: "PROJ-77",
	}))

	api := newFakeAPI()
	result, err := New(store, api, 2).Run(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, len(p.Tasks), result.Done)
	assert.Equal(t, 1, result.ReusedFromCheckpoint)
	assert.Zero(t, api.creates[spec.Feature], "checkpointed feature must not be recreated")
	assert.Equal(t, 1, api.creates[spec.Story])
	assert.Equal(t, 2, api.creates[spec.SubTask])

	// The link target resolves to the key recorded in the previous run.
	require.Len(t, api.links, 1)
	assert.Equal(t, "PROJ-77", api.links[0][1])
}

func TestRunFailedIsTerminalAcrossRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := testContext()
	p := buildPlan(t, singleGroup())

	require.NoError(t, store.Put(ctx, "a/story/0", checkpoint.Record{
		Status: plan.Failed,
		Error:  "rejected last week",
	}))

	api := newFakeAPI()
	result, err := New(store, api, 2).Run(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 4, result.Skipped, "criteria field, link and both sub-tasks")
	assert.Equal(t, 1, result.Done, "only the feature runs")
	assert.Zero(t, api.creates[spec.Story], "failed task must not be re-attempted")
	assert.Zero(t, api.creates[spec.SubTask])
}

func TestRunClearedFailureIsReattempted(t *testing.T) {
	store := openTestStore(t)
	ctx := testContext()
	p := buildPlan(t, singleGroup())

	require.NoError(t, store.Put(ctx, "a/story/0", checkpoint.Record{Status: plan.Failed, Error: "flaky"}))
	require.NoError(t, store.Clear(ctx, "a/story/0"))

	api := newFakeAPI()
	result, err := New(store, api, 2).Run(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, len(p.Tasks), result.Done)
	assert.Equal(t, 1, api.creates[spec.Story])
}

func TestRunAbort(t *testing.T) {
	store := openTestStore(t)
	p := buildPlan(t, singleGroup())

	ctx, cancel := context.WithCancel(testContext())
	defer cancel()

	// Cancel as soon as the first create lands; with a single worker every
	// later task sees the canceled context before dispatch.
	api := newFakeAPI()
	api.afterCreate = cancel

	result, err := New(store, api, 1).Run(ctx, p)
	require.NoError(t, err)

	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Done)
	assert.Equal(t, len(p.Tasks)-1, result.Pending, "abandoned tasks stay pending")
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Skipped)

	// Only the completed task reached the store; the next resume re-attempts
	// everything else.
	records, err := store.Load(testContext())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, plan.Done, records["a/feature/0"].Status)

	// And the resume finishes the job without repeating the feature create.
	resumeAPI := newFakeAPI()
	resumed, err := New(store, resumeAPI, 2).Run(testContext(), p)
	require.NoError(t, err)
	assert.Equal(t, len(p.Tasks), resumed.Done)
	assert.Equal(t, 1, resumed.ReusedFromCheckpoint)
	assert.Zero(t, resumeAPI.creates[spec.Feature])
}

func TestRunAbortMidCall(t *testing.T) {
	store := openTestStore(t)
	p := buildPlan(t, singleGroup())

	ctx, cancel := context.WithCancel(testContext())
	defer cancel()

	// The story create observes the cancellation in flight and returns the
	// context error, the way the real client does when aborted.
	api := newFakeAPI()
	api.cancelOn["Story A"] = cancel

	result, err := New(store, api, 1).Run(ctx, p)
	require.NoError(t, err)

	assert.True(t, result.Aborted)
	assert.Equal(t, 1, result.Done, "only the feature completed")
	assert.Zero(t, result.Failed, "an aborted call is not a task failure")
	assert.Zero(t, result.Skipped)
	assert.Equal(t, len(p.Tasks)-1, result.Pending)

	// The interrupted task's row stays non-terminal; nothing downstream was
	// recorded at all.
	records, err := store.Load(testContext())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, plan.Done, records["a/feature/0"].Status)
	assert.Equal(t, plan.InProgress, records["a/story/0"].Status)

	// Kill-and-restart converges: the resume re-attempts the interrupted
	// task and finishes the whole plan.
	resumeAPI := newFakeAPI()
	resumed, err := New(store, resumeAPI, 2).Run(testContext(), p)
	require.NoError(t, err)
	assert.Equal(t, len(p.Tasks), resumed.Done)
	assert.Zero(t, resumed.Failed)
	assert.Zero(t, resumed.Skipped)
	assert.Equal(t, 1, resumed.ReusedFromCheckpoint)
	assert.Zero(t, resumeAPI.creates[spec.Feature])
	assert.Equal(t, 1, resumeAPI.creates[spec.Story])
	assert.Equal(t, 2, resumeAPI.creates[spec.SubTask])
}
