package plan

import (
	"fmt"

	"github.com/vk/bulkforge/internal/dag"
	"github.com/vk/bulkforge/internal/spec"
)

// Operation is the side-effecting call a task dispatches to the API client.
type Operation string

const (
	OpCreate   Operation = "create"
	OpLink     Operation = "link"
	OpSetField Operation = "set-field"
)

// Status is the lifecycle state of a task. Only the execution engine mutates
// it; every transition is persisted to the checkpoint store immediately.
type Status int

const (
	Pending Status = iota
	InProgress
	Done
	Failed
	Skipped
)

var statusNames = map[Status]string{
	Pending:    "pending",
	InProgress: "in_progress",
	Done:       "done",
	Failed:     "failed",
	Skipped:    "skipped",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a stored status name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return Pending, fmt.Errorf("unknown status %q", name)
}

// Task is one node of the run plan. IDs are deterministic, derived from
// groupKey, operation and per-group sequence, so a resumed run addresses the
// same checkpoint rows as the run it continues.
type Task struct {
	ID        string
	GroupKey  string
	Operation Operation

	// DependsOn lists task IDs that must reach Done before this task may
	// start. Mirrored into the plan graph as edges.
	DependsOn []string

	// Create tasks carry the record spec, and for sub-tasks the ID of the
	// create task producing the parent story's remote key.
	Kind       spec.Kind
	Spec       *spec.RecordSpec
	ParentTask string

	// SourceTask names the create task whose remote key a link or set-field
	// operation applies to; TargetTask the link's other end.
	SourceTask string
	TargetTask string

	// LinkTypeCandidates is the ordered list of acceptable link-type names,
	// consumed left-to-right by the API client.
	LinkTypeCandidates []string

	// Set-field payload.
	Field string
	Value string
}

// Settings is the per-run project configuration the builder folds into every
// task. ProjectKey and EpicKey are required.
type Settings struct {
	ProjectKey         string
	EpicKey            string
	Labels             []string
	LinkTypeCandidates []string
}

// Plan is the ordered task collection plus the expected creation counts,
// computed before any remote call is made.
type Plan struct {
	Settings Settings

	// Tasks are in a topological order: every task appears after all of its
	// dependencies.
	Tasks []*Task

	// Graph mirrors DependsOn edges for cycle validation and for the
	// engine's dependency bookkeeping.
	Graph *dag.Graph

	// Expected maps groupKey -> kind -> number of create tasks.
	Expected map[string]map[spec.Kind]int

	byID map[string]*Task
}

// Task returns the task with the given ID, or nil.
func (p *Plan) Task(id string) *Task {
	return p.byID[id]
}

// ExpectedTotals aggregates expected create counts across all groups.
func (p *Plan) ExpectedTotals() map[spec.Kind]int {
	totals := make(map[spec.Kind]int)
	for _, kinds := range p.Expected {
		for k, n := range kinds {
			totals[k] += n
		}
	}
	return totals
}
