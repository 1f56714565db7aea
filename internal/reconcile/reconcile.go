// Package reconcile compares what a plan promised against what the
// checkpoint says actually happened.
//
// The same entry point serves two moments: before a run with no records as a
// dry-run preview (expected counts only), and after a run as the audit
// report an operator remediates from.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/vk/bulkforge/internal/checkpoint"
	"github.com/vk/bulkforge/internal/plan"
	"github.com/vk/bulkforge/internal/spec"
)

// GroupReport is the expected-vs-actual breakdown for one branch.
type GroupReport struct {
	GroupKey string            `json:"group_key"`
	Expected map[spec.Kind]int `json:"expected"`
	Actual   map[spec.Kind]int `json:"actual,omitempty"`
}

// Discrepant reports whether any kind's actual count misses its expectation.
func (g GroupReport) Discrepant() bool {
	for kind, want := range g.Expected {
		if g.Actual[kind] != want {
			return true
		}
	}
	return false
}

// TaskIssue names a task that did not reach Done, with its stored cause.
type TaskIssue struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the structured reconciliation output. Rendering it for humans is
// someone else's job; it marshals cleanly to JSON.
type Report struct {
	DryRun bool `json:"dry_run,omitempty"`

	Groups         []GroupReport     `json:"groups"`
	ExpectedTotals map[spec.Kind]int `json:"expected_totals"`
	ActualTotals   map[spec.Kind]int `json:"actual_totals,omitempty"`

	Failed  []TaskIssue `json:"failed,omitempty"`
	Skipped []TaskIssue `json:"skipped,omitempty"`

	// Findings carries plan hygiene violations, e.g. acceptance criteria
	// discovered inside a description field.
	Findings []string `json:"findings,omitempty"`

	// Complete is true when every actual count matches its expectation and
	// nothing failed or was skipped.
	Complete bool `json:"complete"`
}

// Reconcile computes the report for a plan against checkpoint records.
// Passing nil records produces the dry-run preview.
func Reconcile(p *plan.Plan, records map[string]checkpoint.Record) *Report {
	rep := &Report{
		DryRun:         records == nil,
		ExpectedTotals: p.ExpectedTotals(),
	}

	actualByGroup := make(map[string]map[spec.Kind]int)
	if records != nil {
		rep.ActualTotals = make(map[spec.Kind]int)
		for _, t := range p.Tasks {
			if t.Operation != plan.OpCreate {
				continue
			}
			rec, ok := records[t.ID]
			if !ok || rec.Status != plan.Done {
				continue
			}
			kinds, ok := actualByGroup[t.GroupKey]
			if !ok {
				kinds = make(map[spec.Kind]int)
				actualByGroup[t.GroupKey] = kinds
			}
			kinds[t.Kind]++
			rep.ActualTotals[t.Kind]++
		}
	}

	for groupKey, expected := range p.Expected {
		rep.Groups = append(rep.Groups, GroupReport{
			GroupKey: groupKey,
			Expected: expected,
			Actual:   actualByGroup[groupKey],
		})
	}
	sort.Slice(rep.Groups, func(i, j int) bool {
		return rep.Groups[i].GroupKey < rep.Groups[j].GroupKey
	})

	if records != nil {
		for _, t := range p.Tasks {
			rec, ok := records[t.ID]
			if !ok {
				continue
			}
			issue := TaskIssue{TaskID: t.ID, Status: rec.Status.String(), Error: rec.Error}
			switch rec.Status {
			case plan.Failed:
				rep.Failed = append(rep.Failed, issue)
			case plan.Skipped:
				rep.Skipped = append(rep.Skipped, issue)
			}
		}
		sort.Slice(rep.Failed, func(i, j int) bool { return rep.Failed[i].TaskID < rep.Failed[j].TaskID })
		sort.Slice(rep.Skipped, func(i, j int) bool { return rep.Skipped[i].TaskID < rep.Skipped[j].TaskID })
	}

	// Hygiene re-check: the builder rejects these, but a plan assembled by
	// other means still gets audited.
	for _, t := range p.Tasks {
		if t.Operation == plan.OpCreate && t.Spec != nil && spec.DescriptionEmbedsAC(t.Spec.Description) {
			rep.Findings = append(rep.Findings,
				fmt.Sprintf("task %s: description embeds acceptance criteria text", t.ID))
		}
	}

	rep.Complete = !rep.DryRun && len(rep.Failed) == 0 && len(rep.Skipped) == 0 && len(rep.Findings) == 0
	if rep.Complete {
		for _, g := range rep.Groups {
			if g.Discrepant() {
				rep.Complete = false
				break
			}
		}
	}
	return rep
}
