package engine

import (
	"github.com/google/uuid"

	"github.com/vk/bulkforge/internal/plan"
)

// Outcome is the final state one task reached in this run.
type Outcome struct {
	Status    plan.Status `json:"status"`
	RemoteKey string      `json:"remote_key,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Result summarizes a run. Outcomes covers every plan task, including those
// satisfied from the checkpoint without a remote call.
type Result struct {
	RunID   string `json:"run_id"`
	Aborted bool   `json:"aborted,omitempty"`

	Done    int `json:"done"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Pending int `json:"pending"`

	// ReusedFromCheckpoint counts Done tasks satisfied by a previous run.
	ReusedFromCheckpoint int `json:"reused_from_checkpoint"`

	Outcomes map[string]Outcome `json:"outcomes"`
}

func (r *run) result() *Result {
	res := &Result{
		RunID:                uuid.NewString(),
		Aborted:              r.aborted.Load(),
		ReusedFromCheckpoint: int(r.reused.Load()),
		Outcomes:             make(map[string]Outcome, len(r.nodes)),
	}
	for id, n := range r.nodes {
		out := Outcome{Status: n.status(), RemoteKey: n.remoteKey}
		if n.err != nil {
			out.Error = n.err.Error()
		}
		switch out.Status {
		case plan.Done:
			res.Done++
		case plan.Failed:
			res.Failed++
		case plan.Skipped:
			res.Skipped++
		default:
			res.Pending++
		}
		res.Outcomes[id] = out
	}
	return res
}
