// Package dag implements the dependency graph underpinning a run plan.
//
// The plan builder adds one node per task and one edge per "must complete
// before" relationship, then validates the result is acyclic. The execution
// engine queries the same graph to seed dependency counters and to propagate
// branch failures to transitive dependents.
package dag
