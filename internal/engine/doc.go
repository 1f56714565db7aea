// Package engine walks a run plan in dependency order with a bounded worker
// pool, dispatching tasks to the remote API client and recording every
// outcome in the checkpoint store the moment it is known.
//
// A task that fails permanently takes down only its own branch: transitive
// dependents are recorded Skipped, never attempted, while independent
// branches run to completion. Tasks already Done in the checkpoint are
// satisfied without remote calls, which is what makes a rerun against the
// same store idempotent.
package engine
