// Package checkpoint persists task outcomes so an interrupted run can resume
// without repeating side-effecting remote calls.
//
// The store assumes single-writer access. Two engine instances pointed at the
// same file concurrently are undefined behavior; the constraint is documented,
// not enforced.
package checkpoint
