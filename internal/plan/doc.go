// Package plan expands validated record specs into a run plan: a directed
// acyclic graph of create, link and set-field tasks with deterministic IDs,
// plus the expected creation counts the reconciler measures a run against.
//
// Building a plan is pure and deterministic for a given input ordering; no
// remote call happens here.
package plan
