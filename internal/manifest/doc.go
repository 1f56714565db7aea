// Package manifest is the metadata source: it loads an HCL manifest holding
// project settings, record templates and group definitions, and yields the
// ordered record specs the plan builder consumes.
//
// Templates are plain HCL blocks whose attributes may interpolate per-group
// variables, so one template stamps out one branch per group. A group either
// carries its own feature or points at another group's with `feature_from`,
// which is how many branches share a single umbrella feature.
package manifest
