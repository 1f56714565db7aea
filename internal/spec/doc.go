// Package spec defines the closed record model consumed by the plan builder.
//
// A metadata source (the HCL manifest, or anything else that can produce the
// enumerated fields) yields an ordered list of RecordSpec values. Validation
// happens here, at the boundary, so malformed metadata is rejected before any
// remote call is attempted.
package spec
