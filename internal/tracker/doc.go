// Package tracker is the remote protocol boundary: three operations only,
// create, link and set-field, abstracting over the tracker's REST surface.
//
// The client owns retry/backoff, the per-attempt timeout, the process-wide
// rate budget and outbound text sanitization. Credentials and transport
// concerns beyond basic auth stay with the caller.
package tracker
