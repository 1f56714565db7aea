// Package app wires the provisioning pipeline together: configuration,
// logging, manifest loading, plan building, execution and reconciliation.
package app
