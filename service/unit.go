/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package service contains the lifecycle primitives the worker process is assembled from:
// units that can be started and stopped, long-running workers and their composition.
package service

// Unit is a component with its own lifecycle (HTTP server, queue dispatcher, scheduler).
type Unit interface {
	// Start either returns immediately after initialization or blocks for the whole unit's lifetime.
	// A fatal error is reported through fatalErr, and the channel must not be used after Start returns.
	Start(fatalErr chan<- error)

	// Stop halts the unit. It may be called even if Start failed or was never called.
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units that own Prometheus collectors.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
