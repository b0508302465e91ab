// Package orchestrator is the composition root. It builds the component
// graph over one containerd connection and one bbolt store, starts the
// control loops in dependency order (event bus, VPN supervision, runtime
// reconciliation, health monitoring, autoscaling, stat collection, the
// stream mux, then the API listener) and stops them in reverse.
//
// It also hosts the two cross-component computations that no single
// component can answer alone: the composite status for
// GET /orchestrator/status and the garbage-collection pass behind POST /gc.
package orchestrator
