// Package autoscaler sizes the engine pool to demand.
//
// # Scale-up
//
// Each pass computes two triggers and provisions for the larger: the
// free-replica target (keep MinFreeReplicas healthy engines at zero load)
// and the saturation lookahead (when some engine is within the configured
// slack of its stream cap and no spare is standing by, add one engine so it
// is ready before the last slot is consumed). Layers fill bottom-up through
// the selector, so each layer reaching the threshold raises the next engine.
// The pool never exceeds MaxReplicas. In VPN mode new engines land on the
// healthy VPN carrying the fewest engines; with no healthy VPN the pass
// defers rather than fall back to the host network. Every provision goes
// through the general circuit-breaker class.
//
// # Forwarded election
//
// Each healthy VPN gets exactly one engine bound to its forwarded P2P port.
// When the VPN reports a new port, idle holders of the old port are stopped
// with the port-change reason and a successor is provisioned with the new
// port; holders still serving streams drain first, and no successor starts
// while one drains.
//
// # Idle cleanup
//
// With AutoDelete on, a running non-forwarded engine at zero effective load
// past its grace period is stopped through the provisioner, even when that
// momentarily undercuts the free target: the next pass brings up a fresh
// engine with a clean cache. The grace period is suspended while the
// engine's VPN is inside a recovery stabilization window.
//
// Passes run on a ticker and on Trigger; ScaleTo drives the pool to an exact
// size, stopping unhealthy and least recently used engines first and never
// any engine with effective load.
package autoscaler
