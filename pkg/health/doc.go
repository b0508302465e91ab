// Package health probes engine liveness and replaces engines that stop
// answering.
//
// # Classification
//
// Every tick each running engine gets an HTTP status probe with a short
// per-probe timeout. A success resets the engine's failure counter and marks
// it healthy; consecutive failures at or past the configured threshold mark
// it unhealthy. Engines younger than the startup grace window are left alone
// so slow engine boots are not misread as failures. Probing waits for the
// first reconcile pass so an empty boot-time state never drives decisions.
//
// # Replacement
//
// Unhealthy engines are replaced additively: a new engine is provisioned on
// the same VPN, must answer probes within the ready timeout, and only then is
// the old engine stopped through the provisioner (which releases its ports).
// If any step fails the old engine stays. Replacement starts are spaced by a
// cooldown, gated by the replacement circuit-breaker class, skipped while the
// engine's VPN is inside its post-reconnect stabilization window, and refused
// when the pool would dip below the healthy minimum.
package health
