// Package vpn supervises gluetun VPN containers.
//
// One loop per container classifies tunnel health every few seconds:
//
//  1. Container not running or runtime unreachable: unhealthy, no appeal.
//  2. Container running and gluetun's control API says the tunnel is up:
//     healthy; fetch the provider-forwarded port (cached with a TTL).
//  3. Container running but the control API says down or cannot answer:
//     double-check through the engines inside the namespace. Any engine
//     reporting network connectivity overrules the control API; no engines
//     is inconclusive and the unhealthy verdict stands.
//
// A forwarded-port change is the event the rest of the system cares most
// about: the engine holding the old port is useless for peering, so the
// supervisor opens a stabilization window and hands the change to the wired
// handler, which stops the forwarded engine and triggers the autoscaler.
// Containers unhealthy past the restart timeout are force-restarted through
// the runtime.
//
// After a reconnect the forwarded-port cache is bypassed; providers assign a
// fresh port on almost every session and waiting out the TTL would stall
// recovery.
package vpn
