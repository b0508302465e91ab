// Package reconciler keeps the state store coherent with the container
// runtime.
//
// # Sync pass
//
// Every tick the runtime is asked for containers carrying the management
// label, with in-pass retries so a blip is not an outage. Containers missing
// from state are adopted: ports, VPN assignment and forwarded flag are
// decoded from labels, the decoded ports are marked in the allocator, and the
// engine enters state with unknown health for the monitor to classify. State
// engines whose containers are gone are dropped and their ports released;
// this is the only path by which an externally-removed container leaves
// state. Engines inside the startup window are exempt from dropping.
//
// # Outage tolerance
//
// When every listing attempt fails the pass changes nothing: engines stay in
// state, ports stay leased, and the pass just logs and counts the outage.
// Components serving reads keep working from the cached state; the
// consecutive-outage count feeds the composite orchestrator status.
//
// The first completed pass flips a latch the autoscaler and health monitor
// gate on, so decisions are never made against an empty boot-time state.
package reconciler
