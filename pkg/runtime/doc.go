// Package runtime adapts containerd to the narrow surface the orchestrator
// needs: create-and-start, stop with escalation, remove, inspect, a
// label-filtered list, exec, batched cgroup stats and restart.
//
// # Error contract
//
// Every error unwraps to one of two sentinels when it matters:
//
//   - types.ErrNotFound: the container does not exist. Callers treat this as
//     a state divergence to repair.
//   - types.ErrRuntimeUnavailable: the daemon itself cannot be reached. The
//     reconciler treats this as an outage and preserves state rather than
//     cleaning up engines it can no longer see.
//
// # Networking
//
// containerd does not map ports. Engines without a VPN run in the host
// network namespace and their host ports are realized as iptables REDIRECT
// rules (pkg/network). Engines assigned to a VPN join that container's
// network namespace via /proc/<pid>/ns/net and are reached through the port
// range the VPN container already publishes, so no rules are installed for
// them.
//
// # Timeouts
//
// Calls apply a 15 second default deadline when the caller set none; create
// allows two minutes for the image pull; operations against VPN containers
// get 30 seconds since a tunnel restart is slow to settle.
//
// Fake is the in-memory implementation tests use.
package runtime
