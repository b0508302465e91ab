// Package provisioner owns the engine container lifecycle.
//
// # Provisioning
//
// Provision leases the engine's ports, creates the container in the right
// network namespace, waits until the engine answers its status endpoint and
// only then records it in state. Engines assigned to a VPN join that
// container's network namespace and bind ports leased from the VPN's
// published range; host-network engines listen on internal-range ports and
// get a published host port. The chosen ports are stamped onto the container
// as labels so the reconciler can rebuild the allocation after a restart.
// Partial failures roll back: the container is removed and every leased port
// released.
//
// # Stopping
//
// StopEngine is the single sanctioned way to stop a managed engine. It stops
// and removes the container, releases every label-encoded port and drops the
// engine from state — in that order, and only if the runtime call succeeded,
// so a runtime outage never frees ports that may still be bound. Engines
// unknown to state are resolved from their container labels.
//
// # Throttling
//
// At most MAX_CONCURRENT_PROVISIONS provisions run at once, with starts
// spaced at least MIN_PROVISION_INTERVAL apart.
package provisioner
