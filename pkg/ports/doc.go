/*
Package ports implements the per-scope port allocator.

Engines need several ports each: internal HTTP/HTTPS ports inside their
network namespace and published host ports. Each kind draws from its own
scope with a configured range; redundant VPN mode adds one host scope per
VPN container so every tunnel forwards from a disjoint range.

A lease always returns the lowest free port in the scope, which keeps
allocations dense and restarts reproducible. Release is idempotent. The
reconciler calls MarkInUse for every port it finds in a managed container's
labels, so after the first reconcile no label-encoded port can ever be
double-leased — the allocator invariant the rest of the system leans on.
*/
package ports
