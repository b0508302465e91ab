package types

import "errors"

// Sentinel errors shared across components. Callers branch on these with
// errors.Is; wrap them with fmt.Errorf("...: %w", err) to add context.
var (
	// ErrRuntimeUnavailable means the container runtime could not be reached.
	// Distinct from ErrNotFound: callers must never treat an unreachable
	// runtime as "container gone".
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrNotFound means the referenced container, engine or stream does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoFreePort means a port scope's configured range is exhausted.
	ErrNoFreePort = errors.New("no free port in range")

	// ErrVPNUnhealthy blocks provisioning while no healthy VPN is available.
	ErrVPNUnhealthy = errors.New("vpn unhealthy")

	// ErrNoCapacity means no engine can take another stream right now.
	ErrNoCapacity = errors.New("no engine capacity")

	// ErrMaxReplicas means the pool is at its configured hard cap.
	ErrMaxReplicas = errors.New("max replicas reached")

	// ErrShuttingDown rejects work arriving during shutdown.
	ErrShuttingDown = errors.New("orchestrator shutting down")
)
