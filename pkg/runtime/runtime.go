package runtime

import (
	"context"
	"time"

	"github.com/acepool/acepool/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace all managed containers
	// live in.
	DefaultNamespace = "acepool"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultOpTimeout bounds ordinary runtime calls.
	DefaultOpTimeout = 15 * time.Second

	// VPNOpTimeout bounds operations that touch VPN containers, which take
	// longer to settle after a tunnel restart.
	VPNOpTimeout = 30 * time.Second
)

// NetworkMode selects the network namespace a container is created in.
// "host" shares the host namespace; "container:<name>" joins another
// container's namespace (VPN mode).
type NetworkMode string

const NetworkModeHost NetworkMode = "host"

// NetworkModeContainer builds the mode for joining a named container.
func NetworkModeContainer(name string) NetworkMode {
	return NetworkMode("container:" + name)
}

// JoinTarget returns the container to join, or "" for host mode.
func (m NetworkMode) JoinTarget() string {
	const prefix = "container:"
	if len(m) > len(prefix) && string(m[:len(prefix)]) == prefix {
		return string(m[len(prefix):])
	}
	return ""
}

// ContainerSpec describes one container to create and start.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	NetworkMode NetworkMode
	PortMap     []types.PortMapping
	ExtraHosts  []string // "hostname:ip" entries appended to /etc/hosts
	Mounts      []Mount
}

// Mount is a bind mount into the container.
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// ContainerInfo is the adapter's view of one container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Labels    map[string]string
	Running   bool
	Pid       uint32
	CreatedAt time.Time
}

// Runtime is the container runtime surface the orchestrator depends on.
// Implementations must return errors that unwrap to types.ErrNotFound for
// missing containers and types.ErrRuntimeUnavailable when the daemon itself
// cannot be reached; callers branch on the two very differently.
type Runtime interface {
	// Create pulls the image if needed, creates the container and starts
	// it. Host ports in PortMap are published before Create returns.
	Create(ctx context.Context, spec *ContainerSpec) (*ContainerInfo, error)

	// Stop signals SIGTERM and escalates to SIGKILL after timeout. A
	// container with no running task is already stopped; that is not an
	// error.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove deletes the container, its snapshot and its published ports.
	// Removing a container that does not exist is a no-op.
	Remove(ctx context.Context, id string) error

	// Inspect returns the container's current info.
	Inspect(ctx context.Context, id string) (*ContainerInfo, error)

	// ListManaged lists containers carrying the management label.
	ListManaged(ctx context.Context) ([]*ContainerInfo, error)

	// Exec runs a command inside the container and returns its combined
	// stdout. Non-zero exit is an error carrying stderr.
	Exec(ctx context.Context, id string, cmd []string) (string, error)

	// StatsBatch samples resource usage for the given containers. Missing
	// or stopped containers are skipped, not errors.
	StatsBatch(ctx context.Context, ids []string) (map[string]*types.ContainerStats, error)

	// Restart stops the container's task and starts a fresh one.
	Restart(ctx context.Context, id string, timeout time.Duration) error

	Close() error
}

// ensureTimeout applies a default deadline when the caller set none.
func ensureTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
