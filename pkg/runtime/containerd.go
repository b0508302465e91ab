package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	cg1 "github.com/containerd/cgroups/v3/cgroup1/stats"
	cg2 "github.com/containerd/cgroups/v3/cgroup2/stats"

	"github.com/acepool/acepool/pkg/network"
	"github.com/acepool/acepool/pkg/types"
)

// createTimeout bounds image pull plus container start.
const createTimeout = 2 * time.Minute

// ContainerdRuntime implements Runtime against a containerd daemon.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	ports     *network.PortPublisher
	hostsDir  string
}

// NewContainerdRuntime connects to containerd. An unreachable daemon is
// reported as types.ErrRuntimeUnavailable so callers can distinguish it from
// configuration mistakes.
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd at %s: %v: %w",
			socketPath, err, types.ErrRuntimeUnavailable)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		ports:     network.NewPortPublisher(),
		hostsDir:  filepath.Join(os.TempDir(), "acepool-hosts"),
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Create pulls the image if missing, creates the container in the requested
// network namespace, starts it and publishes its host ports.
func (r *ContainerdRuntime) Create(ctx context.Context, spec *ContainerSpec) (*ContainerInfo, error) {
	ctx, cancel := ensureTimeout(ctx, createTimeout)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	imageRef := normalizeImage(spec.Image)
	image, err := r.client.GetImage(ctx, imageRef)
	if errdefs.IsNotFound(err) {
		image, err = r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	}
	if err != nil {
		return nil, translateError("", fmt.Errorf("failed to resolve image %s: %w", imageRef, err))
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	join := spec.NetworkMode.JoinTarget()
	switch {
	case join != "":
		pid, err := r.taskPid(ctx, join)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve network container %s: %w", join, err)
		}
		opts = append(opts, oci.WithLinuxNamespace(specs.LinuxNamespace{
			Type: specs.NetworkNamespace,
			Path: fmt.Sprintf("/proc/%d/ns/net", pid),
		}))
	default:
		opts = append(opts,
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostResolvconf,
		)
	}

	if len(spec.ExtraHosts) > 0 {
		hostsPath, err := r.writeHostsFile(spec.Name, spec.ExtraHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to write hosts file: %w", err)
		}
		opts = append(opts, oci.WithMounts([]specs.Mount{{
			Source:      hostsPath,
			Destination: "/etc/hosts",
			Type:        "bind",
			Options:     []string{"rbind", "ro"},
		}}))
	} else if join == "" {
		opts = append(opts, oci.WithHostHostsFile)
	}

	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind", "rw"}
			if m.ReadOnly {
				options = []string{"rbind", "ro"}
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return nil, translateError("", fmt.Errorf("failed to create container %s: %w", spec.Name, err))
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, translateError("", fmt.Errorf("failed to create task for %s: %w", spec.Name, err))
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx)
		_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, translateError("", fmt.Errorf("failed to start %s: %w", spec.Name, err))
	}

	if join == "" && len(spec.PortMap) > 0 {
		if err := r.ports.Publish(container.ID(), "", spec.PortMap); err != nil {
			_ = r.Stop(ctx, container.ID(), 5*time.Second)
			_ = r.Remove(ctx, container.ID())
			return nil, err
		}
	}

	return &ContainerInfo{
		ID:        container.ID(),
		Name:      spec.Name,
		Image:     spec.Image,
		Labels:    spec.Labels,
		Running:   true,
		Pid:       task.Pid(),
		CreatedAt: time.Now(),
	}, nil
}

// Stop sends SIGTERM, escalates to SIGKILL after timeout, and deletes the
// task. A container with no running task is already stopped.
func (r *ContainerdRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := ensureTimeout(ctx, timeout+DefaultOpTimeout)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return translateError(id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return translateError(id, err)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return translateError(id, fmt.Errorf("failed to wait for task: %w", err))
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return translateError(id, fmt.Errorf("failed to signal task: %w", err))
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return translateError(id, fmt.Errorf("failed to force kill task: %w", err))
		}
		select {
		case <-statusC:
		case <-ctx.Done():
		}
	case <-ctx.Done():
		return translateError(id, ctx.Err())
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return translateError(id, fmt.Errorf("failed to delete task: %w", err))
	}
	return nil
}

// Remove deletes the container, its snapshot, its published ports and its
// generated hosts file. Missing containers are a no-op so cleanup retries
// stay idempotent.
func (r *ContainerdRuntime) Remove(ctx context.Context, id string) error {
	ctx, cancel := ensureTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			r.ports.Unpublish(id)
			return nil
		}
		return translateError(id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return translateError(id, fmt.Errorf("failed to delete container: %w", err))
	}

	r.ports.Unpublish(id)
	_ = os.Remove(filepath.Join(r.hostsDir, id))
	return nil
}

// Inspect returns current info for one container.
func (r *ContainerdRuntime) Inspect(ctx context.Context, id string) (*ContainerInfo, error) {
	ctx, cancel := ensureTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, translateError(id, err)
	}
	return r.describe(ctx, container)
}

// ListManaged lists containers carrying the management label.
func (r *ContainerdRuntime) ListManaged(ctx context.Context) ([]*ContainerInfo, error) {
	ctx, cancel := ensureTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	filter := fmt.Sprintf(`labels.%q==%q`, types.LabelManaged, types.LabelManagedValue)
	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		return nil, translateError("", fmt.Errorf("failed to list containers: %w", err))
	}

	infos := make([]*ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := r.describe(ctx, c)
		if err != nil {
			// Container may have been removed between list and describe.
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (r *ContainerdRuntime) describe(ctx context.Context, c containerd.Container) (*ContainerInfo, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return nil, translateError(c.ID(), err)
	}

	ci := &ContainerInfo{
		ID:        c.ID(),
		Name:      c.ID(),
		Image:     info.Image,
		Labels:    info.Labels,
		CreatedAt: info.CreatedAt,
	}
	if task, err := c.Task(ctx, nil); err == nil {
		if status, err := task.Status(ctx); err == nil {
			ci.Running = status.Status == containerd.Running
			ci.Pid = task.Pid()
		}
	}
	return ci, nil
}

// Exec runs a command inside a running container and returns its stdout.
func (r *ContainerdRuntime) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	ctx, cancel := ensureTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return "", translateError(id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return "", translateError(id, err)
	}
	ospec, err := container.Spec(ctx)
	if err != nil {
		return "", translateError(id, fmt.Errorf("failed to read container spec: %w", err))
	}

	pspec := *ospec.Process
	pspec.Args = cmd
	pspec.Terminal = false

	var stdout, stderr bytes.Buffer
	execID := "exec-" + uuid.NewString()[:8]
	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return "", translateError(id, fmt.Errorf("failed to create exec: %w", err))
	}
	defer func() { _, _ = process.Delete(ctx) }()

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", translateError(id, fmt.Errorf("failed to wait for exec: %w", err))
	}
	if err := process.Start(ctx); err != nil {
		return "", translateError(id, fmt.Errorf("failed to start exec: %w", err))
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return stdout.String(), translateError(id, err)
		}
		if code != 0 {
			return stdout.String(), fmt.Errorf("command %v in %s exited %d: %s",
				cmd, id, code, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = process.Kill(ctx, syscall.SIGKILL)
		return stdout.String(), translateError(id, ctx.Err())
	}
}

// StatsBatch samples cgroup metrics for the given containers. Stopped or
// vanished containers are skipped silently; stats are advisory.
func (r *ContainerdRuntime) StatsBatch(ctx context.Context, ids []string) (map[string]*types.ContainerStats, error) {
	ctx, cancel := ensureTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	out := make(map[string]*types.ContainerStats, len(ids))
	for _, id := range ids {
		container, err := r.client.LoadContainer(ctx, id)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return out, translateError(id, err)
		}
		task, err := container.Task(ctx, nil)
		if err != nil {
			continue
		}
		metric, err := task.Metrics(ctx)
		if err != nil {
			continue
		}
		data, err := typeurl.UnmarshalAny(metric.Data)
		if err != nil {
			continue
		}

		stats := &types.ContainerStats{Time: metric.Timestamp.AsTime()}
		switch v := data.(type) {
		case *cg2.Metrics:
			if v.CPU != nil {
				stats.CPUNanos = v.CPU.UsageUsec * 1000
			}
			if v.Memory != nil {
				stats.MemBytes = v.Memory.Usage
				stats.MemLimit = v.Memory.UsageLimit
			}
		case *cg1.Metrics:
			if v.CPU != nil && v.CPU.Usage != nil {
				stats.CPUNanos = v.CPU.Usage.Total
			}
			if v.Memory != nil && v.Memory.Usage != nil {
				stats.MemBytes = v.Memory.Usage.Usage
				stats.MemLimit = v.Memory.Usage.Limit
			}
		}
		out[id] = stats
	}
	return out, nil
}

// Restart stops the container's task and starts a fresh one, keeping the
// container and its snapshot. Used for VPN containers, which are created by
// the operator, not by us.
func (r *ContainerdRuntime) Restart(ctx context.Context, id string, timeout time.Duration) error {
	ctx, cancel := ensureTimeout(ctx, VPNOpTimeout+timeout)
	defer cancel()

	if err := r.Stop(ctx, id, timeout); err != nil {
		return err
	}

	nsCtx := namespaces.WithNamespace(ctx, r.namespace)
	container, err := r.client.LoadContainer(nsCtx, id)
	if err != nil {
		return translateError(id, err)
	}
	task, err := container.NewTask(nsCtx, cio.NullIO)
	if err != nil {
		return translateError(id, fmt.Errorf("failed to recreate task: %w", err))
	}
	if err := task.Start(nsCtx); err != nil {
		_, _ = task.Delete(nsCtx)
		return translateError(id, fmt.Errorf("failed to restart: %w", err))
	}
	return nil
}

// taskPid returns the init pid of a running container's task.
func (r *ContainerdRuntime) taskPid(ctx context.Context, id string) (uint32, error) {
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return 0, translateError(id, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, translateError(id, fmt.Errorf("container %s has no running task: %w", id, err))
	}
	status, err := task.Status(ctx)
	if err != nil {
		return 0, translateError(id, err)
	}
	if status.Status != containerd.Running {
		return 0, fmt.Errorf("container %s is not running (status %s)", id, status.Status)
	}
	return task.Pid(), nil
}

// writeHostsFile materializes extra hosts ("hostname:ip") as a hosts file to
// bind-mount over /etc/hosts.
func (r *ContainerdRuntime) writeHostsFile(name string, extraHosts []string) (string, error) {
	if err := os.MkdirAll(r.hostsDir, 0o755); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("127.0.0.1\tlocalhost\n::1\tlocalhost\n")
	for _, entry := range extraHosts {
		host, ip, ok := strings.Cut(entry, ":")
		if !ok {
			return "", fmt.Errorf("invalid extra host %q, want hostname:ip", entry)
		}
		fmt.Fprintf(&b, "%s\t%s\n", ip, host)
	}

	path := filepath.Join(r.hostsDir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// normalizeImage expands short references the way docker does, so config can
// say "acestream/engine:latest".
func normalizeImage(ref string) string {
	if ref == "" {
		return ref
	}
	first := strings.SplitN(ref, "/", 2)[0]
	switch {
	case strings.ContainsAny(first, ".:") || first == "localhost":
		return ref
	case strings.Contains(ref, "/"):
		return "docker.io/" + ref
	default:
		return "docker.io/library/" + ref
	}
}

// translateError maps containerd errors onto the orchestrator's sentinels.
// Not-found and daemon-unreachable take very different recovery paths, so
// the distinction must survive wrapping.
func translateError(id string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errdefs.IsNotFound(err):
		if id != "" {
			return fmt.Errorf("container %s: %w", id, types.ErrNotFound)
		}
		return fmt.Errorf("%v: %w", err, types.ErrNotFound)
	case errdefs.IsUnavailable(err) || isConnectionError(err):
		return fmt.Errorf("containerd unreachable: %v: %w", err, types.ErrRuntimeUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("containerd timed out: %v: %w", err, types.ErrRuntimeUnavailable)
	default:
		return err
	}
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection error") ||
		strings.Contains(msg, "no such file or directory")
}
