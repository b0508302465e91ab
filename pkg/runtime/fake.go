package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/acepool/acepool/pkg/types"
)

// Fake is an in-memory Runtime for tests. Knobs simulate daemon outages and
// per-operation failures; recorded calls let tests assert on lifecycle
// ordering without a containerd socket.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer

	// Unavailable makes every call fail with types.ErrRuntimeUnavailable.
	Unavailable bool
	// CreateErr fails the next Creates unconditionally.
	CreateErr error
	// CreateHook runs before each create; returning an error aborts it.
	CreateHook func(spec *ContainerSpec) error
	// ExecResponses maps a joined command line to canned stdout.
	ExecResponses map[string]string
	// ExecErr fails all Exec calls.
	ExecErr error
	// Stats is returned by StatsBatch for matching ids.
	Stats map[string]*types.ContainerStats

	// Call records.
	Created   []*ContainerSpec
	Stopped   []string
	Removed   []string
	Restarted []string
	Execs     []ExecCall
}

// ExecCall records one Exec invocation.
type ExecCall struct {
	ID  string
	Cmd []string
}

type fakeContainer struct {
	info    ContainerInfo
	running bool
}

// NewFake creates an empty fake runtime.
func NewFake() *Fake {
	return &Fake{
		containers:    make(map[string]*fakeContainer),
		ExecResponses: make(map[string]string),
		Stats:         make(map[string]*types.ContainerStats),
	}
}

// Add seeds a container directly, bypassing Create. Used to simulate
// containers started by other actors.
func (f *Fake) Add(info ContainerInfo, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	f.containers[info.ID] = &fakeContainer{info: info, running: running}
}

// SetRunning flips a container's running state.
func (f *Fake) SetRunning(id string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = running
	}
}

// Delete drops a container without recording a Remove call, simulating an
// external removal.
func (f *Fake) Delete(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

// ExecCalls copies the recorded Exec invocations. Use this instead of reading
// Execs directly when the exec may come from a background goroutine.
func (f *Fake) ExecCalls() []ExecCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecCall(nil), f.Execs...)
}

// RestartedIDs copies the recorded Restart targets.
func (f *Fake) RestartedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Restarted...)
}

func (f *Fake) unavailable() error {
	return fmt.Errorf("fake runtime offline: %w", types.ErrRuntimeUnavailable)
}

func (f *Fake) Create(ctx context.Context, spec *ContainerSpec) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return nil, f.unavailable()
	}
	if f.CreateHook != nil {
		if err := f.CreateHook(spec); err != nil {
			return nil, err
		}
	}
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	if _, exists := f.containers[spec.Name]; exists {
		return nil, fmt.Errorf("container %s already exists", spec.Name)
	}

	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}
	info := ContainerInfo{
		ID:        spec.Name,
		Name:      spec.Name,
		Image:     spec.Image,
		Labels:    labels,
		Running:   true,
		Pid:       uint32(1000 + len(f.containers)),
		CreatedAt: time.Now(),
	}
	f.containers[spec.Name] = &fakeContainer{info: info, running: true}
	f.Created = append(f.Created, spec)
	return &info, nil
}

func (f *Fake) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return f.unavailable()
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, types.ErrNotFound)
	}
	c.running = false
	f.Stopped = append(f.Stopped, id)
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return f.unavailable()
	}
	delete(f.containers, id)
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return nil, f.unavailable()
	}
	c, ok := f.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, types.ErrNotFound)
	}
	info := c.info
	info.Running = c.running
	return &info, nil
}

func (f *Fake) ListManaged(ctx context.Context) ([]*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return nil, f.unavailable()
	}
	var out []*ContainerInfo
	for _, c := range f.containers {
		if c.info.Labels[types.LabelManaged] != types.LabelManagedValue {
			continue
		}
		info := c.info
		info.Running = c.running
		out = append(out, &info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return "", f.unavailable()
	}
	c, ok := f.containers[id]
	if !ok {
		return "", fmt.Errorf("container %s: %w", id, types.ErrNotFound)
	}
	if !c.running {
		return "", fmt.Errorf("container %s is not running", id)
	}
	f.Execs = append(f.Execs, ExecCall{ID: id, Cmd: cmd})
	if f.ExecErr != nil {
		return "", f.ExecErr
	}
	return f.ExecResponses[strings.Join(cmd, " ")], nil
}

func (f *Fake) StatsBatch(ctx context.Context, ids []string) (map[string]*types.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return nil, f.unavailable()
	}
	out := make(map[string]*types.ContainerStats)
	for _, id := range ids {
		c, ok := f.containers[id]
		if !ok || !c.running {
			continue
		}
		if s, ok := f.Stats[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func (f *Fake) Restart(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Unavailable {
		return f.unavailable()
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, types.ErrNotFound)
	}
	c.running = true
	f.Restarted = append(f.Restarted, id)
	return nil
}

func (f *Fake) Close() error { return nil }
