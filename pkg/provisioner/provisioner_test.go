package provisioner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/ports"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/storage"
	"github.com/acepool/acepool/pkg/types"
)

type fakeReadyProber struct {
	failing bool
	calls   int
}

func (f *fakeReadyProber) GetStatus(context.Context, string, int) error {
	f.calls++
	if f.failing {
		return errors.New("connection refused")
	}
	return nil
}

type fakeVPNGate struct {
	blocked map[string]bool
}

func (f *fakeVPNGate) EngineAllowed(vpn string) bool {
	return !f.blocked[vpn]
}

type fakeCacheDirs struct {
	ensured []string
	removed []string
}

func (f *fakeCacheDirs) Ensure(name string) (string, error) {
	f.ensured = append(f.ensured, name)
	return filepath.Join("/tmp/acepool-test-cache", name), nil
}

func (f *fakeCacheDirs) Remove(name string) error {
	f.removed = append(f.removed, name)
	return nil
}

type provFixture struct {
	cfg    *config.Config
	rt     *runtime.Fake
	alloc  *ports.Allocator
	state  *state.Store
	prober *fakeReadyProber
	vpn    *fakeVPNGate
	cache  *fakeCacheDirs
	prov   *Provisioner
}

func newProvFixture(t *testing.T, mutate func(*config.Config)) *provFixture {
	t.Helper()

	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.MinProvisionInterval = 0
	cfg.EngineReadyTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	alloc := ports.NewAllocator()
	require.NoError(t, alloc.AddScope(ports.ScopeHost, cfg.PortRangeHost.Start, cfg.PortRangeHost.End))
	require.NoError(t, alloc.AddScope(ports.ScopeInternalHTTP, cfg.AceHTTPRange.Start, cfg.AceHTTPRange.End))
	require.NoError(t, alloc.AddScope(ports.ScopeInternalHTTPS, cfg.AceHTTPSRange.Start, cfg.AceHTTPSRange.End))
	require.NoError(t, alloc.AddScope(ports.ScopeVPN1Host, cfg.GluetunPortRange1.Start, cfg.GluetunPortRange1.End))
	alloc.RegisterVPNScope("gluetun", ports.ScopeVPN1Host)

	f := &provFixture{
		cfg:    cfg,
		rt:     runtime.NewFake(),
		alloc:  alloc,
		state:  state.NewStore(db),
		prober: &fakeReadyProber{},
		vpn:    &fakeVPNGate{blocked: make(map[string]bool)},
		cache:  &fakeCacheDirs{},
	}
	f.prov = New(cfg, f.rt, alloc, f.state, f.prober, f.vpn, f.cache)
	return f
}

// leasedTotal sums leases across every scope the fixture configured.
func (f *provFixture) leasedTotal() int {
	total := 0
	for _, scope := range f.alloc.Scopes() {
		total += f.alloc.InUse(scope)
	}
	return total
}

func TestProvisionHostNetworkEngine(t *testing.T) {
	f := newProvFixture(t, nil)

	e, err := f.prov.Provision(context.Background(), Request{})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(e.ContainerName, "acepool-engine-"))
	assert.Equal(t, types.EngineStateRunning, e.State)
	assert.GreaterOrEqual(t, e.Port, f.cfg.PortRangeHost.Start)
	assert.GreaterOrEqual(t, e.InternalHTTPPort, f.cfg.AceHTTPRange.Start)

	require.Len(t, f.rt.Created, 1)
	spec := f.rt.Created[0]
	assert.Equal(t, runtime.NetworkModeHost, spec.NetworkMode)
	require.Len(t, spec.PortMap, 1)
	assert.Equal(t, e.Port, spec.PortMap[0].HostPort)
	assert.Equal(t, e.InternalHTTPPort, spec.PortMap[0].ContainerPort)
	assert.Equal(t, types.LabelManagedValue, spec.Labels[types.LabelManaged])
	assert.Contains(t, spec.Env, fmt.Sprintf("HTTP_PORT=%d", e.InternalHTTPPort))

	// Registered in state and cache dir prepared.
	_, err = f.state.GetEngine(e.ContainerID)
	assert.NoError(t, err)
	assert.Equal(t, []string{e.ContainerName}, f.cache.ensured)
}

func TestProvisionVPNEngine(t *testing.T) {
	f := newProvFixture(t, nil)

	e, err := f.prov.Provision(context.Background(), Request{
		VPNContainer:  "gluetun",
		Forwarded:     true,
		ForwardedPort: 12345,
	})
	require.NoError(t, err)

	// Inside the VPN namespace the leased port is both listen and reach port.
	assert.Equal(t, e.Port, e.InternalHTTPPort)
	assert.GreaterOrEqual(t, e.Port, f.cfg.GluetunPortRange1.Start)
	assert.LessOrEqual(t, e.Port, f.cfg.GluetunPortRange1.End)

	spec := f.rt.Created[0]
	assert.Equal(t, runtime.NetworkModeContainer("gluetun"), spec.NetworkMode)
	assert.Empty(t, spec.PortMap)
	assert.Contains(t, spec.Env, "P2P_PORT=12345")
	assert.Equal(t, "gluetun", spec.Labels[types.LabelVPNContainer])
	assert.Equal(t, "true", spec.Labels[types.LabelForwarded])
}

func TestProvisionRejectsUnhealthyVPN(t *testing.T) {
	f := newProvFixture(t, nil)
	f.vpn.blocked["gluetun"] = true

	_, err := f.prov.Provision(context.Background(), Request{VPNContainer: "gluetun"})
	assert.ErrorIs(t, err, types.ErrVPNUnhealthy)
	assert.Empty(t, f.rt.Created)
	assert.Zero(t, f.leasedTotal(), "no ports may leak on a refused provision")
}

func TestProvisionCreateFailureReleasesPorts(t *testing.T) {
	f := newProvFixture(t, nil)
	f.rt.CreateErr = errors.New("image pull failed")

	_, err := f.prov.Provision(context.Background(), Request{})
	require.Error(t, err)
	assert.Zero(t, f.leasedTotal())
	assert.Equal(t, f.cache.ensured, f.cache.removed,
		"cache dir created for the attempt must be removed again")
}

func TestProvisionReadyTimeoutRollsBack(t *testing.T) {
	f := newProvFixture(t, func(cfg *config.Config) {
		cfg.EngineReadyTimeout = time.Millisecond
	})
	f.prober.failing = true

	_, err := f.prov.Provision(context.Background(), Request{})
	require.Error(t, err)

	assert.Len(t, f.rt.Removed, 1, "half-started container must be removed")
	assert.Zero(t, f.leasedTotal())
	assert.Empty(t, f.state.ListEngines(state.EngineFilter{}))
}

func TestProvisionPortExhaustion(t *testing.T) {
	f := newProvFixture(t, nil)
	require.NoError(t, f.alloc.AddScope(ports.ScopeInternalHTTP, 40000, 40000))

	_, err := f.prov.Provision(context.Background(), Request{})
	require.NoError(t, err)

	_, err = f.prov.Provision(context.Background(), Request{})
	assert.ErrorIs(t, err, types.ErrNoFreePort)
}

func TestStopEngineReleasesEverything(t *testing.T) {
	f := newProvFixture(t, nil)

	e, err := f.prov.Provision(context.Background(), Request{})
	require.NoError(t, err)
	require.NotZero(t, f.leasedTotal())

	require.NoError(t, f.prov.StopEngine(context.Background(), e.ContainerID, types.StopReasonScaleDown))

	assert.Contains(t, f.rt.Stopped, e.ContainerID)
	assert.Contains(t, f.rt.Removed, e.ContainerID)
	assert.Zero(t, f.leasedTotal())
	_, err = f.state.GetEngine(e.ContainerID)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Contains(t, f.cache.removed, e.ContainerName)
}

func TestStopEngineUnknownToStateFallsBackToLabels(t *testing.T) {
	f := newProvFixture(t, nil)

	// A labeled engine exists in the runtime but not in state, as after an
	// orchestrator restart before the first reconcile.
	orphan := &types.Engine{
		ContainerID:       "orphan",
		InternalHTTPPort:  40000,
		InternalHTTPSPort: 45000,
		Port:              19000,
	}
	f.rt.Add(runtime.ContainerInfo{
		ID:     "orphan",
		Name:   "orphan",
		Labels: types.EncodeEngineLabels(orphan),
	}, true)
	require.NoError(t, f.alloc.MarkInUse(ports.ScopeInternalHTTP, 40000))
	require.NoError(t, f.alloc.MarkInUse(ports.ScopeInternalHTTPS, 45000))
	require.NoError(t, f.alloc.MarkInUse(ports.ScopeHost, 19000))

	require.NoError(t, f.prov.StopEngine(context.Background(), "orphan", types.StopReasonAPI))

	assert.Contains(t, f.rt.Removed, "orphan")
	assert.Zero(t, f.leasedTotal(), "label-encoded ports must be released")
}

func TestStopEngineRuntimeOutageKeepsState(t *testing.T) {
	f := newProvFixture(t, nil)

	e, err := f.prov.Provision(context.Background(), Request{})
	require.NoError(t, err)
	leased := f.leasedTotal()

	f.rt.Unavailable = true
	err = f.prov.StopEngine(context.Background(), e.ContainerID, types.StopReasonScaleDown)
	assert.ErrorIs(t, err, types.ErrRuntimeUnavailable)

	_, serr := f.state.GetEngine(e.ContainerID)
	assert.NoError(t, serr, "engine stays in state while the runtime is unreachable")
	assert.Equal(t, leased, f.leasedTotal(), "ports stay leased: the container may still be running")
}

func TestMinProvisionIntervalSpacesStarts(t *testing.T) {
	f := newProvFixture(t, func(cfg *config.Config) {
		cfg.MinProvisionInterval = 60 * time.Millisecond
	})

	started := time.Now()
	_, err := f.prov.Provision(context.Background(), Request{})
	require.NoError(t, err)
	_, err = f.prov.Provision(context.Background(), Request{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)
}

func TestCleanupCache(t *testing.T) {
	f := newProvFixture(t, nil)

	e, err := f.prov.Provision(context.Background(), Request{})
	require.NoError(t, err)

	require.NoError(t, f.prov.CleanupCache(context.Background(), e.ContainerID))

	require.Len(t, f.rt.Execs, 1)
	assert.Contains(t, strings.Join(f.rt.Execs[0].Cmd, " "), ".acestream_cache")

	got, err := f.state.GetEngine(e.ContainerID)
	require.NoError(t, err)
	assert.False(t, got.LastCacheCleanup.IsZero())
}

func TestStartReplacementLandsOnVPN(t *testing.T) {
	f := newProvFixture(t, nil)

	e, err := f.prov.StartReplacement(context.Background(), "gluetun")
	require.NoError(t, err)

	assert.Equal(t, "gluetun", e.VPNContainer)
	assert.Equal(t, runtime.NetworkModeContainer("gluetun"), f.rt.Created[0].NetworkMode)
}

func TestMarkEnginePortsHostNetwork(t *testing.T) {
	f := newProvFixture(t, nil)
	e := &types.Engine{
		Port:              f.cfg.PortRangeHost.Start,
		HostHTTPSPort:     f.cfg.PortRangeHost.Start + 1,
		InternalHTTPPort:  f.cfg.AceHTTPRange.Start,
		InternalHTTPSPort: f.cfg.AceHTTPSRange.Start,
	}

	require.NoError(t, f.prov.MarkEnginePorts(e))

	assert.Equal(t, 2, f.alloc.InUse(ports.ScopeHost))
	assert.Equal(t, 1, f.alloc.InUse(ports.ScopeInternalHTTP))
	assert.Equal(t, 1, f.alloc.InUse(ports.ScopeInternalHTTPS))

	// A later lease must skip the marked port.
	leased, err := f.alloc.Lease(ports.ScopeHost)
	require.NoError(t, err)
	assert.NotEqual(t, e.Port, leased)
	assert.NotEqual(t, e.HostHTTPSPort, leased)
}

func TestMarkEnginePortsVPNScope(t *testing.T) {
	f := newProvFixture(t, nil)
	e := &types.Engine{
		Port:              f.cfg.GluetunPortRange1.Start,
		InternalHTTPPort:  f.cfg.GluetunPortRange1.Start,
		InternalHTTPSPort: f.cfg.GluetunPortRange1.Start + 1,
		VPNContainer:      "gluetun",
	}

	require.NoError(t, f.prov.MarkEnginePorts(e))

	assert.Equal(t, 2, f.alloc.InUse(ports.ScopeVPN1Host))
	assert.Zero(t, f.alloc.InUse(ports.ScopeHost),
		"vpn engines hold nothing in the plain host scope")

	f.prov.ReleaseEnginePorts(e)
	assert.Zero(t, f.alloc.InUse(ports.ScopeVPN1Host))
}
