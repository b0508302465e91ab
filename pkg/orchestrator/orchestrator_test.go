package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/api"
	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/ports"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/types"
)

func newOrchestratorFixture(t *testing.T, mutate func(*config.Config)) (*Orchestrator, *runtime.Fake) {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.EngineCacheDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	fake := runtime.NewFake()
	o, err := build(cfg, fake)
	require.NoError(t, err)
	t.Cleanup(func() { o.db.Close() })
	return o, fake
}

func addPoolEngine(t *testing.T, o *Orchestrator, id string, mutate func(*types.Engine)) {
	t.Helper()
	e := &types.Engine{
		ContainerID:   id,
		ContainerName: id,
		Host:          "127.0.0.1",
		Port:          19001,
		State:         types.EngineStateRunning,
		Health:        types.EngineHealthy,
	}
	if mutate != nil {
		mutate(e)
	}
	o.state.UpsertEngine(e)
}

func TestStatusIdlePool(t *testing.T) {
	o, _ := newOrchestratorFixture(t, nil)

	s := o.Status()
	assert.Equal(t, types.StatusHealthy, s.Overall)
	assert.Equal(t, 0, s.Engines.Total)
	assert.Equal(t, "disabled", s.VPN.Mode)
	assert.False(t, s.VPN.Connected)
	assert.True(t, s.Provisioning.CanProvision)
	assert.False(t, s.Reconciler.FirstSyncDone)
	require.Len(t, s.Breakers, 2)
}

func TestStatusCountsAndDegradedOnUnhealthyEngine(t *testing.T) {
	o, _ := newOrchestratorFixture(t, nil)
	addPoolEngine(t, o, "eng-1", nil)
	addPoolEngine(t, o, "eng-2", func(e *types.Engine) { e.Health = types.EngineUnhealthy })

	s := o.Status()
	assert.Equal(t, types.StatusDegraded, s.Overall)
	assert.Equal(t, 2, s.Engines.Total)
	assert.Equal(t, 1, s.Engines.Healthy)
	assert.Equal(t, 1, s.Engines.Unhealthy)
	assert.Equal(t, 1, s.Engines.Free)
	assert.True(t, s.Provisioning.CanProvision)
}

func TestStatusBlockedAtCapacity(t *testing.T) {
	o, _ := newOrchestratorFixture(t, func(cfg *config.Config) { cfg.MaxReplicas = 2 })
	addPoolEngine(t, o, "eng-1", nil)
	addPoolEngine(t, o, "eng-2", nil)

	s := o.Status()
	assert.Equal(t, types.StatusDegraded, s.Overall)
	assert.False(t, s.Provisioning.CanProvision)
	assert.Equal(t, api.CodeMaxCapacity, s.Provisioning.BlockedReason)
	assert.Contains(t, s.Provisioning.BlockedReasonDetails, "2/2")
}

func TestStatusUnavailableAfterRuntimeOutages(t *testing.T) {
	o, fake := newOrchestratorFixture(t, nil)
	addPoolEngine(t, o, "eng-1", nil)

	fake.Unavailable = true
	// A canceled context skips the in-pass listing retries so each failed
	// reconcile returns immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 4; i++ {
		_ = o.rec.ReconcileOnce(ctx)
	}

	s := o.Status()
	assert.Equal(t, types.StatusUnavailable, s.Overall)
	assert.Equal(t, 4, s.Reconciler.ConsecutiveOutages)
	// Reads still serve from cached state during the outage.
	assert.Equal(t, 1, s.Engines.Total)
}

func TestStatusRedundantUnclassifiedVPNs(t *testing.T) {
	o, _ := newOrchestratorFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeRedundant
		cfg.GluetunContainerName = "gluetun-1"
		cfg.GluetunContainerName2 = "gluetun-2"
	})
	require.NotNil(t, o.vpn)

	// Unclassified VPNs block provisioning but do not count as down.
	s := o.Status()
	assert.Equal(t, types.StatusHealthy, s.Overall)
	assert.False(t, s.Provisioning.CanProvision)
	assert.Equal(t, api.CodeVPNDisconnected, s.Provisioning.BlockedReason)
}

func TestRunGCSweepsDeadContainersAndOrphanedCaches(t *testing.T) {
	o, fake := newOrchestratorFixture(t, nil)
	addPoolEngine(t, o, "acestream-live", nil)

	fake.Add(runtime.ContainerInfo{
		ID:     "acestream-dead",
		Name:   "acestream-dead",
		Labels: map[string]string{types.LabelManaged: types.LabelManagedValue},
	}, false)

	require.NoError(t, os.MkdirAll(filepath.Join(o.cfg.EngineCacheDir, "acestream-live"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(o.cfg.EngineCacheDir, "acestream-orphan"), 0o755))

	report, err := o.RunGC(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"acestream-dead"}, report.RemovedContainers)
	assert.Equal(t, []string{"acestream-orphan"}, report.PrunedCacheDirs)
	assert.Equal(t, []string{"acestream-dead"}, fake.Removed)

	_, err = os.Stat(filepath.Join(o.cfg.EngineCacheDir, "acestream-live"))
	assert.NoError(t, err)
}

func TestRunGCRuntimeOutage(t *testing.T) {
	o, fake := newOrchestratorFixture(t, nil)
	fake.Unavailable = true

	_, err := o.RunGC(context.Background())
	require.ErrorIs(t, err, types.ErrRuntimeUnavailable)
}

func TestPortScopesSingleMode(t *testing.T) {
	cfg := config.Default()
	cfg.VPNMode = types.VPNModeSingle
	cfg.GluetunContainerName = "gluetun"

	alloc := ports.NewAllocator()
	require.NoError(t, addPortScopes(cfg, alloc))
	assert.Equal(t, ports.ScopeHost, alloc.HostScopeFor("gluetun"))
}

func TestPortScopesRedundantMode(t *testing.T) {
	cfg := config.Default()
	cfg.VPNMode = types.VPNModeRedundant
	cfg.GluetunContainerName = "gluetun-1"
	cfg.GluetunContainerName2 = "gluetun-2"

	alloc := ports.NewAllocator()
	require.NoError(t, addPortScopes(cfg, alloc))
	assert.Equal(t, ports.ScopeVPN1Host, alloc.HostScopeFor("gluetun-1"))
	assert.Equal(t, ports.ScopeVPN2Host, alloc.HostScopeFor("gluetun-2"))
}

func TestVPNEngineSourceListsByAssignment(t *testing.T) {
	o, _ := newOrchestratorFixture(t, nil)
	addPoolEngine(t, o, "eng-1", func(e *types.Engine) { e.VPNContainer = "gluetun-1" })
	addPoolEngine(t, o, "eng-2", func(e *types.Engine) { e.VPNContainer = "gluetun-2" })

	src := enginesByVPN{o.state}
	engines := src.EnginesOnVPN("gluetun-1")
	require.Len(t, engines, 1)
	assert.Equal(t, "eng-1", engines[0].ContainerID)
}
