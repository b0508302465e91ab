package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/breaker"
	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/provisioner"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/storage"
	"github.com/acepool/acepool/pkg/types"
)

type fakeProvider struct {
	state *state.Store

	attempts     int
	provisionErr error
	provisioned  []provisioner.Request
	stopped      []string
	stopReasons  map[string]types.StopReason
}

func (f *fakeProvider) Provision(_ context.Context, req provisioner.Request) (*types.Engine, error) {
	f.attempts++
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	f.provisioned = append(f.provisioned, req)
	id := fmt.Sprintf("scaled-%d", len(f.provisioned))
	return f.state.UpsertEngine(&types.Engine{
		ContainerID:   id,
		ContainerName: id,
		Host:          "127.0.0.1",
		Port:          20000 + len(f.provisioned),
		VPNContainer:  req.VPNContainer,
		Forwarded:     req.Forwarded,
		ForwardedPort: req.ForwardedPort,
		State:         types.EngineStateRunning,
		Health:        types.EngineHealthy,
	}), nil
}

func (f *fakeProvider) StopEngine(_ context.Context, containerID string, reason types.StopReason) error {
	f.stopped = append(f.stopped, containerID)
	f.stopReasons[containerID] = reason
	if _, err := f.state.RemoveEngine(containerID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}

type fakeLoad struct {
	pending map[string]int
}

func (f *fakeLoad) EffectiveLoad(e *types.Engine) int {
	return e.ActiveStreamCount() + f.pending[e.ContainerID]
}

type fakeVPN struct {
	healthy  []string
	ports    map[string]int
	statuses map[string]types.VPNStatus
}

func (f *fakeVPN) HealthyContainers() []string          { return f.healthy }
func (f *fakeVPN) ForwardedPortOf(container string) int { return f.ports[container] }
func (f *fakeVPN) StatusOf(container string) (types.VPNStatus, bool) {
	st, ok := f.statuses[container]
	return st, ok
}

type scalerFixture struct {
	cfg   *config.Config
	state *state.Store
	prov  *fakeProvider
	load  *fakeLoad
	vpn   *fakeVPN
	brk   *breaker.Breaker
	as    *Autoscaler

	nextPort int
}

func newScalerFixture(t *testing.T, mutate func(*config.Config)) *scalerFixture {
	t.Helper()

	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.MinFreeReplicas = 0
	cfg.MaxReplicas = 5
	cfg.AutoDelete = false
	cfg.MinProvisionInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	st := state.NewStore(db)
	f := &scalerFixture{
		cfg:   cfg,
		state: st,
		prov:  &fakeProvider{state: st, stopReasons: make(map[string]types.StopReason)},
		load:  &fakeLoad{pending: make(map[string]int)},
		vpn:   &fakeVPN{ports: make(map[string]int), statuses: make(map[string]types.VPNStatus)},
		brk: breaker.New(map[breaker.Class]breaker.Settings{
			breaker.ClassGeneral: {FailureThreshold: 5, RecoveryTimeout: time.Minute},
		}),
		nextPort: 19000,
	}
	f.as = New(cfg, st, f.prov, f.load, f.vpn, f.brk, nil)
	return f
}

// addEngine registers a running healthy engine; mutate adjusts the record
// before insertion.
func (f *scalerFixture) addEngine(id string, mutate func(*types.Engine)) *types.Engine {
	f.nextPort++
	e := &types.Engine{
		ContainerID:   id,
		ContainerName: id,
		Host:          "127.0.0.1",
		Port:          f.nextPort,
		State:         types.EngineStateRunning,
		Health:        types.EngineHealthy,
	}
	if mutate != nil {
		mutate(e)
	}
	return f.state.UpsertEngine(e)
}

func (f *scalerFixture) engineIDs() []string {
	var ids []string
	for _, e := range f.state.ListEngines(state.EngineFilter{}) {
		ids = append(ids, e.ContainerID)
	}
	return ids
}

func TestFreeReplicaTopUp(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 2
	})

	f.as.ScaleOnce(context.Background())

	require.Len(t, f.prov.provisioned, 2)
	assert.Len(t, f.engineIDs(), 2)

	// The pool now has two free engines, so the next pass adds nothing.
	f.as.ScaleOnce(context.Background())
	assert.Len(t, f.prov.provisioned, 2)
}

func TestBusyEnginesDoNotCountAsFree(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 1
	})
	f.addEngine("busy", nil)
	f.load.pending["busy"] = 1

	f.as.ScaleOnce(context.Background())

	require.Len(t, f.prov.provisioned, 1, "one engine free target should not be met by a loaded engine")
}

func TestUnhealthyEnginesDoNotCountAsFree(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 1
	})
	f.addEngine("sick", func(e *types.Engine) { e.Health = types.EngineUnhealthy })

	f.as.ScaleOnce(context.Background())

	require.Len(t, f.prov.provisioned, 1)
}

func TestLookaheadProvisionsSpareNearSaturation(t *testing.T) {
	f := newScalerFixture(t, nil) // MaxStreamsPerEngine 3, slack 1: threshold 2
	f.addEngine("loaded", nil)
	f.load.pending["loaded"] = 2

	f.as.ScaleOnce(context.Background())

	require.Len(t, f.prov.provisioned, 1,
		"an engine one slot from its cap should trigger a spare")

	// The spare exists now; the trigger stays quiet until it fills too.
	f.as.ScaleOnce(context.Background())
	assert.Len(t, f.prov.provisioned, 1)
}

func TestMaxReplicasCapsScaleUp(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 5
		cfg.MaxReplicas = 3
	})

	f.as.ScaleOnce(context.Background())

	assert.Len(t, f.prov.provisioned, 3)

	f.as.ScaleOnce(context.Background())
	assert.Len(t, f.prov.provisioned, 3, "pool at max replicas must not grow")
}

func TestOpenBreakerBlocksScaleUp(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 1
	})
	f.brk = breaker.New(map[breaker.Class]breaker.Settings{
		breaker.ClassGeneral: {FailureThreshold: 1, RecoveryTimeout: time.Hour},
	})
	f.as.breaker = f.brk
	f.prov.provisionErr = errors.New("image pull failed")

	f.as.ScaleOnce(context.Background())
	require.Equal(t, 1, f.prov.attempts)
	require.Equal(t, breaker.StateOpen, f.brk.State(breaker.ClassGeneral))

	f.as.ScaleOnce(context.Background())
	assert.Equal(t, 1, f.prov.attempts, "open breaker must block further attempts")
}

func TestVPNPlacementPicksLeastLoaded(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeRedundant
		cfg.MinFreeReplicas = 1
	})
	f.vpn.healthy = []string{"gluetun", "gluetun2"}
	f.addEngine("a", func(e *types.Engine) { e.VPNContainer = "gluetun" })
	f.addEngine("b", func(e *types.Engine) { e.VPNContainer = "gluetun" })
	f.addEngine("c", func(e *types.Engine) { e.VPNContainer = "gluetun2" })
	for _, id := range []string{"a", "b", "c"} {
		f.load.pending[id] = 1
	}

	f.as.ScaleOnce(context.Background())

	require.Len(t, f.prov.provisioned, 1)
	assert.Equal(t, "gluetun2", f.prov.provisioned[0].VPNContainer)
}

func TestVPNModeRefusesPlacementWithoutHealthyVPN(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeSingle
		cfg.MinFreeReplicas = 1
	})
	// No healthy VPNs reported.

	f.as.ScaleOnce(context.Background())

	assert.Zero(t, f.prov.attempts,
		"engines must never be placed on the host network when vpn mode is on")
	assert.Equal(t, breaker.StateClosed, f.brk.State(breaker.ClassGeneral),
		"deferred placement is not a provisioning failure")
}

func TestForwardedEngineElected(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeSingle
	})
	f.vpn.healthy = []string{"gluetun"}
	f.vpn.ports["gluetun"] = 43437
	f.addEngine("plain", func(e *types.Engine) { e.VPNContainer = "gluetun" })
	f.load.pending["plain"] = 1

	f.as.ScaleOnce(context.Background())

	require.Len(t, f.prov.provisioned, 1)
	req := f.prov.provisioned[0]
	assert.True(t, req.Forwarded)
	assert.Equal(t, 43437, req.ForwardedPort)
	assert.Equal(t, "gluetun", req.VPNContainer)

	// Election is idempotent once the forwarded engine exists.
	f.as.ScaleOnce(context.Background())
	assert.Len(t, f.prov.provisioned, 1)
}

func TestForwardedElectionWaitsForPortReport(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeSingle
	})
	f.vpn.healthy = []string{"gluetun"}
	// ForwardedPortOf returns 0: the VPN has not reported a port yet.

	f.as.ScaleOnce(context.Background())

	assert.Zero(t, f.prov.attempts)
}

func TestStaleForwardedEngineRecycledWhenIdle(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeSingle
	})
	f.vpn.healthy = []string{"gluetun"}
	f.vpn.ports["gluetun"] = 57611
	f.addEngine("fwd-old", func(e *types.Engine) {
		e.VPNContainer = "gluetun"
		e.Forwarded = true
		e.ForwardedPort = 43437
	})

	f.as.ScaleOnce(context.Background())

	require.Equal(t, []string{"fwd-old"}, f.prov.stopped)
	assert.Equal(t, types.StopReasonPortChange, f.prov.stopReasons["fwd-old"])

	// The successor is elected in the same pass, on the new port.
	require.Len(t, f.prov.provisioned, 1)
	assert.True(t, f.prov.provisioned[0].Forwarded)
	assert.Equal(t, 57611, f.prov.provisioned[0].ForwardedPort)
}

func TestStaleForwardedEngineDrainsBeforeReplacement(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeSingle
	})
	f.vpn.healthy = []string{"gluetun"}
	f.vpn.ports["gluetun"] = 57611
	f.addEngine("fwd-old", func(e *types.Engine) {
		e.VPNContainer = "gluetun"
		e.Forwarded = true
		e.ForwardedPort = 43437
	})
	f.load.pending["fwd-old"] = 1 // still serving

	f.as.ScaleOnce(context.Background())

	assert.Empty(t, f.prov.stopped, "serving engines are never stopped")
	assert.Empty(t, f.prov.provisioned,
		"no second forwarded engine while the stale one drains")
}

func TestIdleEngineRecycledAfterGrace(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.AutoDelete = true
		cfg.EngineGracePeriod = 10 * time.Minute
	})
	f.addEngine("cold", func(e *types.Engine) {
		e.LastStreamUsage = time.Now().Add(-time.Hour)
	})
	f.addEngine("warm", func(e *types.Engine) {
		e.LastStreamUsage = time.Now().Add(-time.Minute)
	})
	f.addEngine("fwd", func(e *types.Engine) {
		e.Forwarded = true
		e.LastStreamUsage = time.Now().Add(-time.Hour)
	})

	f.as.ScaleOnce(context.Background())

	assert.Equal(t, []string{"cold"}, f.prov.stopped)
	assert.Equal(t, types.StopReasonIdle, f.prov.stopReasons["cold"])
}

func TestIdleCleanupDisabledByConfig(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.EngineGracePeriod = 10 * time.Minute
	})
	f.addEngine("cold", func(e *types.Engine) {
		e.LastStreamUsage = time.Now().Add(-time.Hour)
	})

	f.as.ScaleOnce(context.Background())

	assert.Empty(t, f.prov.stopped)
}

func TestIdleCleanupSuspendedDuringVPNRecovery(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.VPNMode = types.VPNModeSingle
		cfg.AutoDelete = true
		cfg.EngineGracePeriod = 10 * time.Minute
	})
	f.vpn.healthy = []string{"gluetun"}
	f.vpn.statuses["gluetun"] = types.VPNStatus{
		Container:     "gluetun",
		Health:        types.VPNHealthy,
		RecoveryUntil: time.Now().Add(time.Minute),
	}
	f.addEngine("cold", func(e *types.Engine) {
		e.VPNContainer = "gluetun"
		e.LastStreamUsage = time.Now().Add(-time.Hour)
	})

	f.as.ScaleOnce(context.Background())

	assert.Empty(t, f.prov.stopped,
		"grace period is suspended while the vpn stabilizes")
}

// The lone free engine is still recycled once its grace expires; the free
// target then brings up a fresh one. Recycling beats pinning because the
// replacement starts with a clean cache.
func TestLoneIdleEngineRecycledThenReplaced(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 1
		cfg.AutoDelete = true
		cfg.EngineGracePeriod = 10 * time.Minute
	})
	f.addEngine("lone", func(e *types.Engine) {
		e.LastStreamUsage = time.Now().Add(-time.Hour)
	})

	f.as.ScaleOnce(context.Background())
	require.Equal(t, []string{"lone"}, f.prov.stopped)
	require.Empty(t, f.engineIDs())

	f.as.ScaleOnce(context.Background())
	require.Len(t, f.prov.provisioned, 1)
	assert.NotEqual(t, []string{"lone"}, f.engineIDs())
	assert.Len(t, f.engineIDs(), 1)
}

func TestScaleToProvisionsUpToTarget(t *testing.T) {
	f := newScalerFixture(t, nil)

	require.NoError(t, f.as.ScaleTo(context.Background(), 3))

	assert.Len(t, f.prov.provisioned, 3)
	assert.Len(t, f.engineIDs(), 3)
}

func TestScaleToRejectsBadTargets(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MaxReplicas = 5
	})

	assert.Error(t, f.as.ScaleTo(context.Background(), -1))
	assert.Error(t, f.as.ScaleTo(context.Background(), 6))
	assert.Zero(t, f.prov.attempts)
}

func TestScaleToStopsWorstEnginesFirst(t *testing.T) {
	f := newScalerFixture(t, nil)
	f.addEngine("sick", func(e *types.Engine) {
		e.Health = types.EngineUnhealthy
		e.LastStreamUsage = time.Now().Add(-time.Minute)
	})
	f.addEngine("stale", func(e *types.Engine) {
		e.LastStreamUsage = time.Now().Add(-time.Hour)
	})
	f.addEngine("fresh", func(e *types.Engine) {
		e.LastStreamUsage = time.Now().Add(-time.Minute)
	})
	f.addEngine("busy", nil)
	f.load.pending["busy"] = 2

	require.NoError(t, f.as.ScaleTo(context.Background(), 1))

	assert.Equal(t, []string{"sick", "stale", "fresh"}, f.prov.stopped,
		"unhealthy go first, then least recently used")
	assert.Equal(t, types.StopReasonScaleDown, f.prov.stopReasons["stale"])
	assert.Equal(t, []string{"busy"}, f.engineIDs())
}

func TestScaleToNeverStopsServingEngines(t *testing.T) {
	f := newScalerFixture(t, nil)
	for _, id := range []string{"s1", "s2", "s3"} {
		f.addEngine(id, nil)
		f.load.pending[id] = 1
	}

	require.NoError(t, f.as.ScaleTo(context.Background(), 1))

	assert.Empty(t, f.prov.stopped,
		"scale-down stops short rather than cutting live streams")
	assert.Len(t, f.engineIDs(), 3)
}

func TestReadyGateBlocksScaling(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 2
	})
	f.as.ready = func() bool { return false }

	f.as.ScaleOnce(context.Background())

	assert.Zero(t, f.prov.attempts,
		"no scaling before the first reconcile has populated state")
}

func TestTriggerRunsImmediatePass(t *testing.T) {
	f := newScalerFixture(t, func(cfg *config.Config) {
		cfg.MinFreeReplicas = 1
		cfg.AutoscaleInterval = time.Hour // only the trigger fires
	})

	f.as.Start()
	f.as.Trigger()

	require.Eventually(t, func() bool {
		return len(f.engineIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.as.Stop()
	assert.Equal(t, 1, f.prov.attempts)
}
