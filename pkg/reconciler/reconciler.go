package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

// engineHost is the address adopted engines are reached through. Engine ports
// are always published on the local host, whether directly or via the VPN
// container's published range.
const engineHost = "127.0.0.1"

// PortAccounting is the provisioner subset that keeps the port allocator
// coherent: adopted containers get their label-encoded ports marked in use,
// externally-removed containers get theirs released.
type PortAccounting interface {
	MarkEnginePorts(e *types.Engine) error
	ReleaseEnginePorts(e *types.Engine)
}

// Reconciler keeps the state store in sync with the runtime. Containers
// carrying the management label but missing from state are adopted (ports,
// VPN assignment and forwarded flag restored from labels); state entries
// whose containers are gone are dropped and their ports released. A runtime
// outage leaves the cached state untouched: no removals, no port changes,
// just a warning and a retry next tick.
type Reconciler struct {
	cfg    *config.Config
	rt     runtime.Runtime
	state  *state.Store
	ports  PortAccounting
	logger zerolog.Logger

	// backoff spaces the ListManaged retries within one pass.
	backoff []time.Duration

	firstDone atomic.Bool
	outages   atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reconciler.
func New(cfg *config.Config, rt runtime.Runtime, st *state.Store, ports PortAccounting) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		rt:      rt,
		state:   st,
		ports:   ports,
		logger:  log.WithComponent("reconciler"),
		backoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		stopCh:  make(chan struct{}),
	}
}

// Start launches the reconcile loop with an immediate first pass, so adopted
// state is available before the first monitor tick.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Info().Dur("interval", r.cfg.MonitorInterval).Msg("reconciler started")
}

// Stop halts the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// FirstReconcileDone reports whether at least one pass completed against a
// reachable runtime. The autoscaler and health monitor gate on it so an
// empty boot-time state never drives scaling or replacement decisions.
func (r *Reconciler) FirstReconcileDone() bool {
	return r.firstDone.Load()
}

// ConsecutiveOutages returns how many passes in a row failed to reach the
// runtime. Feeds the composite orchestrator status.
func (r *Reconciler) ConsecutiveOutages() int {
	return int(r.outages.Load())
}

func (r *Reconciler) run() {
	defer r.wg.Done()

	if err := r.ReconcileOnce(context.Background()); err != nil {
		r.logger.Warn().Err(err).Msg("initial reconcile failed")
	}

	ticker := time.NewTicker(r.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.ReconcileOnce(context.Background()); err != nil {
				r.logger.Warn().Err(err).Msg("reconcile failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// ReconcileOnce runs one sync pass. Exported so tests and the orchestrator's
// startup sequence can drive it directly.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	infos, err := r.listManaged(ctx)
	if err != nil {
		n := r.outages.Add(1)
		metrics.ReconcilesTotal.WithLabelValues("outage").Inc()
		metrics.UpdateComponent(metrics.ComponentReconciler, false, "runtime unreachable")
		r.logger.Warn().Err(err).
			Int64("consecutive_failures", n).
			Msg("runtime unavailable, serving from cached state")
		return err
	}
	r.outages.Store(0)
	metrics.ReconcilesTotal.WithLabelValues("ok").Inc()
	metrics.UpdateComponent(metrics.ComponentReconciler, true, "")

	present := make(map[string]bool, len(infos))
	adopted := 0
	for _, info := range infos {
		present[info.ID] = true
		if _, err := r.state.GetEngine(info.ID); err == nil {
			continue
		}
		if !info.Running {
			// Existence is tracked here; a dead container with no state entry
			// is left for the gc endpoint.
			r.logger.Debug().Str("container", info.Name).Msg("managed container not running, skipping adoption")
			continue
		}
		if r.adopt(info) {
			adopted++
		}
	}

	dropped := r.dropMissing(present)

	if r.firstDone.CompareAndSwap(false, true) {
		r.logger.Info().
			Int("engines", r.state.EngineCount()).
			Msg("first reconcile completed")
	}
	if adopted > 0 || dropped > 0 {
		r.logger.Info().
			Int("adopted", adopted).
			Int("dropped", dropped).
			Msg("state reconciled with runtime")
	}
	return nil
}

// listManaged queries the runtime with retries so a blip does not count as an
// outage.
func (r *Reconciler) listManaged(ctx context.Context) ([]*runtime.ContainerInfo, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		infos, err := r.rt.ListManaged(ctx)
		if err == nil {
			return infos, nil
		}
		lastErr = err
		if attempt >= len(r.backoff) {
			return nil, fmt.Errorf("failed to list managed containers after %d attempts: %w", attempt+1, lastErr)
		}
		r.logger.Debug().Err(err).
			Dur("retry_in", r.backoff[attempt]).
			Msg("container listing failed, retrying")
		select {
		case <-time.After(r.backoff[attempt]):
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.stopCh:
			return nil, fmt.Errorf("reconciler stopping: %w", lastErr)
		}
	}
}

// adopt restores an engine record from a managed container's labels.
func (r *Reconciler) adopt(info *runtime.ContainerInfo) bool {
	e, err := types.DecodeEngineLabels(info.Labels)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("container", info.Name).
			Msg("managed container has unusable labels, not adopting")
		return false
	}
	e.ContainerID = info.ID
	e.ContainerName = info.Name
	e.Host = engineHost
	e.State = types.EngineStateRunning
	e.FirstSeen = info.CreatedAt
	if e.Port == 0 {
		// A VPN engine is reached through the VPN's published port, which is
		// the same lease as its internal port.
		e.Port = e.InternalHTTPPort
	}

	if err := r.ports.MarkEnginePorts(e); err != nil {
		r.logger.Warn().Err(err).
			Str("engine", info.Name).
			Msg("failed to mark adopted ports in use")
	}
	r.state.UpsertEngine(e)

	r.logger.Info().
		Str("engine", info.Name).
		Str("vpn", e.VPNContainer).
		Bool("forwarded", e.Forwarded).
		Int("host_port", e.Port).
		Msg("adopted engine from runtime")
	return true
}

// dropMissing removes state engines whose containers are gone from the
// runtime and releases their ports. This is the only path by which an
// externally-removed container leaves state. Engines inside the startup
// window are left alone so a provision racing this pass is not torn down.
func (r *Reconciler) dropMissing(present map[string]bool) int {
	dropped := 0
	for _, e := range r.state.ListEngines(state.EngineFilter{}) {
		if present[e.ContainerID] {
			continue
		}
		if time.Since(e.FirstSeen) < r.cfg.EngineReadyTimeout {
			continue
		}
		removed, err := r.state.RemoveEngine(e.ContainerID)
		if err != nil {
			continue
		}
		r.ports.ReleaseEnginePorts(removed)
		dropped++
		r.logger.Info().
			Str("engine", e.ContainerID).
			Int("active_streams", e.ActiveStreamCount()).
			Msg("container gone from runtime, dropped from state")
	}
	return dropped
}

// GC removes managed containers that exist but no longer run: crashed
// engines, leftovers from a previous process, containers stopped behind our
// back. Sync passes deliberately leave these alone (a dead container is the
// health monitor's replacement signal); GC is the explicit cleanup for
// operators. Returns the IDs of the containers removed.
func (r *Reconciler) GC(ctx context.Context) ([]string, error) {
	infos, err := r.rt.ListManaged(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list managed containers: %w", err)
	}

	var removed []string
	for _, info := range infos {
		if info.Running {
			continue
		}
		if err := r.rt.Remove(ctx, info.ID); err != nil {
			r.logger.Warn().Err(err).Str("container", info.ID).Msg("gc remove failed")
			continue
		}
		if e, err := r.state.RemoveEngine(info.ID); err == nil {
			r.ports.ReleaseEnginePorts(e)
		}
		removed = append(removed, info.ID)
		r.logger.Info().Str("container", info.ID).Str("name", info.Name).Msg("gc removed dead container")
	}
	return removed, nil
}
