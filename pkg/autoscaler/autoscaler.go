package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/breaker"
	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/provisioner"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

var errNoHealthyVPN = fmt.Errorf("no vpn available for placement: %w", types.ErrVPNUnhealthy)

// Provider is the provisioner subset the autoscaler drives. Stops go through
// it so ports are always released.
type Provider interface {
	Provision(ctx context.Context, req provisioner.Request) (*types.Engine, error)
	StopEngine(ctx context.Context, containerID string, reason types.StopReason) error
}

// VPNView exposes the placement inputs: which VPNs are healthy, their
// forwarded ports, and their recovery windows.
type VPNView interface {
	HealthyContainers() []string
	ForwardedPortOf(container string) int
	StatusOf(container string) (types.VPNStatus, bool)
}

// LoadView reports an engine's effective load (active streams plus pending
// reservations). Implemented by the selector.
type LoadView interface {
	EffectiveLoad(e *types.Engine) int
}

// Autoscaler keeps the pool sized to demand: it tops up free engines, adds
// capacity ahead of saturation, elects one forwarded engine per healthy VPN,
// and recycles engines that sat idle past their grace period.
type Autoscaler struct {
	cfg     *config.Config
	state   *state.Store
	prov    Provider
	load    LoadView
	vpn     VPNView
	breaker *breaker.Breaker
	ready   func() bool
	logger  zerolog.Logger

	// mu serializes scale passes: the ticker loop and ScaleTo calls from the
	// API must never interleave their provision/stop decisions.
	mu        sync.Mutex
	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates an autoscaler. vpn may be nil when VPN mode is disabled; ready
// gates passes until the first reconcile has populated state, nil means no
// gate.
func New(cfg *config.Config, st *state.Store, prov Provider, load LoadView, vpn VPNView, brk *breaker.Breaker, ready func() bool) *Autoscaler {
	return &Autoscaler{
		cfg:       cfg,
		state:     st,
		prov:      prov,
		load:      load,
		vpn:       vpn,
		breaker:   brk,
		ready:     ready,
		logger:    log.WithComponent("autoscaler"),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the scale loop.
func (a *Autoscaler) Start() {
	a.wg.Add(1)
	go a.run()
	a.logger.Info().
		Dur("interval", a.cfg.AutoscaleInterval).
		Int("min_free", a.cfg.MinFreeReplicas).
		Int("max_replicas", a.cfg.MaxReplicas).
		Msg("autoscaler started")
}

// Stop halts the scale loop and waits for it to exit.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

// Trigger requests an immediate pass. Multiple triggers between passes
// coalesce into one.
func (a *Autoscaler) Trigger() {
	select {
	case a.triggerCh <- struct{}{}:
	default:
	}
}

func (a *Autoscaler) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.AutoscaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.ScaleOnce(context.Background())
		case <-a.triggerCh:
			a.ScaleOnce(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

// ScaleOnce runs one full pass: scale up, elect forwarded engines, recycle
// idle ones. Exported so tests and administrative triggers can drive the
// controller without the ticker.
func (a *Autoscaler) ScaleOnce(ctx context.Context) {
	if a.ready != nil && !a.ready() {
		a.logger.Debug().Msg("skipping scale pass: waiting for first reconcile")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.scaleUp(ctx)
	a.electForwarded(ctx)
	a.cleanupIdle(ctx)
}

// active lists engines that count against the replica cap: everything not on
// its way out.
func (a *Autoscaler) active() []*types.Engine {
	var out []*types.Engine
	for _, e := range a.state.ListEngines(state.EngineFilter{}) {
		switch e.State {
		case types.EngineStateStopping, types.EngineStateStopped:
		default:
			out = append(out, e)
		}
	}
	return out
}

// scaleUp provisions engines for the lookahead and free-replica triggers,
// bounded by the replica cap.
func (a *Autoscaler) scaleUp(ctx context.Context) {
	engines := a.active()
	total := len(engines)

	need := a.minFreeDeficit(engines)
	if n := a.lookahead(engines); n > need {
		need = n
	}
	if need == 0 {
		return
	}
	if room := a.cfg.MaxReplicas - total; need > room {
		if room <= 0 {
			a.logger.Debug().
				Int("total", total).
				Int("max_replicas", a.cfg.MaxReplicas).
				Msg("scale-up needed but pool is at max replicas")
			return
		}
		need = room
	}

	a.logger.Info().Int("engines", need).Int("total", total).Msg("scaling up")
	a.provisionN(ctx, need)
}

// lookahead returns 1 when some running engine is within the slack of its
// stream cap and no spare is standing by, so a fresh engine is ready before
// the last slot is consumed. Each layer filling up triggers the next engine;
// once the spare exists the trigger goes quiet until that layer fills too.
func (a *Autoscaler) lookahead(engines []*types.Engine) int {
	threshold := a.cfg.MaxStreamsPerEngine - a.cfg.ScaleLookaheadSlack
	if threshold < 1 {
		threshold = 1
	}
	nearCap := false
	for _, e := range engines {
		if e.State != types.EngineStateRunning {
			continue
		}
		load := a.load.EffectiveLoad(e)
		if load == 0 && e.Health == types.EngineHealthy {
			return 0
		}
		if load >= threshold {
			nearCap = true
		}
	}
	if nearCap {
		return 1
	}
	return 0
}

// minFreeDeficit returns how many engines are missing from the free-replica
// target: healthy, running, zero effective load.
func (a *Autoscaler) minFreeDeficit(engines []*types.Engine) int {
	free := 0
	for _, e := range engines {
		if e.State == types.EngineStateRunning &&
			e.Health == types.EngineHealthy &&
			a.load.EffectiveLoad(e) == 0 {
			free++
		}
	}
	if free >= a.cfg.MinFreeReplicas {
		return 0
	}
	return a.cfg.MinFreeReplicas - free
}

// provisionN creates n engines one at a time through the general breaker,
// stopping at the first blocked or failed attempt; the next pass retries.
func (a *Autoscaler) provisionN(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		vpnContainer, err := a.pickVPN()
		if err != nil {
			a.logger.Warn().Err(err).Msg("scale-up deferred")
			return
		}
		if err := a.breaker.Allow(breaker.ClassGeneral); err != nil {
			a.logger.Warn().Err(err).Msg("scale-up blocked by circuit breaker")
			return
		}

		eng, err := a.prov.Provision(ctx, provisioner.Request{VPNContainer: vpnContainer})
		if err != nil {
			a.breaker.RecordFailure(breaker.ClassGeneral)
			a.logger.Error().Err(err).Str("vpn", vpnContainer).Msg("scale-up provision failed")
			return
		}
		a.breaker.RecordSuccess(breaker.ClassGeneral)
		metrics.ScaleOperationsTotal.WithLabelValues("up").Inc()

		a.logger.Info().
			Str("engine", eng.ContainerID).
			Str("vpn", eng.VPNContainer).
			Msg("engine added")
	}
}

// pickVPN chooses the healthy VPN with the fewest engines. In VPN mode with
// no healthy VPN it refuses placement rather than silently bypassing the
// tunnel.
func (a *Autoscaler) pickVPN() (string, error) {
	if a.vpn == nil || a.cfg.VPNMode == types.VPNModeDisabled {
		return "", nil
	}
	healthy := a.vpn.HealthyContainers()
	if len(healthy) == 0 {
		return "", errNoHealthyVPN
	}

	counts := make(map[string]int, len(healthy))
	for _, e := range a.active() {
		counts[e.VPNContainer]++
	}

	best := healthy[0]
	for _, v := range healthy[1:] {
		if counts[v] < counts[best] {
			best = v
		}
	}
	return best, nil
}

// electForwarded ensures each healthy VPN has exactly one engine holding its
// forwarded P2P port.
func (a *Autoscaler) electForwarded(ctx context.Context) {
	if a.vpn == nil || a.cfg.VPNMode == types.VPNModeDisabled {
		return
	}
	for _, vpnContainer := range a.vpn.HealthyContainers() {
		a.electForwardedOn(ctx, vpnContainer)
	}
}

func (a *Autoscaler) electForwardedOn(ctx context.Context, vpnContainer string) {
	port := a.vpn.ForwardedPortOf(vpnContainer)
	if port == 0 {
		// The VPN has not reported a forwarded port yet.
		return
	}

	var current, draining int
	for _, e := range a.active() {
		if e.VPNContainer != vpnContainer || !e.Forwarded {
			continue
		}
		if e.ForwardedPort == port {
			current++
			continue
		}
		// Stale port. The VPN port-change handler stops these immediately;
		// this is the backstop for ones it missed, once they are idle.
		if a.load.EffectiveLoad(e) > 0 {
			draining++
			continue
		}
		if err := a.prov.StopEngine(ctx, e.ContainerID, types.StopReasonPortChange); err != nil {
			a.logger.Error().Err(err).
				Str("engine", e.ContainerID).
				Msg("failed to stop stale forwarded engine")
			draining++
			continue
		}
		metrics.ScaleOperationsTotal.WithLabelValues("down").Inc()
		a.logger.Info().
			Str("engine", e.ContainerID).
			Int("old_port", e.ForwardedPort).
			Int("port", port).
			Msg("stale forwarded engine stopped")
	}

	if current > 0 {
		if current > 1 {
			a.logger.Warn().
				Str("vpn", vpnContainer).
				Int("forwarded", current).
				Msg("more than one forwarded engine on vpn")
		}
		return
	}
	if draining > 0 {
		// Never run two forwarded engines on one VPN; wait for the stale one
		// to drain.
		a.logger.Debug().Str("vpn", vpnContainer).Msg("waiting for stale forwarded engine to drain")
		return
	}

	if total := len(a.active()); total >= a.cfg.MaxReplicas {
		a.logger.Warn().
			Str("vpn", vpnContainer).
			Int("total", total).
			Msg("forwarded engine needed but pool is at max replicas")
		return
	}
	if err := a.breaker.Allow(breaker.ClassGeneral); err != nil {
		a.logger.Warn().Err(err).Str("vpn", vpnContainer).Msg("forwarded election blocked by circuit breaker")
		return
	}

	eng, err := a.prov.Provision(ctx, provisioner.Request{
		VPNContainer:  vpnContainer,
		Forwarded:     true,
		ForwardedPort: port,
	})
	if err != nil {
		a.breaker.RecordFailure(breaker.ClassGeneral)
		a.logger.Error().Err(err).Str("vpn", vpnContainer).Msg("failed to provision forwarded engine")
		return
	}
	a.breaker.RecordSuccess(breaker.ClassGeneral)
	metrics.ScaleOperationsTotal.WithLabelValues("up").Inc()

	a.logger.Info().
		Str("engine", eng.ContainerID).
		Str("vpn", vpnContainer).
		Int("port", port).
		Msg("forwarded engine elected")
}

// cleanupIdle recycles engines that sat without load past the grace period.
// Forwarded engines are exempt, as are engines whose VPN is stabilizing
// after a reconnect. The free-replica target re-provisions a fresh engine on
// the next pass, which is the point: recycled engines come back with a clean
// cache.
func (a *Autoscaler) cleanupIdle(ctx context.Context) {
	if !a.cfg.AutoDelete {
		return
	}

	now := time.Now()
	for _, e := range a.active() {
		if e.State != types.EngineStateRunning || e.Forwarded {
			continue
		}
		if a.load.EffectiveLoad(e) > 0 {
			continue
		}
		if now.Sub(a.idleSince(e)) < a.cfg.EngineGracePeriod {
			continue
		}
		if a.vpnStabilizing(e.VPNContainer) {
			a.logger.Debug().
				Str("engine", e.ContainerID).
				Str("vpn", e.VPNContainer).
				Msg("idle cleanup deferred: vpn recovering")
			continue
		}

		if err := a.prov.StopEngine(ctx, e.ContainerID, types.StopReasonIdle); err != nil {
			a.logger.Error().Err(err).Str("engine", e.ContainerID).Msg("failed to stop idle engine")
			continue
		}
		metrics.ScaleOperationsTotal.WithLabelValues("down").Inc()
		a.logger.Info().
			Str("engine", e.ContainerID).
			Dur("idle", now.Sub(a.idleSince(e))).
			Msg("idle engine recycled")
	}
}

// idleSince is the moment the engine last did useful work.
func (a *Autoscaler) idleSince(e *types.Engine) time.Time {
	if !e.LastStreamUsage.IsZero() {
		return e.LastStreamUsage
	}
	return e.FirstSeen
}

// vpnStabilizing reports whether the engine's VPN is inside its
// post-reconnect stabilization window.
func (a *Autoscaler) vpnStabilizing(container string) bool {
	if container == "" || a.vpn == nil {
		return false
	}
	st, ok := a.vpn.StatusOf(container)
	return ok && st.InRecoveryWindow(time.Now())
}

// ScaleTo drives the pool to exactly n engines. Scale-up goes through the
// breaker like any provisioning; scale-down stops only engines without
// effective load, preferring unhealthy ones, then idle non-forwarded by
// least recent use.
func (a *Autoscaler) ScaleTo(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("scale target must be >= 0, got %d", n)
	}
	if n > a.cfg.MaxReplicas {
		return fmt.Errorf("scale target %d exceeds max replicas %d", n, a.cfg.MaxReplicas)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	engines := a.active()
	total := len(engines)

	switch {
	case n > total:
		a.logger.Info().Int("from", total).Int("to", n).Msg("manual scale up")
		a.provisionN(ctx, n-total)
	case n < total:
		a.logger.Info().Int("from", total).Int("to", n).Msg("manual scale down")
		a.scaleDown(ctx, engines, total-n)
	}
	return nil
}

// ProvisionOne adds a single engine on demand, applying the same placement,
// capacity, and breaker policy as a scale-up pass. Unlike the pass it returns
// the outcome to the caller: types.ErrMaxReplicas at the cap,
// types.ErrVPNUnhealthy without a placement target, *breaker.OpenError while
// the breaker holds, or the provisioner's error.
func (a *Autoscaler) ProvisionOne(ctx context.Context) (*types.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if total := len(a.active()); total >= a.cfg.MaxReplicas {
		return nil, fmt.Errorf("pool is at %d engines: %w", total, types.ErrMaxReplicas)
	}

	vpnContainer, err := a.pickVPN()
	if err != nil {
		return nil, err
	}
	if err := a.breaker.Allow(breaker.ClassGeneral); err != nil {
		return nil, err
	}

	eng, err := a.prov.Provision(ctx, provisioner.Request{VPNContainer: vpnContainer})
	if err != nil {
		a.breaker.RecordFailure(breaker.ClassGeneral)
		return nil, err
	}
	a.breaker.RecordSuccess(breaker.ClassGeneral)
	metrics.ScaleOperationsTotal.WithLabelValues("up").Inc()

	a.logger.Info().
		Str("engine", eng.ContainerID).
		Str("vpn", eng.VPNContainer).
		Msg("engine added on request")
	return eng, nil
}

func (a *Autoscaler) scaleDown(ctx context.Context, engines []*types.Engine, count int) {
	victims := a.pickVictims(engines, count)
	if len(victims) < count {
		a.logger.Warn().
			Int("requested", count).
			Int("eligible", len(victims)).
			Msg("scale-down target unreachable: remaining engines are serving streams")
	}
	for _, e := range victims {
		if err := a.prov.StopEngine(ctx, e.ContainerID, types.StopReasonScaleDown); err != nil {
			a.logger.Error().Err(err).Str("engine", e.ContainerID).Msg("failed to stop engine")
			continue
		}
		metrics.ScaleOperationsTotal.WithLabelValues("down").Inc()
		a.logger.Info().Str("engine", e.ContainerID).Msg("engine removed")
	}
}

// pickVictims orders removable engines: unhealthy first, then non-forwarded
// before forwarded, then least recently used. Engines with effective load
// are never picked.
func (a *Autoscaler) pickVictims(engines []*types.Engine, count int) []*types.Engine {
	var pool []*types.Engine
	for _, e := range engines {
		if a.load.EffectiveLoad(e) > 0 {
			continue
		}
		pool = append(pool, e)
	}

	sort.Slice(pool, func(i, j int) bool {
		ei, ej := pool[i], pool[j]
		if ui, uj := ei.Health == types.EngineUnhealthy, ej.Health == types.EngineUnhealthy; ui != uj {
			return ui
		}
		if ei.Forwarded != ej.Forwarded {
			return !ei.Forwarded
		}
		return a.idleSince(ei).Before(a.idleSince(ej))
	})

	if len(pool) > count {
		pool = pool[:count]
	}
	return pool
}
