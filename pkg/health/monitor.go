package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/breaker"
	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

// probeTimeout bounds a single engine status probe.
const probeTimeout = 5 * time.Second

// readyPollInterval is how often a replacement engine is re-probed while
// waiting for it to turn healthy.
const readyPollInterval = 2 * time.Second

// Prober issues the engine status probe. Implemented by the engine client.
type Prober interface {
	GetStatus(ctx context.Context, host string, port int) error
}

// VPNView exposes per-VPN status so replacement can be suspended while a VPN
// is stabilizing after reconnect.
type VPNView interface {
	StatusOf(container string) (types.VPNStatus, bool)
}

// Replacer starts replacement engines and stops the ones they replace.
// Implemented by the provisioner; stopping through it is what releases the
// old engine's ports.
type Replacer interface {
	StartReplacement(ctx context.Context, vpnContainer string) (*types.Engine, error)
	StopEngine(ctx context.Context, containerID string, reason types.StopReason) error
}

// Monitor probes running engines on a fixed interval, classifies them
// healthy/unhealthy by consecutive probe failures, and replaces unhealthy
// engines additively: the replacement must be up and healthy before the
// engine it replaces is stopped.
type Monitor struct {
	cfg      *config.Config
	state    *state.Store
	prober   Prober
	replacer Replacer
	breaker  *breaker.Breaker
	vpn      VPNView
	ready    func() bool
	logger   zerolog.Logger

	mu              sync.Mutex
	lastReplacement time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor. ready gates probing until the first
// reconcile pass has populated state; nil means no gate. replacer may be nil,
// which disables replacement but keeps classification running.
func NewMonitor(cfg *config.Config, st *state.Store, prober Prober, replacer Replacer, brk *breaker.Breaker, vpn VPNView, ready func() bool) *Monitor {
	return &Monitor{
		cfg:      cfg,
		state:    st,
		prober:   prober,
		replacer: replacer,
		breaker:  brk,
		vpn:      vpn,
		ready:    ready,
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info().
		Dur("interval", m.cfg.HealthCheckInterval).
		Int("failure_threshold", m.cfg.HealthFailureThreshold).
		Msg("health monitor started")
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckOnce(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// CheckOnce probes every running engine once and then attempts at most one
// replacement. Exported so tests and administrative triggers can drive the
// monitor without the ticker.
func (m *Monitor) CheckOnce(ctx context.Context) {
	if m.ready != nil && !m.ready() {
		m.logger.Debug().Msg("skipping health pass: waiting for first reconcile")
		return
	}

	engines := m.state.ListEngines(state.EngineFilter{State: types.EngineStateRunning})
	for _, e := range engines {
		m.probe(ctx, e)
	}

	m.maybeReplace(ctx)
}

// probe runs one status probe against one engine and records the outcome.
func (m *Monitor) probe(ctx context.Context, e *types.Engine) {
	if m.inStartupGrace(e) {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := m.prober.GetStatus(pctx, e.Host, e.Port)
	cancel()

	if err == nil {
		if _, rerr := m.state.RecordHealthCheck(e.ContainerID, true); rerr != nil {
			m.logger.Debug().Str("engine", e.ContainerID).Msg("engine vanished during health pass")
		}
		return
	}

	failures, rerr := m.state.RecordHealthCheck(e.ContainerID, false)
	if rerr != nil {
		return
	}
	m.logger.Warn().
		Err(err).
		Str("engine", e.ContainerID).
		Int("consecutive_failures", failures).
		Msg("engine health probe failed")

	if failures >= m.cfg.HealthFailureThreshold && e.Health != types.EngineUnhealthy {
		if err := m.state.SetHealth(e.ContainerID, types.EngineUnhealthy); err == nil {
			m.logger.Warn().
				Str("engine", e.ContainerID).
				Int("failures", failures).
				Msg("engine classified unhealthy")
		}
	}
}

// inStartupGrace reports whether the engine is too young to judge. Probe
// failures during the grace window do not count toward the threshold.
func (m *Monitor) inStartupGrace(e *types.Engine) bool {
	if m.cfg.HealthUnhealthyGracePeriod <= 0 {
		return false
	}
	return time.Since(e.FirstSeen) < m.cfg.HealthUnhealthyGracePeriod
}

// maybeReplace starts one additive replacement if an unhealthy engine is
// eligible and the cooldown since the previous replacement has elapsed.
func (m *Monitor) maybeReplace(ctx context.Context) {
	if m.replacer == nil {
		return
	}

	m.mu.Lock()
	onCooldown := time.Since(m.lastReplacement) < m.cfg.HealthReplacementCooldown
	m.mu.Unlock()
	if onCooldown {
		return
	}

	candidates := m.state.ListEngines(state.EngineFilter{
		Health: types.EngineUnhealthy,
		State:  types.EngineStateRunning,
	})
	for _, e := range candidates {
		if m.vpnStabilizing(e.VPNContainer) {
			m.logger.Debug().
				Str("engine", e.ContainerID).
				Str("vpn", e.VPNContainer).
				Msg("replacement deferred: vpn recovering")
			continue
		}
		m.replace(ctx, e)
		return
	}
}

// vpnStabilizing reports whether the engine's VPN is inside its
// post-reconnect stabilization window.
func (m *Monitor) vpnStabilizing(container string) bool {
	if container == "" || m.vpn == nil {
		return false
	}
	st, ok := m.vpn.StatusOf(container)
	return ok && st.InRecoveryWindow(time.Now())
}

// replace performs one additive replacement: start a new engine on the same
// VPN, wait for it to probe healthy, then stop the old one through the
// provisioner. The old engine survives if any step fails.
func (m *Monitor) replace(ctx context.Context, old *types.Engine) {
	if err := m.breaker.Allow(breaker.ClassReplacement); err != nil {
		m.logger.Warn().Err(err).
			Str("engine", old.ContainerID).
			Msg("replacement blocked by circuit breaker")
		return
	}

	if healthy := m.healthyCount(); healthy+1 < m.cfg.MinFreeReplicas {
		m.logger.Warn().
			Int("healthy", healthy).
			Int("min_healthy", m.cfg.MinFreeReplicas).
			Msg("replacement deferred: pool cannot retain minimum healthy engines")
		return
	}

	m.mu.Lock()
	m.lastReplacement = time.Now()
	m.mu.Unlock()

	m.logger.Info().
		Str("engine", old.ContainerID).
		Str("vpn", old.VPNContainer).
		Msg("starting additive replacement")

	replacement, err := m.replacer.StartReplacement(ctx, old.VPNContainer)
	if err != nil {
		m.breaker.RecordFailure(breaker.ClassReplacement)
		m.logger.Error().Err(err).
			Str("engine", old.ContainerID).
			Msg("failed to start replacement engine")
		return
	}
	m.breaker.RecordSuccess(breaker.ClassReplacement)

	if !m.waitHealthy(ctx, replacement) {
		m.logger.Warn().
			Str("engine", old.ContainerID).
			Str("replacement", replacement.ContainerID).
			Msg("replacement engine did not turn healthy, keeping old engine")
		return
	}

	if healthy := m.healthyCount(); healthy < m.cfg.MinFreeReplicas {
		m.logger.Warn().
			Int("healthy", healthy).
			Int("min_healthy", m.cfg.MinFreeReplicas).
			Str("engine", old.ContainerID).
			Msg("keeping unhealthy engine: stopping it would undercut healthy minimum")
		return
	}

	if err := m.replacer.StopEngine(ctx, old.ContainerID, types.StopReasonReplacement); err != nil {
		m.logger.Error().Err(err).
			Str("engine", old.ContainerID).
			Msg("failed to stop replaced engine")
		return
	}

	metrics.ReplacementsTotal.Inc()
	m.logger.Info().
		Str("engine", old.ContainerID).
		Str("replacement", replacement.ContainerID).
		Msg("replacement complete")
}

// waitHealthy probes the replacement until it answers or the ready timeout
// lapses. A success is recorded in state so the engine counts as healthy.
func (m *Monitor) waitHealthy(ctx context.Context, e *types.Engine) bool {
	deadline := time.Now().Add(m.cfg.EngineReadyTimeout)
	for {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := m.prober.GetStatus(pctx, e.Host, e.Port)
		cancel()
		if err == nil {
			m.state.RecordHealthCheck(e.ContainerID, true)
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-time.After(readyPollInterval):
		case <-m.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (m *Monitor) healthyCount() int {
	return len(m.state.ListEngines(state.EngineFilter{Health: types.EngineHealthy}))
}
