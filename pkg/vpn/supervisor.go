package vpn

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/types"
)

// EngineProber checks tunnel connectivity through an engine. Implemented by
// the engine client.
type EngineProber interface {
	ConnectionStatus(ctx context.Context, host string, port int) (bool, error)
}

// EngineSource lists the engines assigned to a VPN container. Implemented by
// the state store through a small adapter at wiring time.
type EngineSource interface {
	EnginesOnVPN(container string) []*types.Engine
}

// Supervisor runs one control loop per VPN container. Each loop classifies
// tunnel health, tracks the provider-forwarded port, force-restarts a
// prolonged-unhealthy container and reports transitions and port changes to
// the handlers wired in at startup.
type Supervisor struct {
	cfg     *config.Config
	rt      runtime.Runtime
	gluetun *GluetunClient
	prober  EngineProber
	engines EngineSource
	logger  zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]*vpnState

	onTransition func(types.VPNTransition)
	onPortChange func(container string, oldPort, newPort int)
	onReconnect  func(container string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type vpnState struct {
	types.VPNStatus
	lastRestart time.Time
}

// NewSupervisor creates a supervisor for the configured VPN containers. With
// VPN mode disabled it supervises nothing and every query answers benignly.
func NewSupervisor(cfg *config.Config, rt runtime.Runtime, gluetun *GluetunClient, prober EngineProber, engines EngineSource) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		rt:       rt,
		gluetun:  gluetun,
		prober:   prober,
		engines:  engines,
		logger:   log.WithComponent("vpn"),
		statuses: make(map[string]*vpnState),
		stopCh:   make(chan struct{}),
	}
	for _, container := range cfg.VPNContainers() {
		s.statuses[container] = &vpnState{
			VPNStatus: types.VPNStatus{Container: container, Health: types.VPNUnknown},
		}
	}
	return s
}

// SetTransitionHandler registers the health transition callback. Must be
// called before Start.
func (s *Supervisor) SetTransitionHandler(fn func(types.VPNTransition)) { s.onTransition = fn }

// SetPortChangeHandler registers the forwarded-port change callback.
func (s *Supervisor) SetPortChangeHandler(fn func(container string, oldPort, newPort int)) {
	s.onPortChange = fn
}

// SetReconnectHandler registers the unhealthy-to-healthy callback, invoked
// only when restart-engines-on-reconnect is configured.
func (s *Supervisor) SetReconnectHandler(fn func(container string)) { s.onReconnect = fn }

// Start launches one polling loop per supervised container.
func (s *Supervisor) Start() {
	for container := range s.statuses {
		s.wg.Add(1)
		go s.run(container)
	}
	if len(s.statuses) > 0 {
		s.logger.Info().
			Int("containers", len(s.statuses)).
			Dur("interval", s.cfg.GluetunHealthCheckInterval).
			Msg("vpn supervisor started")
	}
}

// Stop ends the loops at their next check boundary.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Supervisor) run(container string) {
	defer s.wg.Done()

	// Classify immediately so startup does not wait one full interval.
	s.poll(container)

	ticker := time.NewTicker(s.cfg.GluetunHealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.poll(container)
		}
	}
}

// poll performs one classification iteration for a container.
func (s *Supervisor) poll(container string) {
	ctx, cancel := context.WithTimeout(context.Background(), runtime.VPNOpTimeout)
	defer cancel()

	verdict := types.VPNUnhealthy
	connected := false

	info, err := s.rt.Inspect(ctx, container)
	running := err == nil && info.Running
	if err != nil {
		s.logger.Warn().Err(err).Str("vpn", container).Msg("vpn container inspect failed")
	}

	if running {
		healthy, herr := s.gluetun.Healthy(ctx, container)
		switch {
		case herr == nil && healthy:
			verdict = types.VPNHealthy
			connected = true
		default:
			// Control API says down or is unreachable; ask the engines
			// inside the namespace before believing it.
			if s.doubleCheck(ctx, container) {
				verdict = types.VPNHealthy
				connected = true
			}
		}
	}

	now := time.Now()
	s.mu.Lock()
	st := s.statuses[container]
	old := st.Health
	st.Health = verdict
	st.Connected = connected
	if verdict == types.VPNHealthy {
		st.LastHealthy = now
		st.UnhealthySince = time.Time{}
	} else if st.UnhealthySince.IsZero() {
		st.UnhealthySince = now
	}
	unhealthyFor := time.Duration(0)
	if !st.UnhealthySince.IsZero() {
		unhealthyFor = now.Sub(st.UnhealthySince)
	}
	sinceRestart := now.Sub(st.lastRestart)
	oldPort := st.ForwardedPort
	s.mu.Unlock()

	if verdict == types.VPNHealthy {
		s.trackForwardedPort(ctx, container, oldPort, old != types.VPNHealthy)
	}

	if old != verdict {
		s.handleTransition(ctx, container, old, verdict)
	}

	if verdict == types.VPNUnhealthy &&
		unhealthyFor >= s.cfg.VPNUnhealthyRestartTimeout &&
		sinceRestart >= s.cfg.VPNUnhealthyRestartTimeout {
		s.forceRestart(container, unhealthyFor)
	}
}

// trackForwardedPort records the current forwarded port and emits a port
// change when it moved. After a reconnect the cache is bypassed: the
// provider almost certainly assigned a new port and serving the cached one
// for up to a TTL would delay recovery.
func (s *Supervisor) trackForwardedPort(ctx context.Context, container string, oldPort int, justRecovered bool) {
	port, err := s.gluetun.ForwardedPort(ctx, container, justRecovered)
	if err != nil {
		s.logger.Warn().Err(err).Str("vpn", container).Msg("forwarded port fetch failed")
		return
	}

	s.mu.Lock()
	st := s.statuses[container]
	st.ForwardedPort = port
	s.mu.Unlock()

	if oldPort != 0 && port != 0 && port != oldPort {
		s.logger.Warn().
			Str("vpn", container).
			Int("old_port", oldPort).
			Int("new_port", port).
			Msg("vpn forwarded port changed")
		metrics.VPNPortChangesTotal.WithLabelValues(container).Inc()
		s.openRecoveryWindow(container)
		if s.onPortChange != nil {
			s.onPortChange(container, oldPort, port)
		}
	}
}

func (s *Supervisor) handleTransition(ctx context.Context, container string, old, new types.VPNHealth) {
	s.mu.Lock()
	st := s.statuses[container]
	port := st.ForwardedPort
	s.mu.Unlock()

	s.logger.Info().
		Str("vpn", container).
		Str("old", string(old)).
		Str("new", string(new)).
		Int("forwarded_port", port).
		Msg("vpn health transition")

	if new == types.VPNHealthy {
		if ip, err := s.gluetun.PublicIP(ctx, container); err == nil {
			s.mu.Lock()
			st.PublicIP = ip
			s.mu.Unlock()
		}
	}

	if old == types.VPNUnhealthy && new == types.VPNHealthy {
		s.openRecoveryWindow(container)
		if s.cfg.VPNRestartEnginesOnReconnect && s.onReconnect != nil {
			s.onReconnect(container)
		}
	}

	if s.onTransition != nil {
		s.onTransition(types.VPNTransition{
			Container:     container,
			OldHealth:     old,
			NewHealth:     new,
			ForwardedPort: port,
			At:            time.Now(),
		})
	}
}

// doubleCheck asks each engine on the VPN for its own connectivity verdict.
// Any engine reporting connected means the tunnel carries traffic. No
// engines is inconclusive and does not overturn the unhealthy verdict.
func (s *Supervisor) doubleCheck(ctx context.Context, container string) bool {
	if s.prober == nil || s.engines == nil {
		return false
	}
	for _, e := range s.engines.EnginesOnVPN(container) {
		if e.State != types.EngineStateRunning {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		connected, err := s.prober.ConnectionStatus(probeCtx, e.Host, e.Port)
		cancel()
		if err == nil && connected {
			s.logger.Info().
				Str("vpn", container).
				Str("engine", e.ContainerID).
				Msg("vpn classified healthy via engine double-check")
			return true
		}
	}
	return false
}

func (s *Supervisor) forceRestart(container string, unhealthyFor time.Duration) {
	s.logger.Warn().
		Str("vpn", container).
		Dur("unhealthy_for", unhealthyFor).
		Msg("force restarting vpn container")

	ctx, cancel := context.WithTimeout(context.Background(), runtime.VPNOpTimeout)
	defer cancel()
	if err := s.rt.Restart(ctx, container, 10*time.Second); err != nil {
		s.logger.Error().Err(err).Str("vpn", container).Msg("vpn restart failed")
	}
	s.gluetun.InvalidatePortCache(container)

	now := time.Now()
	s.mu.Lock()
	st := s.statuses[container]
	st.lastRestart = now
	// Reset the timer so the next restart only fires after another full
	// timeout of continued unhealthiness.
	st.UnhealthySince = now
	s.mu.Unlock()
}

func (s *Supervisor) openRecoveryWindow(container string) {
	s.mu.Lock()
	s.statuses[container].RecoveryUntil = time.Now().Add(s.cfg.VPNRecoveryWindow)
	s.mu.Unlock()
}

// Status returns a copy of every supervised VPN's state, ordered by
// container name.
func (s *Supervisor) Status() []types.VPNStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.VPNStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st.VPNStatus)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Container < out[j].Container })
	return out
}

// StatusOf returns one VPN's state.
func (s *Supervisor) StatusOf(container string) (types.VPNStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[container]
	if !ok {
		return types.VPNStatus{}, false
	}
	return st.VPNStatus, true
}

// EngineAllowed reports whether an engine bound to the given VPN may serve
// streams: either it has no VPN, or its VPN is currently healthy.
func (s *Supervisor) EngineAllowed(vpnContainer string) bool {
	if vpnContainer == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[vpnContainer]
	return ok && st.Health == types.VPNHealthy
}

// AnyHealthy reports whether at least one supervised VPN is healthy. With no
// supervised VPNs (mode disabled) it returns true.
func (s *Supervisor) AnyHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.statuses) == 0 {
		return true
	}
	for _, st := range s.statuses {
		if st.Health == types.VPNHealthy {
			return true
		}
	}
	return false
}

// HealthyContainers lists the currently healthy VPNs, sorted.
func (s *Supervisor) HealthyContainers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for name, st := range s.statuses {
		if st.Health == types.VPNHealthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ForwardedPortOf returns the last observed forwarded port for a VPN, zero
// when none.
func (s *Supervisor) ForwardedPortOf(container string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[container]
	if !ok {
		return 0
	}
	return st.ForwardedPort
}

// InRecovery reports whether any supervised VPN is inside its stabilization
// window. The autoscaler suspends idle cleanup and replacement while true.
func (s *Supervisor) InRecovery() bool {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.statuses {
		if st.InRecoveryWindow(now) {
			return true
		}
	}
	return false
}
