package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/acepool/acepool/pkg/api"
	"github.com/acepool/acepool/pkg/breaker"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

// runtimeOutageTolerance is how many consecutive failed reconcile passes the
// pool absorbs before the composite status flips to unavailable.
const runtimeOutageTolerance = 3

// Status computes the composite pool condition for GET /orchestrator/status.
func (o *Orchestrator) Status() *api.Status {
	s := &api.Status{
		Overall:  types.StatusHealthy,
		Version:  o.version,
		Breakers: o.brk.Snapshot(),
		Reconciler: api.ReconcilerStatus{
			FirstSyncDone:      o.rec.FirstReconcileDone(),
			ConsecutiveOutages: o.rec.ConsecutiveOutages(),
		},
	}
	if !o.started.IsZero() {
		s.Uptime = time.Since(o.started).Round(time.Second).String()
	}

	engines := o.state.ListEngines(state.EngineFilter{})
	s.Engines.Total = len(engines)
	for _, e := range engines {
		switch e.Health {
		case types.EngineHealthy:
			s.Engines.Healthy++
			if e.ActiveStreamCount() == 0 && e.State == types.EngineStateRunning {
				s.Engines.Free++
			}
		case types.EngineUnhealthy:
			s.Engines.Unhealthy++
		}
		if e.State == types.EngineStateStarting {
			s.Engines.Starting++
		}
	}

	s.Streams.Active = len(o.state.ListStreams(state.StreamFilter{Status: types.StreamStarted}))
	for _, b := range o.mux.Broadcasters() {
		s.Streams.Broadcasters++
		s.Streams.Clients += b.ClientCount()
	}

	s.VPN.Mode = string(o.cfg.VPNMode)
	healthyVPNs, downVPNs := 0, 0
	if o.vpn != nil {
		s.VPN.Containers = o.vpn.Status()
		for _, vs := range s.VPN.Containers {
			switch vs.Health {
			case types.VPNHealthy:
				healthyVPNs++
			case types.VPNUnhealthy:
				downVPNs++
			}
		}
		s.VPN.Connected = healthyVPNs > 0
	}

	s.Provisioning = o.provisioningStatus(s.Engines.Total, healthyVPNs)
	s.Overall = o.overall(s, downVPNs)
	return s
}

// provisioningStatus mirrors the gate order a provision request walks:
// capacity, VPN placement, breaker. The breaker check reads the snapshot so
// probing status never consumes a half-open trial.
func (o *Orchestrator) provisioningStatus(total, healthyVPNs int) api.ProvisioningStatus {
	if total >= o.cfg.MaxReplicas {
		return api.ProvisioningStatus{
			BlockedReason:        api.CodeMaxCapacity,
			BlockedReasonDetails: fmt.Sprintf("pool is at %d/%d engines", total, o.cfg.MaxReplicas),
		}
	}
	if o.vpn != nil && healthyVPNs == 0 {
		return api.ProvisioningStatus{
			BlockedReason:        api.CodeVPNDisconnected,
			BlockedReasonDetails: "no healthy VPN available for engine placement",
		}
	}
	for _, snap := range o.brk.Snapshot() {
		if snap.Class != breaker.ClassGeneral {
			continue
		}
		if snap.State == breaker.StateOpen {
			return api.ProvisioningStatus{
				BlockedReason: api.CodeCircuitBreaker,
				BlockedReasonDetails: fmt.Sprintf("circuit breaker open after %d consecutive failures, recovery in %.0fs",
					snap.ConsecutiveFailures, snap.RecoveryETASeconds),
			}
		}
	}
	return api.ProvisioningStatus{CanProvision: true}
}

// overall folds the component views into one verdict. A VPN that has not
// been classified yet counts as neither healthy nor down, so a freshly
// started pool is not declared unavailable before the first VPN poll.
func (o *Orchestrator) overall(s *api.Status, downVPNs int) types.OverallStatus {
	if s.Reconciler.ConsecutiveOutages > runtimeOutageTolerance {
		return types.StatusUnavailable
	}
	if o.cfg.VPNMode == types.VPNModeRedundant && downVPNs > 0 && downVPNs == len(s.VPN.Containers) {
		return types.StatusUnavailable
	}

	degraded := s.Engines.Unhealthy > 0 || s.Engines.Total >= o.cfg.MaxReplicas || downVPNs > 0
	for _, snap := range s.Breakers {
		if snap.State != breaker.StateClosed {
			degraded = true
		}
	}
	if degraded {
		return types.StatusDegraded
	}
	return types.StatusHealthy
}

// RunGC removes dead managed containers and prunes cache directories that no
// live engine owns. A cache sweep failure degrades the report rather than
// failing the whole pass; the container sweep is the part that matters.
func (o *Orchestrator) RunGC(ctx context.Context) (*api.GCReport, error) {
	removed, err := o.rec.GC(ctx)
	if err != nil {
		return nil, err
	}
	report := &api.GCReport{RemovedContainers: removed}

	active := make(map[string]bool)
	for _, e := range o.state.ListEngines(state.EngineFilter{}) {
		active[e.ContainerName] = true
	}
	pruned, err := o.cache.PruneOrphans(active)
	if err != nil {
		o.logger.Warn().Err(err).Msg("cache prune failed during gc")
	}
	report.PrunedCacheDirs = pruned
	return report, nil
}
