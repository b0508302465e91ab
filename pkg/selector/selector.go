package selector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

// VPNView answers whether an engine's VPN assignment permits serving.
// Implemented by the VPN supervisor.
type VPNView interface {
	EngineAllowed(vpnContainer string) bool
}

// StateSource provides point-in-time engine snapshots.
type StateSource interface {
	Snapshot() *state.Snapshot
}

// Selector picks the engine for the next stream using layer-fill ordering:
// least effective load first, so N engines at equal load receive new streams
// round-robin instead of piling onto one. Effective load counts streams the
// engine is serving plus reservations handed out but not yet confirmed by a
// stream_started event.
type Selector struct {
	state      StateSource
	vpn        VPNView
	maxStreams int
	expiry     time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	pending map[string][]time.Time
}

// New creates a selector. maxStreams caps streams per engine; expiry bounds
// how long an unconfirmed reservation counts against an engine.
func New(st StateSource, vpn VPNView, maxStreams int, expiry time.Duration) *Selector {
	return &Selector{
		state:      st,
		vpn:        vpn,
		maxStreams: maxStreams,
		expiry:     expiry,
		logger:     log.WithComponent("selector"),
		pending:    make(map[string][]time.Time),
	}
}

// Select returns the engine for the next stream and reserves a slot on it.
// The caller must call ReleasePending once stream_started lands in state, or
// after giving up, otherwise the slot stays occupied until the reservation
// expires.
func (s *Selector) Select() (*types.Engine, error) {
	snap := s.state.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())

	candidates := s.filterCandidates(snap.Engines)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no serving candidates: %w", types.ErrNoCapacity)
	}

	sort.Slice(candidates, func(i, j int) bool {
		li := s.effectiveLoadLocked(candidates[i])
		lj := s.effectiveLoadLocked(candidates[j])
		if li != lj {
			return li < lj
		}
		if candidates[i].Forwarded != candidates[j].Forwarded {
			return candidates[i].Forwarded
		}
		return candidates[i].LastStreamUsage.Before(candidates[j].LastStreamUsage)
	})

	best := candidates[0]
	load := s.effectiveLoadLocked(best)
	if load >= s.maxStreams {
		return nil, fmt.Errorf("all %d candidates at %d streams: %w",
			len(candidates), s.maxStreams, types.ErrNoCapacity)
	}

	s.pending[best.ContainerID] = append(s.pending[best.ContainerID], time.Now())
	s.logger.Debug().
		Str("engine", best.ContainerID).
		Int("effective_load", load).
		Bool("forwarded", best.Forwarded).
		Msg("engine selected")
	return best, nil
}

// ReleasePending drops one reservation for the engine. Releasing with no
// outstanding reservation is a no-op.
func (s *Selector) ReleasePending(engineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reservations := s.pending[engineID]
	if len(reservations) == 0 {
		return
	}
	if len(reservations) == 1 {
		delete(s.pending, engineID)
		return
	}
	s.pending[engineID] = reservations[1:]
}

// PendingCount returns the live reservations against an engine.
func (s *Selector) PendingCount(engineID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())
	return len(s.pending[engineID])
}

// EffectiveLoad is the engine's active stream count plus live reservations.
func (s *Selector) EffectiveLoad(e *types.Engine) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(time.Now())
	return s.effectiveLoadLocked(e)
}

// filterCandidates keeps engines that are running, not known-unhealthy, and
// whose VPN (if any) is healthy.
func (s *Selector) filterCandidates(engines []*types.Engine) []*types.Engine {
	var out []*types.Engine
	for _, e := range engines {
		if e.State != types.EngineStateRunning {
			continue
		}
		if e.Health == types.EngineUnhealthy {
			continue
		}
		if s.vpn != nil && !s.vpn.EngineAllowed(e.VPNContainer) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Selector) effectiveLoadLocked(e *types.Engine) int {
	return e.ActiveStreamCount() + len(s.pending[e.ContainerID])
}

// expireLocked prunes reservations older than the expiry. A reservation
// normally lives milliseconds; one that outlives the expiry belongs to a
// caller that died between Select and stream_started.
func (s *Selector) expireLocked(now time.Time) {
	for id, reservations := range s.pending {
		kept := reservations[:0]
		for _, ts := range reservations {
			if now.Sub(ts) < s.expiry {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(s.pending, id)
		} else {
			s.pending[id] = kept
		}
	}
}
