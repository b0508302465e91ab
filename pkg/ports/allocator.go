package ports

import (
	"fmt"
	"sort"
	"sync"

	"github.com/acepool/acepool/pkg/types"
)

// Scope partitions the allocator. Engines lease internal ports from the
// internal scopes and published ports from a host scope; redundant VPN mode
// splits the host scope per VPN so each tunnel keeps its own forwarding range.
type Scope string

const (
	ScopeHost          Scope = "host"
	ScopeInternalHTTP  Scope = "internal-http"
	ScopeInternalHTTPS Scope = "internal-https"
	ScopeVPN1Host      Scope = "vpn1-host"
	ScopeVPN2Host      Scope = "vpn2-host"
)

type scopeState struct {
	start int
	end   int
	inUse map[int]bool
}

// Allocator hands out ports from configured per-scope ranges. A lease always
// returns the lowest free port in the range; release is idempotent.
type Allocator struct {
	mu         sync.Mutex
	scopes     map[Scope]*scopeState
	vpnToScope map[string]Scope
}

// NewAllocator creates an empty allocator; add scopes before leasing.
func NewAllocator() *Allocator {
	return &Allocator{
		scopes:     make(map[Scope]*scopeState),
		vpnToScope: make(map[string]Scope),
	}
}

// AddScope registers a scope with its inclusive port range.
func (a *Allocator) AddScope(scope Scope, start, end int) error {
	if start <= 0 || end > 65535 || start > end {
		return fmt.Errorf("scope %s: invalid range %d-%d", scope, start, end)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scopes[scope] = &scopeState{start: start, end: end, inUse: make(map[int]bool)}
	return nil
}

// RegisterVPNScope routes host-port leases for engines on the given VPN
// container to a dedicated scope (redundant mode).
func (a *Allocator) RegisterVPNScope(vpnContainer string, scope Scope) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vpnToScope[vpnContainer] = scope
}

// HostScopeFor resolves the host scope for an engine assigned to the given
// VPN container. Engines without a dedicated VPN scope use ScopeHost.
func (a *Allocator) HostScopeFor(vpnContainer string) Scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	if scope, ok := a.vpnToScope[vpnContainer]; ok {
		return scope
	}
	return ScopeHost
}

// Lease returns the lowest free port in the scope's range. Fails with
// types.ErrNoFreePort when the range is exhausted.
func (a *Allocator) Lease(scope Scope) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.scopes[scope]
	if !ok {
		return 0, fmt.Errorf("unknown port scope %q", scope)
	}
	for port := s.start; port <= s.end; port++ {
		if !s.inUse[port] {
			s.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("scope %s (%d-%d): %w", scope, s.start, s.end, types.ErrNoFreePort)
}

// Release frees a leased port. Releasing a free or unknown port is a no-op.
func (a *Allocator) Release(scope Scope, port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.scopes[scope]; ok {
		delete(s.inUse, port)
	}
}

// MarkInUse records a port as taken without leasing it. The reconciler calls
// this for every port found in a managed container's labels so label-encoded
// ports can never be double-leased. Ports outside the configured range are
// tracked too: a range may have been narrowed between restarts.
func (a *Allocator) MarkInUse(scope Scope, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("scope %s: invalid port %d", scope, port)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.scopes[scope]
	if !ok {
		return fmt.Errorf("unknown port scope %q", scope)
	}
	s.inUse[port] = true
	return nil
}

// InUse returns the number of ports currently held in the scope.
func (a *Allocator) InUse(scope Scope) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.scopes[scope]; ok {
		return len(s.inUse)
	}
	return 0
}

// Scopes lists registered scopes in stable order, for status and metrics.
func (a *Allocator) Scopes() []Scope {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Scope, 0, len(a.scopes))
	for scope := range a.scopes {
		out = append(out, scope)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
