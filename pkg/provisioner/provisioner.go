package provisioner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/ports"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

const (
	// engineHost is the address engines are reached through. Host-network
	// engines bind it directly; VPN engines are reached through the VPN
	// container's ports published on the same host.
	engineHost = "127.0.0.1"

	// cacheMountPath is the engine's media cache directory inside the
	// container.
	cacheMountPath = "/home/appuser/.ACEStream"

	namePrefix = "acepool-engine-"

	stopTimeout       = 10 * time.Second
	probeTimeout      = 5 * time.Second
	readyPollInterval = 2 * time.Second
)

// cacheClearCmd empties the engine's on-disk media cache in place.
var cacheClearCmd = []string{"/bin/sh", "-c", "rm -rf " + cacheMountPath + "/.acestream_cache/*"}

// Request describes one engine to provision. The VPN assignment and
// forwarded-port election are the caller's decisions; the provisioner turns
// them into a running, labeled, port-wired container.
type Request struct {
	VPNContainer  string
	Forwarded     bool
	ForwardedPort int
	ExtraLabels   map[string]string
	ExtraEnv      []string
}

// VPNGate answers whether engines may be placed on a VPN right now.
type VPNGate interface {
	EngineAllowed(vpnContainer string) bool
}

// ReadyProber checks that a freshly created engine answers its status
// endpoint. Implemented by the engine client.
type ReadyProber interface {
	GetStatus(ctx context.Context, host string, port int) error
}

// CacheDirs manages per-engine cache directories on the host.
type CacheDirs interface {
	Ensure(name string) (string, error)
	Remove(name string) error
}

// Provisioner creates and destroys engine containers. It is the only
// component allowed to stop managed engines: stopping through it is what
// releases the engine's leased ports, so any other stop path would leak them.
type Provisioner struct {
	cfg    *config.Config
	rt     runtime.Runtime
	alloc  *ports.Allocator
	state  *state.Store
	prober ReadyProber
	vpn    VPNGate
	cache  CacheDirs
	logger zerolog.Logger

	sem       chan struct{}
	mu        sync.Mutex
	lastStart time.Time
}

// New creates a provisioner. vpn and cache may be nil when VPN mode is
// disabled or cache mounts are not configured.
func New(cfg *config.Config, rt runtime.Runtime, alloc *ports.Allocator, st *state.Store, prober ReadyProber, vpn VPNGate, cache CacheDirs) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		rt:     rt,
		alloc:  alloc,
		state:  st,
		prober: prober,
		vpn:    vpn,
		cache:  cache,
		logger: log.WithComponent("provisioner"),
		sem:    make(chan struct{}, cfg.MaxConcurrentProvisions),
	}
}

// Provision creates one engine container: lease ports, create the container
// in the right network namespace, wait until the engine answers, then record
// it in state. Every partial result is rolled back on failure.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*types.Engine, error) {
	timer := metrics.NewTimer()
	e, err := p.provision(ctx, req)
	if err != nil {
		metrics.ProvisionsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.ProvisionsTotal.WithLabelValues("success").Inc()
	timer.ObserveDuration(metrics.ProvisionDuration)
	return e, nil
}

func (p *Provisioner) provision(ctx context.Context, req Request) (*types.Engine, error) {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := p.waitStartSlot(ctx); err != nil {
		return nil, err
	}

	if req.VPNContainer != "" && p.vpn != nil && !p.vpn.EngineAllowed(req.VPNContainer) {
		return nil, fmt.Errorf("vpn %s is not serving: %w", req.VPNContainer, types.ErrVPNUnhealthy)
	}

	lease, err := p.leasePorts(req.VPNContainer)
	if err != nil {
		return nil, err
	}

	name := namePrefix + uuid.NewString()[:8]
	e := &types.Engine{
		ContainerID:       name,
		ContainerName:     name,
		Host:              engineHost,
		Port:              lease.host,
		HostHTTPSPort:     lease.hostHTTPS,
		InternalHTTPPort:  lease.internalHTTP,
		InternalHTTPSPort: lease.internalHTTPS,
		VPNContainer:      req.VPNContainer,
		Forwarded:         req.Forwarded,
		ForwardedPort:     req.ForwardedPort,
		State:             types.EngineStateStarting,
		Health:            types.EngineUnknown,
	}
	labels := types.EncodeEngineLabels(e)
	for k, v := range req.ExtraLabels {
		labels[k] = v
	}
	e.Labels = labels

	spec := &runtime.ContainerSpec{
		Name:   name,
		Image:  p.cfg.EngineImage,
		Env:    p.engineEnv(lease, req),
		Labels: labels,
	}
	if req.VPNContainer != "" {
		spec.NetworkMode = runtime.NetworkModeContainer(req.VPNContainer)
	} else {
		spec.NetworkMode = runtime.NetworkModeHost
		spec.PortMap = []types.PortMapping{
			{HostPort: lease.host, ContainerPort: lease.internalHTTP, Protocol: "tcp"},
		}
	}

	if p.cache != nil {
		cachePath, cerr := p.cache.Ensure(name)
		if cerr != nil {
			p.releaseLease(lease)
			return nil, fmt.Errorf("failed to prepare cache directory: %w", cerr)
		}
		spec.Mounts = []runtime.Mount{{Source: cachePath, Destination: cacheMountPath}}
	}

	p.logger.Info().
		Str("engine", name).
		Str("vpn", req.VPNContainer).
		Int("host_port", lease.host).
		Int("http_port", lease.internalHTTP).
		Bool("forwarded", req.Forwarded).
		Msg("provisioning engine")

	info, err := p.rt.Create(ctx, spec)
	if err != nil {
		p.releaseLease(lease)
		p.removeCacheDir(name)
		return nil, fmt.Errorf("failed to create engine container: %w", err)
	}
	e.ContainerID = info.ID
	e.FirstSeen = time.Now()

	if err := p.waitReady(ctx, e); err != nil {
		p.logger.Error().Err(err).Str("engine", e.ContainerID).Msg("engine never became ready, rolling back")
		p.teardown(context.WithoutCancel(ctx), e)
		return nil, fmt.Errorf("engine %s did not become ready: %w", name, err)
	}

	// The readiness wait is a successful status probe, so the engine starts
	// its life healthy rather than waiting a health-monitor pass.
	e.State = types.EngineStateRunning
	e.Health = types.EngineHealthy
	stored := p.state.UpsertEngine(e)

	p.logger.Info().
		Str("engine", stored.ContainerID).
		Int("host_port", stored.Port).
		Msg("engine provisioned")
	return stored, nil
}

// StartReplacement provisions an engine on the given VPN for the health
// monitor's additive replacement flow.
func (p *Provisioner) StartReplacement(ctx context.Context, vpnContainer string) (*types.Engine, error) {
	return p.Provision(ctx, Request{VPNContainer: vpnContainer})
}

// StopEngine stops and removes an engine container, releases every port it
// held and drops it from state. This is the single sanctioned stop path for
// managed engines.
func (p *Provisioner) StopEngine(ctx context.Context, containerID string, reason types.StopReason) error {
	e, err := p.state.GetEngine(containerID)
	if err != nil {
		// Unknown to state: rebuild the port picture from container labels so
		// orphans still get torn down without leaking leases.
		info, ierr := p.rt.Inspect(ctx, containerID)
		if ierr != nil {
			return fmt.Errorf("failed to resolve engine %s: %w", containerID, ierr)
		}
		if e, ierr = types.DecodeEngineLabels(info.Labels); ierr != nil {
			return fmt.Errorf("container %s: %w", containerID, ierr)
		}
		e.ContainerID = info.ID
		e.ContainerName = info.Name
	}

	p.logger.Info().
		Str("engine", containerID).
		Str("reason", string(reason)).
		Int("active_streams", e.ActiveStreamCount()).
		Msg("stopping engine")

	if err := p.rt.Stop(ctx, containerID, stopTimeout); err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to stop engine %s: %w", containerID, err)
	}
	if err := p.rt.Remove(ctx, containerID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("failed to remove engine %s: %w", containerID, err)
	}

	p.ReleaseEnginePorts(e)
	if _, err := p.state.RemoveEngine(containerID); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	p.removeCacheDir(e.ContainerName)

	p.logger.Info().Str("engine", containerID).Msg("engine stopped, ports released")
	return nil
}

// CleanupCache empties the engine's media cache in place via exec and records
// the cleanup time. Called when an engine goes idle.
func (p *Provisioner) CleanupCache(ctx context.Context, containerID string) error {
	if _, err := p.rt.Exec(ctx, containerID, cacheClearCmd); err != nil {
		return fmt.Errorf("failed to clear cache on %s: %w", containerID, err)
	}
	p.state.TouchCacheCleanup(containerID)
	p.logger.Debug().Str("engine", containerID).Msg("engine cache cleared")
	return nil
}

// waitStartSlot enforces the minimum interval between container starts.
// Slots are reserved in order under the lock, so concurrent provisions space
// themselves out instead of stampeding the runtime.
func (p *Provisioner) waitStartSlot(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	next := p.lastStart.Add(p.cfg.MinProvisionInterval)
	if next.Before(now) {
		next = now
	}
	p.lastStart = next
	wait := next.Sub(now)
	p.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// leasedPorts is one engine's worth of port leases.
type leasedPorts struct {
	hostScope     ports.Scope
	vpnScoped     bool // listen ports and published ports are the same lease
	host          int
	hostHTTPS     int
	internalHTTP  int
	internalHTTPS int
}

// leasePorts acquires the engine's ports. A VPN engine binds its ports inside
// the VPN namespace, so the lease from the VPN's published range serves as
// both the listen port and the reachable port. A host-network engine listens
// on internal-range ports and gets one published host port on top.
func (p *Provisioner) leasePorts(vpnContainer string) (*leasedPorts, error) {
	if vpnContainer != "" {
		scope := p.alloc.HostScopeFor(vpnContainer)
		httpPort, err := p.alloc.Lease(scope)
		if err != nil {
			return nil, fmt.Errorf("failed to lease http port: %w", err)
		}
		httpsPort, err := p.alloc.Lease(scope)
		if err != nil {
			p.alloc.Release(scope, httpPort)
			return nil, fmt.Errorf("failed to lease https port: %w", err)
		}
		return &leasedPorts{
			hostScope:     scope,
			vpnScoped:     true,
			host:          httpPort,
			hostHTTPS:     httpsPort,
			internalHTTP:  httpPort,
			internalHTTPS: httpsPort,
		}, nil
	}

	internalHTTP, err := p.alloc.Lease(ports.ScopeInternalHTTP)
	if err != nil {
		return nil, fmt.Errorf("failed to lease http port: %w", err)
	}
	internalHTTPS, err := p.alloc.Lease(ports.ScopeInternalHTTPS)
	if err != nil {
		p.alloc.Release(ports.ScopeInternalHTTP, internalHTTP)
		return nil, fmt.Errorf("failed to lease https port: %w", err)
	}
	host, err := p.alloc.Lease(ports.ScopeHost)
	if err != nil {
		p.alloc.Release(ports.ScopeInternalHTTP, internalHTTP)
		p.alloc.Release(ports.ScopeInternalHTTPS, internalHTTPS)
		return nil, fmt.Errorf("failed to lease host port: %w", err)
	}
	return &leasedPorts{
		hostScope:     ports.ScopeHost,
		host:          host,
		internalHTTP:  internalHTTP,
		internalHTTPS: internalHTTPS,
	}, nil
}

func (p *Provisioner) releaseLease(l *leasedPorts) {
	p.alloc.Release(l.hostScope, l.host)
	if l.hostHTTPS > 0 {
		p.alloc.Release(l.hostScope, l.hostHTTPS)
	}
	if !l.vpnScoped {
		p.alloc.Release(ports.ScopeInternalHTTP, l.internalHTTP)
		p.alloc.Release(ports.ScopeInternalHTTPS, l.internalHTTPS)
	}
}

// ReleaseEnginePorts frees every port an engine record accounts for, deriving
// scopes the same way leasePorts assigned them. Exported for the reconciler,
// which must release ports when an externally-removed container leaves state.
func (p *Provisioner) ReleaseEnginePorts(e *types.Engine) {
	if e.VPNContainer != "" {
		scope := p.alloc.HostScopeFor(e.VPNContainer)
		p.alloc.Release(scope, e.Port)
		if e.InternalHTTPSPort > 0 {
			p.alloc.Release(scope, e.InternalHTTPSPort)
		}
		return
	}
	p.alloc.Release(ports.ScopeHost, e.Port)
	if e.HostHTTPSPort > 0 {
		p.alloc.Release(ports.ScopeHost, e.HostHTTPSPort)
	}
	p.alloc.Release(ports.ScopeInternalHTTP, e.InternalHTTPPort)
	if e.InternalHTTPSPort > 0 {
		p.alloc.Release(ports.ScopeInternalHTTPS, e.InternalHTTPSPort)
	}
}

// MarkEnginePorts records an engine's label-encoded ports as in use, deriving
// scopes the same way leasePorts assigns them. The reconciler calls this when
// adopting containers so their ports can never be double-leased.
func (p *Provisioner) MarkEnginePorts(e *types.Engine) error {
	if e.VPNContainer != "" {
		scope := p.alloc.HostScopeFor(e.VPNContainer)
		port := e.Port
		if port == 0 {
			port = e.InternalHTTPPort
		}
		if err := p.alloc.MarkInUse(scope, port); err != nil {
			return err
		}
		if e.InternalHTTPSPort > 0 {
			return p.alloc.MarkInUse(scope, e.InternalHTTPSPort)
		}
		return nil
	}
	if err := p.alloc.MarkInUse(ports.ScopeHost, e.Port); err != nil {
		return err
	}
	if e.HostHTTPSPort > 0 {
		if err := p.alloc.MarkInUse(ports.ScopeHost, e.HostHTTPSPort); err != nil {
			return err
		}
	}
	if err := p.alloc.MarkInUse(ports.ScopeInternalHTTP, e.InternalHTTPPort); err != nil {
		return err
	}
	if e.InternalHTTPSPort > 0 {
		return p.alloc.MarkInUse(ports.ScopeInternalHTTPS, e.InternalHTTPSPort)
	}
	return nil
}

// engineEnv builds the engine process environment. Ports are passed so the
// engine binds exactly what was leased; the forwarded engine additionally
// learns the VPN's forwarded P2P port.
func (p *Provisioner) engineEnv(l *leasedPorts, req Request) []string {
	env := []string{
		fmt.Sprintf("HTTP_PORT=%d", l.internalHTTP),
		fmt.Sprintf("HTTPS_PORT=%d", l.internalHTTPS),
		"ALLOW_REMOTE_ACCESS=yes",
	}
	if req.Forwarded && req.ForwardedPort > 0 {
		env = append(env, fmt.Sprintf("P2P_PORT=%d", req.ForwardedPort))
	}
	return append(env, req.ExtraEnv...)
}

// waitReady polls the engine's status endpoint until it answers or the ready
// timeout lapses.
func (p *Provisioner) waitReady(ctx context.Context, e *types.Engine) error {
	deadline := time.Now().Add(p.cfg.EngineReadyTimeout)
	var lastErr error
	for {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		lastErr = p.prober.GetStatus(pctx, e.Host, e.Port)
		cancel()
		if lastErr == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ready timeout after %s: %w", p.cfg.EngineReadyTimeout, lastErr)
		}
		select {
		case <-time.After(readyPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// teardown rolls back a half-provisioned engine: container, ports, cache dir.
func (p *Provisioner) teardown(ctx context.Context, e *types.Engine) {
	if err := p.rt.Stop(ctx, e.ContainerID, stopTimeout); err != nil && !errors.Is(err, types.ErrNotFound) {
		p.logger.Warn().Err(err).Str("engine", e.ContainerID).Msg("rollback stop failed")
	}
	if err := p.rt.Remove(ctx, e.ContainerID); err != nil && !errors.Is(err, types.ErrNotFound) {
		p.logger.Warn().Err(err).Str("engine", e.ContainerID).Msg("rollback remove failed")
	}
	p.ReleaseEnginePorts(e)
	p.removeCacheDir(e.ContainerName)
}

func (p *Provisioner) removeCacheDir(name string) {
	if p.cache == nil || name == "" {
		return
	}
	if err := p.cache.Remove(name); err != nil {
		p.logger.Warn().Err(err).Str("engine", name).Msg("failed to remove cache directory")
	}
}
