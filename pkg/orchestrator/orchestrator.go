package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/api"
	"github.com/acepool/acepool/pkg/autoscaler"
	"github.com/acepool/acepool/pkg/breaker"
	"github.com/acepool/acepool/pkg/collector"
	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/engine"
	"github.com/acepool/acepool/pkg/events"
	"github.com/acepool/acepool/pkg/health"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/mux"
	"github.com/acepool/acepool/pkg/ports"
	"github.com/acepool/acepool/pkg/provisioner"
	"github.com/acepool/acepool/pkg/reconciler"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/selector"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/storage"
	"github.com/acepool/acepool/pkg/types"
	"github.com/acepool/acepool/pkg/volume"
	"github.com/acepool/acepool/pkg/vpn"
)

const engineRestartTimeout = 30 * time.Second

// Orchestrator owns the whole pool: it builds every component, starts the
// control loops in dependency order and tears them down in reverse.
type Orchestrator struct {
	cfg     *config.Config
	version string
	started time.Time

	db    *storage.BoltStore
	state *state.Store
	rt    runtime.Runtime
	alloc *ports.Allocator
	brk   *breaker.Breaker
	cache *volume.CacheManager

	engines *engine.Client
	vpn     *vpn.Supervisor
	prov    *provisioner.Provisioner
	sel     *selector.Selector
	broker  *events.Broker
	events  *events.Handlers
	mux     *mux.Mux
	rec     *reconciler.Reconciler
	scaler  *autoscaler.Autoscaler
	monitor *health.Monitor
	coll    *collector.Collector
	api     *api.Server

	logger zerolog.Logger
}

// New connects to containerd and builds the component graph. Nothing runs
// until Start.
func New(cfg *config.Config) (*Orchestrator, error) {
	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdAddress, cfg.ContainerdNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	o, err := build(cfg, rt)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return o, nil
}

// build wires the graph on top of an existing runtime. Tests inject a fake
// runtime here.
func build(cfg *config.Config, rt runtime.Runtime) (*Orchestrator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	st := state.NewStore(db)
	if err := st.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}

	alloc := ports.NewAllocator()
	if err := addPortScopes(cfg, alloc); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := volume.NewCacheManager(cfg.EngineCacheDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare cache directory: %w", err)
	}

	brk := breaker.New(map[breaker.Class]breaker.Settings{
		breaker.ClassGeneral: {
			FailureThreshold: cfg.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		},
		breaker.ClassReplacement: {
			FailureThreshold: cfg.ReplacementBreakerFailureThreshold,
			RecoveryTimeout:  cfg.ReplacementBreakerRecoveryTimeout,
		},
	})

	// One engine client serves every component; control calls carry their
	// own context deadlines, playback start is bounded by the client
	// timeout.
	engines := engine.NewClient(cfg.MuxConnectTimeout)

	o := &Orchestrator{
		cfg:     cfg,
		db:      db,
		state:   st,
		rt:      rt,
		alloc:   alloc,
		brk:     brk,
		cache:   cache,
		engines: engines,
		logger:  log.WithComponent("orchestrator"),
	}

	// The VPN views below stay untyped-nil in disabled mode so consumers
	// can test them against nil.
	var (
		provGate  provisioner.VPNGate
		selView   selector.VPNView
		scaleView autoscaler.VPNView
		healView  health.VPNView
		collView  collector.VPNView
		apiView   api.VPNView
	)
	if cfg.VPNMode != types.VPNModeDisabled {
		gluetun := vpn.NewGluetunClient(cfg.GluetunAPIPort, cfg.GluetunPortCacheTTL)
		o.vpn = vpn.NewSupervisor(cfg, rt, gluetun, engines, enginesByVPN{st})
		o.vpn.SetTransitionHandler(o.onVPNTransition)
		o.vpn.SetPortChangeHandler(o.onVPNPortChange)
		o.vpn.SetReconnectHandler(o.onVPNReconnect)
		provGate, selView, scaleView, healView, collView, apiView = o.vpn, o.vpn, o.vpn, o.vpn, o.vpn, o.vpn
	}

	o.prov = provisioner.New(cfg, rt, alloc, st, engines, provGate, cache)
	o.sel = selector.New(st, selView, cfg.MaxStreamsPerEngine, cfg.PendingStreamExpiry)
	o.broker = events.NewBroker()

	// The stream handlers and the mux need each other: handlers tear down
	// broadcasts on stream_ended, the mux records sessions through the
	// handlers. The handle breaks the construction cycle.
	muxRef := &muxHandle{}
	o.events = events.NewHandlers(st, o.sel, muxRef, o.prov, o.broker, log.Logger)
	o.mux = mux.New(cfg, o.sel, engines, o.events)
	muxRef.m = o.mux

	o.rec = reconciler.New(cfg, rt, st, o.prov)
	o.scaler = autoscaler.New(cfg, st, o.prov, o.sel, scaleView, brk, o.rec.FirstReconcileDone)
	o.monitor = health.NewMonitor(cfg, st, engines, o.prov, brk, healView, o.rec.FirstReconcileDone)
	o.coll = collector.New(cfg, st, rt, engines, o.events, collView, alloc)

	o.api = api.New(cfg, st, o.prov, o.scaler, o.events, &muxStreamer{o.mux}, apiView, o, o)
	return o, nil
}

// addPortScopes registers the allocator ranges for the configured VPN mode.
// Redundant mode splits host ports per tunnel so a forwarded-port change on
// one VPN never collides with the other's published range.
func addPortScopes(cfg *config.Config, alloc *ports.Allocator) error {
	if err := alloc.AddScope(ports.ScopeInternalHTTP, cfg.AceHTTPRange.Start, cfg.AceHTTPRange.End); err != nil {
		return fmt.Errorf("internal http scope: %w", err)
	}
	if err := alloc.AddScope(ports.ScopeInternalHTTPS, cfg.AceHTTPSRange.Start, cfg.AceHTTPSRange.End); err != nil {
		return fmt.Errorf("internal https scope: %w", err)
	}
	if cfg.VPNMode == types.VPNModeRedundant {
		if err := alloc.AddScope(ports.ScopeVPN1Host, cfg.GluetunPortRange1.Start, cfg.GluetunPortRange1.End); err != nil {
			return fmt.Errorf("vpn1 host scope: %w", err)
		}
		if err := alloc.AddScope(ports.ScopeVPN2Host, cfg.GluetunPortRange2.Start, cfg.GluetunPortRange2.End); err != nil {
			return fmt.Errorf("vpn2 host scope: %w", err)
		}
		alloc.RegisterVPNScope(cfg.GluetunContainerName, ports.ScopeVPN1Host)
		alloc.RegisterVPNScope(cfg.GluetunContainerName2, ports.ScopeVPN2Host)
		return nil
	}
	if err := alloc.AddScope(ports.ScopeHost, cfg.PortRangeHost.Start, cfg.PortRangeHost.End); err != nil {
		return fmt.Errorf("host scope: %w", err)
	}
	return nil
}

// SetVersion records the build version for status reporting.
func (o *Orchestrator) SetVersion(v string) {
	o.version = v
	metrics.SetVersion(v)
}

// Start brings the pool up: event bus, VPN supervision, runtime
// reconciliation, the control loops and finally the API listener. A failed
// listener rolls everything back.
func (o *Orchestrator) Start() error {
	o.started = time.Now()

	metrics.RegisterComponent(metrics.ComponentState, true, "")
	metrics.RegisterComponent(metrics.ComponentRuntime, true, "")
	metrics.RegisterComponent(metrics.ComponentReconciler, false, "waiting for first reconcile")

	o.broker.Start()
	if o.vpn != nil {
		o.vpn.Start()
	}
	o.rec.Start()
	o.monitor.Start()
	o.scaler.Start()
	o.coll.Start()
	o.mux.Start()

	if err := o.api.Start(); err != nil {
		o.stopComponents()
		return fmt.Errorf("failed to start api server: %w", err)
	}

	o.logger.Info().
		Str("listen_addr", o.cfg.ListenAddr).
		Str("vpn_mode", string(o.cfg.VPNMode)).
		Int("max_replicas", o.cfg.MaxReplicas).
		Msg("orchestrator started")
	return nil
}

// Stop drains the API, tears down broadcasters and stops every loop in
// reverse start order. Engine containers keep running; they are adopted
// back on the next boot.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var apiErr error
	if o.api != nil {
		apiErr = o.api.Stop(ctx)
	}
	o.stopComponents()

	if err := o.rt.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("runtime close failed")
	}
	if err := o.db.Close(); err != nil {
		o.logger.Warn().Err(err).Msg("storage close failed")
	}

	o.logger.Info().Msg("orchestrator stopped")
	return apiErr
}

func (o *Orchestrator) stopComponents() {
	o.mux.Stop()
	o.coll.Stop()
	o.scaler.Stop()
	o.monitor.Stop()
	o.rec.Stop()
	if o.vpn != nil {
		o.vpn.Stop()
	}
	o.broker.Stop()
}

// onVPNTransition reacts to tunnel health flips. Placement gating happens in
// the selector and provisioner through EngineAllowed; the orchestrator only
// re-plans the pool.
func (o *Orchestrator) onVPNTransition(tr types.VPNTransition) {
	o.logger.Info().
		Str("vpn", tr.Container).
		Str("old", string(tr.OldHealth)).
		Str("new", string(tr.NewHealth)).
		Msg("vpn transition")
	o.scaler.Trigger()
}

// onVPNPortChange hands the stale forwarded engine to the autoscaler, whose
// next pass drains it and elects a successor on the new port.
func (o *Orchestrator) onVPNPortChange(container string, oldPort, newPort int) {
	o.logger.Info().
		Str("vpn", container).
		Int("old_port", oldPort).
		Int("new_port", newPort).
		Msg("vpn forwarded port changed")
	o.scaler.Trigger()
}

// onVPNReconnect restarts every engine on the recovered tunnel so they
// rebind to the new VPN address. The supervisor only calls this when
// vpn_restart_engines_on_reconnect is set.
func (o *Orchestrator) onVPNReconnect(container string) {
	engines := o.state.ListEngines(state.EngineFilter{VPN: &container})
	if len(engines) == 0 {
		return
	}
	o.logger.Info().
		Str("vpn", container).
		Int("engines", len(engines)).
		Msg("restarting engines after vpn reconnect")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), engineRestartTimeout*time.Duration(len(engines)))
		defer cancel()
		for _, e := range engines {
			if err := o.rt.Restart(ctx, e.ContainerID, 10*time.Second); err != nil {
				o.logger.Warn().Err(err).Str("engine", e.ContainerID).Msg("engine restart failed")
				continue
			}
			if err := o.state.SetHealth(e.ContainerID, types.EngineUnknown); err != nil {
				o.logger.Debug().Err(err).Str("engine", e.ContainerID).Msg("health reset skipped")
			}
		}
	}()
}

// enginesByVPN adapts the state store to the supervisor's engine listing.
type enginesByVPN struct {
	st *state.Store
}

func (s enginesByVPN) EnginesOnVPN(container string) []*types.Engine {
	return s.st.ListEngines(state.EngineFilter{VPN: &container})
}

// muxHandle defers the Muxer binding until the mux exists.
type muxHandle struct {
	m *mux.Mux
}

func (h *muxHandle) StopByContentKey(contentKey string) {
	if h.m != nil {
		h.m.StopByContentKey(contentKey)
	}
}

// muxStreamer adapts the mux to the API's streaming interface. The explicit
// wrapper keeps a typed-nil broadcaster from leaking through the Session
// interface.
type muxStreamer struct {
	m *mux.Mux
}

func (ms *muxStreamer) OpenSession(ctx context.Context, keyType, contentKey string) (api.Session, bool, error) {
	b, created, err := ms.m.GetOrCreateSession(ctx, keyType, contentKey)
	if err != nil {
		return nil, false, err
	}
	return b, created, nil
}
