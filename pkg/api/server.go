package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

// Provisioner is the provisioner subset the API calls directly. Stops go
// through it so ports are always released.
type Provisioner interface {
	StopEngine(ctx context.Context, containerID string, reason types.StopReason) error
}

// Scaler sizes the pool: one engine on demand, a manual target, or a nudge
// for the next pass.
type Scaler interface {
	ProvisionOne(ctx context.Context) (*types.Engine, error)
	ScaleTo(ctx context.Context, n int) error
	Trigger()
}

// EventSink applies stream lifecycle callbacks reported by the proxy.
type EventSink interface {
	HandleStreamStarted(ctx context.Context, evt *types.StreamStartedEvent) (*types.Stream, error)
	HandleStreamEnded(ctx context.Context, evt *types.StreamEndedEvent) (*types.Stream, error)
}

// Session is one client's attachment to a shared broadcast. StreamTo blocks
// until the client leaves, falls behind, or the upstream ends.
type Session interface {
	StreamTo(ctx context.Context, w io.Writer, clientID string) error
}

// Streamer opens multiplexed playback sessions by content key. The bool
// reports whether the call created the upstream session.
type Streamer interface {
	OpenSession(ctx context.Context, keyType, contentKey string) (Session, bool, error)
}

// VPNView reports supervised VPN container status.
type VPNView interface {
	Status() []types.VPNStatus
}

// StatusSource computes the composite orchestrator status.
type StatusSource interface {
	Status() *Status
}

// GCRunner removes dead managed containers and orphaned cache directories.
type GCRunner interface {
	RunGC(ctx context.Context) (*GCReport, error)
}

// GCReport is the outcome of one garbage collection run.
type GCReport struct {
	RemovedContainers []string `json:"removed_containers"`
	PrunedCacheDirs   []string `json:"pruned_cache_dirs"`
}

// Server is the orchestrator's HTTP surface: provisioning and lifecycle
// endpoints for the proxy, read endpoints for operators, and the multiplexed
// stream endpoint for players. Reads are served from the state store only,
// so they keep working through a runtime outage.
type Server struct {
	cfg     *config.Config
	state   *state.Store
	prov    Provisioner
	scaler  Scaler
	events  EventSink
	streams Streamer
	vpn     VPNView
	status  StatusSource
	gc      GCRunner
	logger  zerolog.Logger

	mux     *http.ServeMux
	httpSrv *http.Server
	wg      sync.WaitGroup
}

// New creates the API server. vpn may be nil when VPN mode is disabled.
func New(cfg *config.Config, st *state.Store, prov Provisioner, scaler Scaler, events EventSink, streams Streamer, vpn VPNView, status StatusSource, gc GCRunner) *Server {
	s := &Server{
		cfg:     cfg,
		state:   st,
		prov:    prov,
		scaler:  scaler,
		events:  events,
		streams: streams,
		vpn:     vpn,
		status:  status,
		gc:      gc,
		logger:  log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: s.routes(),
		// No WriteTimeout: /ace/getstream holds its response open for the
		// lifetime of the playback.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// routes builds the handler chain. Write endpoints sit behind bearer auth;
// everything passes through request-ID, instrumentation and panic recovery.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.mux = mux

	mux.HandleFunc("POST /provision/acestream", s.handleProvision)
	mux.HandleFunc("POST /events/stream_started", s.handleStreamStarted)
	mux.HandleFunc("POST /events/stream_ended", s.handleStreamEnded)
	mux.HandleFunc("GET /engines", s.handleEngines)
	mux.HandleFunc("GET /streams", s.handleStreams)
	mux.HandleFunc("GET /streams/{id}/stats", s.handleStreamStats)
	mux.HandleFunc("GET /orchestrator/status", s.handleOrchestratorStatus)
	mux.HandleFunc("GET /vpn/status", s.handleVPNStatus)
	mux.HandleFunc("POST /scale/{n}", s.handleScale)
	mux.HandleFunc("POST /gc", s.handleGC)
	mux.HandleFunc("DELETE /containers/{id}", s.handleDeleteContainer)
	mux.HandleFunc("GET /ace/getstream", s.handleGetStream)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /healthz", metrics.HealthHandler())
	mux.Handle("GET /ready", metrics.ReadyHandler())

	var h http.Handler = mux
	h = s.requireAuth(h)
	h = s.instrument(h)
	h = s.withRequestID(h)
	h = s.recoverPanics(h)
	return h
}

// Start binds the listen address and serves in the background. The bind
// happens synchronously so a taken port fails startup instead of logging
// from a goroutine.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpSrv.Addr, err)
	}
	if s.cfg.APIKey == "" {
		s.logger.Warn().Msg("API_KEY is empty, write endpoints are unauthenticated")
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server exited")
		}
	}()
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("api listening")
	return nil
}

// Stop drains in-flight requests until ctx expires, then severs whatever is
// left. Streaming clients never drain on their own; the hard close after the
// deadline is expected, not exceptional.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	if err != nil {
		s.logger.Info().Err(err).Msg("drain window expired, closing remaining connections")
		err = s.httpSrv.Close()
	}
	s.wg.Wait()
	return err
}
