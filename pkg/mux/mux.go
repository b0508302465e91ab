package mux

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/engine"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/types"
)

const gcInterval = 60 * time.Second

// EngineSelector picks an engine for a new playback session and returns the
// reservation when the session never materializes.
type EngineSelector interface {
	Select() (*types.Engine, error)
	ReleasePending(engineID string)
}

// EngineAPI drives playback sessions on an engine's HTTP API.
type EngineAPI interface {
	StartPlayback(ctx context.Context, host string, port int, keyType, key, pid string, extra url.Values) (*engine.PlaybackSession, error)
	StopPlayback(ctx context.Context, commandURL string) error
}

// StartedSink records a freshly started session in the pool state.
type StartedSink interface {
	HandleStreamStarted(ctx context.Context, evt *types.StreamStartedEvent) (*types.Stream, error)
}

// Mux owns one broadcaster per content key so any number of players share a
// single upstream playback session.
type Mux struct {
	cfg     *config.Config
	sel     EngineSelector
	engines EngineAPI
	started StartedSink
	httpc   *http.Client
	logger  zerolog.Logger

	mu           sync.Mutex
	broadcasters map[string]*Broadcaster

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a multiplexer. The HTTP client it builds has no overall
// timeout: a live stream body is read for hours. Only the dial and the
// response headers are bounded.
func New(cfg *config.Config, sel EngineSelector, engines EngineAPI, started StartedSink) *Mux {
	return &Mux{
		cfg:     cfg,
		sel:     sel,
		engines: engines,
		started: started,
		httpc: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: cfg.MuxConnectTimeout}).DialContext,
				ResponseHeaderTimeout: cfg.MuxConnectTimeout,
				DisableCompression:    true,
				MaxConnsPerHost:       10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger:       log.WithComponent("mux"),
		broadcasters: make(map[string]*Broadcaster),
		stopCh:       make(chan struct{}),
	}
}

// Start launches the idle reaper.
func (m *Mux) Start() {
	m.wg.Add(1)
	go m.run()
	m.logger.Info().Msg("Multiplexer started")
}

// Stop halts the reaper and shuts down every broadcaster, draining their
// client queues on the way out.
func (m *Mux) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	victims := make([]*Broadcaster, 0, len(m.broadcasters))
	for key, b := range m.broadcasters {
		delete(m.broadcasters, key)
		victims = append(victims, b)
	}
	m.mu.Unlock()

	for _, b := range victims {
		b.Stop()
	}
	metrics.MuxBroadcasters.Set(0)
	m.logger.Info().Msg("Multiplexer stopped")
}

func (m *Mux) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-m.stopCh:
			return
		}
	}
}

// GetOrCreateSession returns the broadcaster for contentKey, creating it and
// its upstream playback session when none is alive. Concurrent callers for
// the same key share one creation: losers block on the winner's setup and
// either ride along or inherit its error. The bool reports whether this call
// created the session.
func (m *Mux) GetOrCreateSession(ctx context.Context, keyType, contentKey string) (*Broadcaster, bool, error) {
	if contentKey == "" {
		return nil, false, fmt.Errorf("content key must not be empty")
	}

	for attempt := 0; attempt < 3; attempt++ {
		b, created := m.lookupOrInsert(keyType, contentKey)
		if !created {
			select {
			case <-b.ready:
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
			if b.initErr != nil {
				// Riders share the creator's verdict; the creator already
				// retired the entry.
				return nil, false, b.initErr
			}
			if b.terminal() {
				m.retire(contentKey, b)
				continue
			}
			return b, false, nil
		}

		if err := m.connect(ctx, b); err != nil {
			m.retire(contentKey, b)
			return nil, false, err
		}
		m.setBroadcasterGauge()
		return b, true, nil
	}
	return nil, false, fmt.Errorf("session for %s keeps terminating", contentKey)
}

// lookupOrInsert returns the existing broadcaster for the key or inserts a
// placeholder the caller must finish setting up via connect.
func (m *Mux) lookupOrInsert(keyType, contentKey string) (*Broadcaster, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.broadcasters[contentKey]; ok {
		return b, false
	}
	b := newBroadcaster(m, keyType, contentKey)
	m.broadcasters[contentKey] = b
	return b, true
}

// connect performs the session setup for a freshly inserted placeholder:
// pick an engine, start playback on it, record the stream, launch the fetch.
// Runs outside the registry lock; waiters block on b.ready.
func (m *Mux) connect(ctx context.Context, b *Broadcaster) error {
	eng, err := m.sel.Select()
	if err != nil {
		b.failInit(err)
		return err
	}

	pendingHeld := true
	defer func() {
		if err != nil && pendingHeld {
			m.sel.ReleasePending(eng.ContainerID)
		}
	}()

	ps, err := m.engines.StartPlayback(ctx, eng.Host, eng.Port, b.keyType, b.ContentKey, uuid.NewString(), nil)
	if err != nil {
		err = fmt.Errorf("failed to start playback on %s: %w", eng.ContainerName, err)
		b.failInit(err)
		return err
	}

	evt := &types.StreamStartedEvent{ContainerID: eng.ContainerID}
	evt.Engine.Host = eng.Host
	evt.Engine.Port = eng.Port
	evt.Stream.KeyType = b.keyType
	evt.Stream.Key = b.ContentKey
	evt.Session.PlaybackSessionID = ps.PlaybackSessionID
	evt.Session.StatURL = ps.StatURL
	evt.Session.CommandURL = ps.CommandURL
	evt.Session.IsLive = ps.IsLive

	// The started handler releases the selector reservation on success. If
	// recording fails the stream still plays; bookkeeping catches up when
	// stat polling finds the session.
	stream, serr := m.started.HandleStreamStarted(ctx, evt)
	if serr != nil {
		m.logger.Warn().Err(serr).
			Str("content_key", b.ContentKey).
			Str("container_id", eng.ContainerID).
			Msg("Failed to record stream start")
		m.sel.ReleasePending(eng.ContainerID)
	} else if stream != nil {
		b.streamID = stream.ID
	}
	pendingHeld = false

	b.mu.Lock()
	if b.state != StateCreated {
		// Stopped while we were setting up; end the session we just opened.
		b.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := m.engines.StopPlayback(stopCtx, ps.CommandURL); cerr != nil {
			m.logger.Debug().Err(cerr).Msg("Playback stop command failed")
		}
		err = fmt.Errorf("session for %s stopped during setup", b.ContentKey)
		b.initErr = err
		close(b.done) // fetch never started; unblock Stop waiters
		close(b.ready)
		return err
	}
	b.session = ps
	b.engineID = eng.ContainerID
	b.mu.Unlock()

	m.logger.Info().
		Str("content_key", b.ContentKey).
		Str("container_id", eng.ContainerID).
		Str("playback_session_id", ps.PlaybackSessionID).
		Msg("Broadcaster session created")

	close(b.ready)
	b.start(ps.PlaybackURL)
	return nil
}

// StopByContentKey stops and removes the broadcaster for the key. Unknown
// keys are a no-op, so ended events may fire it repeatedly.
func (m *Mux) StopByContentKey(contentKey string) {
	m.mu.Lock()
	b, ok := m.broadcasters[contentKey]
	if ok {
		delete(m.broadcasters, contentKey)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Info().Str("content_key", contentKey).Msg("Stopping broadcaster")
	b.Stop()
	m.setBroadcasterGauge()
}

// retire removes b from the registry if it is still the entry for the key,
// then stops it. A newer broadcaster under the same key is left alone.
func (m *Mux) retire(contentKey string, b *Broadcaster) {
	m.mu.Lock()
	if cur, ok := m.broadcasters[contentKey]; ok && cur == b {
		delete(m.broadcasters, contentKey)
	}
	m.mu.Unlock()

	b.Stop()
	m.setBroadcasterGauge()
}

// reapIdle stops broadcasters that sat without clients past the idle
// timeout, plus terminal leftovers still holding their ring.
func (m *Mux) reapIdle() {
	now := time.Now()

	type victim struct {
		key string
		b   *Broadcaster
	}
	var victims []victim

	m.mu.Lock()
	for key, b := range m.broadcasters {
		if b.terminal() || b.IdleFor(now) > m.cfg.MuxIdleTimeout {
			delete(m.broadcasters, key)
			victims = append(victims, victim{key: key, b: b})
		}
	}
	m.mu.Unlock()

	for _, v := range victims {
		m.logger.Info().Str("content_key", v.key).Msg("Reaping idle broadcaster")
		v.b.Stop()
	}
	m.setBroadcasterGauge()
}

// Broadcasters returns a point-in-time view of the live broadcasters.
func (m *Mux) Broadcasters() []*Broadcaster {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Broadcaster, 0, len(m.broadcasters))
	for _, b := range m.broadcasters {
		out = append(out, b)
	}
	return out
}

// Count returns the number of registered broadcasters.
func (m *Mux) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.broadcasters)
}

func (m *Mux) setBroadcasterGauge() {
	metrics.MuxBroadcasters.Set(float64(m.Count()))
}
