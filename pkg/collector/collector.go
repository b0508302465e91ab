package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/engine"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/metrics"
	"github.com/acepool/acepool/pkg/ports"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/types"
)

const statProbeTimeout = 3 * time.Second

// StatSource fetches one statistics sample from a session's stat URL.
type StatSource interface {
	Stat(ctx context.Context, statURL string) (*engine.Stat, error)
}

// EndedSink absorbs synthesized stream_ended events.
type EndedSink interface {
	HandleStreamEnded(ctx context.Context, evt *types.StreamEndedEvent) (*types.Stream, error)
}

// VPNView exposes VPN statuses for gauge refresh.
type VPNView interface {
	Status() []types.VPNStatus
}

// Collector polls every started stream's stat URL each period. A payload
// reporting an unknown playback session is the authoritative signal that the
// engine silently dropped the session: the collector synthesizes the
// stream_ended event the client never sent. Alongside stat polling it
// refreshes the pool's Prometheus gauges and samples container resource
// usage through the runtime.
type Collector struct {
	cfg    *config.Config
	state  *state.Store
	rt     runtime.Runtime
	stats  StatSource
	ended  EndedSink
	vpn    VPNView
	alloc  *ports.Allocator
	logger zerolog.Logger

	mu      sync.Mutex
	cpuPrev map[string]cpuSample
	seen    map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type cpuSample struct {
	nanos uint64
	at    time.Time
}

// New creates a collector. vpn and alloc may be nil; the corresponding
// gauges then stay untouched.
func New(cfg *config.Config, st *state.Store, rt runtime.Runtime, stats StatSource, ended EndedSink, vpn VPNView, alloc *ports.Allocator) *Collector {
	return &Collector{
		cfg:     cfg,
		state:   st,
		rt:      rt,
		stats:   stats,
		ended:   ended,
		vpn:     vpn,
		alloc:   alloc,
		logger:  log.WithComponent("collector"),
		cpuPrev: make(map[string]cpuSample),
		seen:    make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the collection loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info().Dur("interval", c.cfg.CollectInterval).Msg("Collector started")
}

// Stop halts the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info().Msg("Collector stopped")
}

func (c *Collector) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CollectInterval)
	defer ticker.Stop()

	// Collect immediately on start
	c.CollectOnce(context.Background())

	for {
		select {
		case <-ticker.C:
			c.CollectOnce(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// CollectOnce runs one collection pass. Exported for the API's gc endpoint
// and tests; the run loop calls it on every tick.
func (c *Collector) CollectOnce(ctx context.Context) {
	c.pollStreams(ctx)
	c.sampleContainers(ctx)
	c.refreshGauges()
}

// pollStreams probes the stat URL of every started stream. Unknown-session
// answers end the stream; network errors are counted and skipped.
func (c *Collector) pollStreams(ctx context.Context) {
	streams := c.state.ListStreams(state.StreamFilter{Status: types.StreamStarted})

	var peers, speedDown, speedUp int
	for _, st := range streams {
		if st.StatURL == "" {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, statProbeTimeout)
		stat, err := c.stats.Stat(probeCtx, st.StatURL)
		cancel()

		switch {
		case errors.Is(err, engine.ErrUnknownSession):
			c.logger.Info().
				Str("stream_id", st.ID).
				Str("container_id", st.ContainerID).
				Msg("Stale stream detected, synthesizing stream_ended")
			metrics.StaleStreamsTotal.Inc()
			c.endStale(ctx, st)
		case err != nil:
			metrics.CollectorProbeErrorsTotal.Inc()
			c.logger.Debug().Err(err).Str("stream_id", st.ID).Msg("Stat probe failed")
		default:
			snap := snapshotFromStat(stat)
			if err := c.state.AppendStats(st.ID, snap); err != nil {
				c.logger.Warn().Err(err).Str("stream_id", st.ID).Msg("Failed to append stat snapshot")
			}
			peers += stat.Peers
			speedDown += stat.SpeedDown
			speedUp += stat.SpeedUp
		}
	}

	metrics.PoolPeers.Set(float64(peers))
	metrics.PoolSpeedDownBytes.Set(float64(speedDown))
	metrics.PoolSpeedUpBytes.Set(float64(speedUp))
}

func (c *Collector) endStale(ctx context.Context, st *types.Stream) {
	evt := &types.StreamEndedEvent{
		ContainerID: st.ContainerID,
		StreamID:    st.ID,
		Reason:      types.EndReasonStale,
	}
	if _, err := c.ended.HandleStreamEnded(ctx, evt); err != nil {
		c.logger.Error().Err(err).Str("stream_id", st.ID).Msg("Failed to end stale stream")
	}
}

func snapshotFromStat(stat *engine.Stat) *types.StatSnapshot {
	snap := &types.StatSnapshot{
		Time:       time.Now(),
		Peers:      stat.Peers,
		SpeedDown:  stat.SpeedDown,
		SpeedUp:    stat.SpeedUp,
		Downloaded: stat.Downloaded,
		Uploaded:   stat.Uploaded,
	}
	if stat.LivePos != nil {
		snap.LiveFirst = stat.LivePos.First
		snap.LiveLast = stat.LivePos.Last
		snap.LivePos = stat.LivePos.Pos
	}
	return snap
}

// sampleContainers takes one batched resource sample across all engines and
// derives CPU percentages from successive cumulative counters.
func (c *Collector) sampleContainers(ctx context.Context) {
	engines := c.state.ListEngines(state.EngineFilter{})
	if len(engines) == 0 {
		c.forgetGone(nil)
		return
	}

	ids := make([]string, 0, len(engines))
	for _, e := range engines {
		ids = append(ids, e.ContainerID)
	}

	stats, err := c.rt.StatsBatch(ctx, ids)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Stats batch failed")
		return
	}

	current := make(map[string]bool, len(stats))
	for id, s := range stats {
		current[id] = true
		s.CPUPercent = c.deriveCPUPercent(id, s)
		metrics.ContainerCPUPercent.WithLabelValues(id).Set(s.CPUPercent)
		metrics.ContainerMemoryBytes.WithLabelValues(id).Set(float64(s.MemBytes))
	}
	c.forgetGone(current)
}

// deriveCPUPercent converts the cumulative cgroup CPU counter into a usage
// percentage over the interval between two samples.
func (c *Collector) deriveCPUPercent(id string, s *types.ContainerStats) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.cpuPrev[id]
	c.cpuPrev[id] = cpuSample{nanos: s.CPUNanos, at: s.Time}

	if !ok || !s.Time.After(prev.at) || s.CPUNanos < prev.nanos {
		return 0
	}
	wall := s.Time.Sub(prev.at).Nanoseconds()
	if wall <= 0 {
		return 0
	}
	return float64(s.CPUNanos-prev.nanos) / float64(wall) * 100
}

// forgetGone drops per-container gauge series and CPU samples for containers
// that no longer report stats.
func (c *Collector) forgetGone(current map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.seen {
		if !current[id] {
			metrics.ContainerCPUPercent.DeleteLabelValues(id)
			metrics.ContainerMemoryBytes.DeleteLabelValues(id)
			delete(c.cpuPrev, id)
		}
	}
	c.seen = current
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
}

var engineStates = []types.EngineState{
	types.EngineStateStarting,
	types.EngineStateRunning,
	types.EngineStateStopping,
}

var engineHealths = []types.EngineHealth{
	types.EngineHealthy,
	types.EngineUnhealthy,
	types.EngineUnknown,
}

// refreshGauges recomputes the pool-shape gauges from one state snapshot.
func (c *Collector) refreshGauges() {
	snap := c.state.Snapshot()

	byState := make(map[types.EngineState]int)
	byHealth := make(map[types.EngineHealth]int)
	forwarded := 0
	for _, e := range snap.Engines {
		byState[e.State]++
		byHealth[e.Health]++
		if e.Forwarded {
			forwarded++
		}
	}
	for _, s := range engineStates {
		metrics.EnginesTotal.WithLabelValues(string(s)).Set(float64(byState[s]))
	}
	for _, h := range engineHealths {
		metrics.EnginesByHealth.WithLabelValues(string(h)).Set(float64(byHealth[h]))
	}
	metrics.EnginesForwarded.Set(float64(forwarded))

	active := 0
	for _, st := range snap.Streams {
		if st.Status == types.StreamStarted {
			active++
		}
	}
	metrics.StreamsActive.Set(float64(active))

	if c.vpn != nil {
		for _, vs := range c.vpn.Status() {
			connected := 0.0
			if vs.Connected {
				connected = 1.0
			}
			metrics.VPNConnected.WithLabelValues(vs.Container).Set(connected)
			metrics.VPNForwardedPort.WithLabelValues(vs.Container).Set(float64(vs.ForwardedPort))
		}
	}

	if c.alloc != nil {
		for _, scope := range c.alloc.Scopes() {
			metrics.PortsInUse.WithLabelValues(string(scope)).Set(float64(c.alloc.InUse(scope)))
		}
	}
}
