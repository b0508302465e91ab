package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/engine"
	"github.com/acepool/acepool/pkg/events"
	"github.com/acepool/acepool/pkg/runtime"
	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/storage"
	"github.com/acepool/acepool/pkg/types"
)

type fakeStatSource struct {
	stats map[string]*engine.Stat
	errs  map[string]error
	calls int
}

func (f *fakeStatSource) Stat(_ context.Context, statURL string) (*engine.Stat, error) {
	f.calls++
	if err, ok := f.errs[statURL]; ok {
		return nil, err
	}
	if s, ok := f.stats[statURL]; ok {
		return s, nil
	}
	return nil, errors.New("connection refused")
}

type sinkCall struct {
	evt *types.StreamEndedEvent
}

type fakeSink struct {
	calls []sinkCall
}

func (f *fakeSink) HandleStreamEnded(_ context.Context, evt *types.StreamEndedEvent) (*types.Stream, error) {
	f.calls = append(f.calls, sinkCall{evt: evt})
	return nil, nil
}

type fakeMuxer struct {
	stopped []string
}

func (f *fakeMuxer) StopByContentKey(contentKey string) {
	f.stopped = append(f.stopped, contentKey)
}

type fakeCleaner struct {
	calls chan string
}

func (f *fakeCleaner) CleanupCache(_ context.Context, containerID string) error {
	f.calls <- containerID
	return nil
}

type fixture struct {
	cfg    *config.Config
	state  *state.Store
	rt     *runtime.Fake
	source *fakeStatSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &fixture{
		cfg:    config.Default(),
		state:  state.NewStore(db),
		rt:     runtime.NewFake(),
		source: &fakeStatSource{stats: make(map[string]*engine.Stat), errs: make(map[string]error)},
	}
}

func (f *fixture) collector(sink EndedSink) *Collector {
	return New(f.cfg, f.state, f.rt, f.source, sink, nil, nil)
}

func (f *fixture) addEngine(t *testing.T, id string) {
	t.Helper()
	f.state.UpsertEngine(&types.Engine{
		ContainerID:   id,
		Host:          "127.0.0.1",
		Port:          19000,
		State:         types.EngineStateRunning,
		Health:        types.EngineHealthy,
		ActiveStreams: make(map[string]struct{}),
	})
}

func (f *fixture) startStream(t *testing.T, containerID, key, session string) *types.Stream {
	t.Helper()
	evt := &types.StreamStartedEvent{ContainerID: containerID}
	evt.Engine.Host = "127.0.0.1"
	evt.Engine.Port = 19000
	evt.Stream.KeyType = "content_id"
	evt.Stream.Key = key
	evt.Session.PlaybackSessionID = session
	evt.Session.StatURL = "http://127.0.0.1:19000/ace/stat/" + key + "/" + session
	st, err := f.state.OnStreamStarted(evt)
	require.NoError(t, err)
	return st
}

func TestCollectAppendsStatSnapshots(t *testing.T) {
	f := newFixture(t)
	f.addEngine(t, "engine-1")
	st := f.startStream(t, "engine-1", "key-a", "sess-1")

	f.source.stats[st.StatURL] = &engine.Stat{
		Status:     "dl",
		Peers:      7,
		SpeedDown:  1024,
		SpeedUp:    256,
		Downloaded: 4096,
		Uploaded:   512,
		LivePos:    &engine.LivePos{First: 10, Last: 90, Pos: 85},
	}

	c := f.collector(&fakeSink{})
	c.CollectOnce(context.Background())

	snaps, err := f.state.GetStreamStats(st.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 7, snaps[0].Peers)
	assert.Equal(t, 1024, snaps[0].SpeedDown)
	assert.Equal(t, int64(4096), snaps[0].Downloaded)
	assert.Equal(t, int64(85), snaps[0].LivePos)
}

func TestCollectSkipsEndedStreams(t *testing.T) {
	f := newFixture(t)
	f.addEngine(t, "engine-1")
	st := f.startStream(t, "engine-1", "key-a", "sess-1")

	_, _, err := f.state.OnStreamEnded(&types.StreamEndedEvent{StreamID: st.ID})
	require.NoError(t, err)

	c := f.collector(&fakeSink{})
	c.CollectOnce(context.Background())

	assert.Zero(t, f.source.calls)
}

func TestStaleStreamSynthesizesEnd(t *testing.T) {
	f := newFixture(t)
	f.addEngine(t, "engine-1")
	st := f.startStream(t, "engine-1", "key-a", "sess-1")

	f.source.errs[st.StatURL] = engine.ErrUnknownSession

	sink := &fakeSink{}
	c := f.collector(sink)
	c.CollectOnce(context.Background())

	require.Len(t, sink.calls, 1)
	assert.Equal(t, st.ID, sink.calls[0].evt.StreamID)
	assert.Equal(t, "engine-1", sink.calls[0].evt.ContainerID)
	assert.Equal(t, types.EndReasonStale, sink.calls[0].evt.Reason)
}

// TestStaleStreamCleanup drives the stale path through the real event
// handlers: within one collection pass the stream flips to ended, the
// engine's active set shrinks, the broadcaster is stopped and a cache
// cleanup runs for the now-idle engine.
func TestStaleStreamCleanup(t *testing.T) {
	f := newFixture(t)
	f.addEngine(t, "engine-1")
	st := f.startStream(t, "engine-1", "key-a", "sess-1")

	f.source.errs[st.StatURL] = engine.ErrUnknownSession

	mux := &fakeMuxer{}
	cleaner := &fakeCleaner{calls: make(chan string, 1)}
	handlers := events.NewHandlers(f.state, nil, mux, cleaner, nil, zerolog.Nop())

	c := f.collector(handlers)
	c.CollectOnce(context.Background())

	ended, err := f.state.GetStream(st.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamEnded, ended.Status)
	assert.Equal(t, types.EndReasonStale, ended.EndReason)

	e, err := f.state.GetEngine("engine-1")
	require.NoError(t, err)
	assert.Zero(t, e.ActiveStreamCount())

	assert.Equal(t, []string{"key-a"}, mux.stopped)

	select {
	case id := <-cleaner.calls:
		assert.Equal(t, "engine-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cache cleanup")
	}
}

func TestNetworkErrorDoesNotEndStream(t *testing.T) {
	f := newFixture(t)
	f.addEngine(t, "engine-1")
	st := f.startStream(t, "engine-1", "key-a", "sess-1")

	f.source.errs[st.StatURL] = errors.New("dial tcp: connection refused")

	sink := &fakeSink{}
	c := f.collector(sink)
	c.CollectOnce(context.Background())

	assert.Empty(t, sink.calls)

	got, err := f.state.GetStream(st.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamStarted, got.Status)
}

func TestDeriveCPUPercent(t *testing.T) {
	f := newFixture(t)
	c := f.collector(&fakeSink{})

	base := time.Now()

	// First sample has nothing to diff against.
	pct := c.deriveCPUPercent("engine-1", &types.ContainerStats{Time: base, CPUNanos: 1e9})
	assert.Zero(t, pct)

	// One CPU-second over one wall-second is 100%.
	pct = c.deriveCPUPercent("engine-1", &types.ContainerStats{Time: base.Add(time.Second), CPUNanos: 2e9})
	assert.InDelta(t, 100.0, pct, 0.01)

	// Half a CPU-second over two wall-seconds is 25%.
	pct = c.deriveCPUPercent("engine-1", &types.ContainerStats{Time: base.Add(3 * time.Second), CPUNanos: 2_500_000_000})
	assert.InDelta(t, 25.0, pct, 0.01)

	// Counter reset (container restart) yields zero, not negative.
	pct = c.deriveCPUPercent("engine-1", &types.ContainerStats{Time: base.Add(4 * time.Second), CPUNanos: 1e6})
	assert.Zero(t, pct)
}

func TestSampleContainersTracksEngines(t *testing.T) {
	f := newFixture(t)
	f.addEngine(t, "engine-1")
	f.rt.Add(runtime.ContainerInfo{ID: "engine-1"}, true)
	f.rt.Stats["engine-1"] = &types.ContainerStats{Time: time.Now(), CPUNanos: 1e9, MemBytes: 512 << 20}

	c := f.collector(&fakeSink{})
	c.CollectOnce(context.Background())

	c.mu.Lock()
	_, tracked := c.cpuPrev["engine-1"]
	c.mu.Unlock()
	assert.True(t, tracked)

	// Engine disappears; its sample is forgotten on the next pass.
	_, err := f.state.RemoveEngine("engine-1")
	require.NoError(t, err)
	c.CollectOnce(context.Background())

	c.mu.Lock()
	_, tracked = c.cpuPrev["engine-1"]
	c.mu.Unlock()
	assert.False(t, tracked)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	f.cfg.CollectInterval = 10 * time.Millisecond
	f.addEngine(t, "engine-1")
	st := f.startStream(t, "engine-1", "key-a", "sess-1")
	f.source.stats[st.StatURL] = &engine.Stat{Peers: 1}

	c := f.collector(&fakeSink{})
	c.Start()
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	snaps, err := f.state.GetStreamStats(st.ID, time.Time{})
	require.NoError(t, err)
	assert.NotEmpty(t, snaps)
}
