package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/state"
	"github.com/acepool/acepool/pkg/storage"
	"github.com/acepool/acepool/pkg/types"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: TypeEngineProvisioned, Fields: map[string]string{"container_id": "abc"}})

	select {
	case evt := <-sub:
		assert.Equal(t, TypeEngineProvisioned, evt.Type)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.Timestamp.IsZero())
		assert.Equal(t, "abc", evt.Fields["container_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Double unsubscribe must not panic.
	b.Unsubscribe(sub)
}

func TestBrokerSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	slow := b.Subscribe() // never drained
	fast := b.Subscribe()
	defer b.Unsubscribe(slow)

	const total = 60 // exceeds the slow subscriber's buffer
	received := 0
	done := make(chan struct{})
	go func() {
		for range fast {
			received++
			if received == total {
				close(done)
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		b.Publish(&Event{Type: TypeStreamStarted})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fast subscriber received %d of %d events", received, total)
	}
	b.Unsubscribe(fast)

	// The slow subscriber's queue holds 50, so the overflow was dropped and
	// counted rather than blocking the pump.
	require.Eventually(t, func() bool {
		return b.Dropped() == int64(total-subscriberBuffer)
	}, 2*time.Second, 5*time.Millisecond)
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeReleaser) ReleasePending(engineID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, engineID)
}

type fakeMuxer struct {
	mu      sync.Mutex
	stopped []string
}

func (f *fakeMuxer) StopByContentKey(contentKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, contentKey)
}

type fakeCleaner struct {
	calls chan string
}

func (f *fakeCleaner) CleanupCache(_ context.Context, containerID string) error {
	f.calls <- containerID
	return nil
}

type handlerFixture struct {
	state   *state.Store
	sel     *fakeReleaser
	mux     *fakeMuxer
	cleaner *fakeCleaner
	broker  *Broker
	sub     Subscriber
	h       *Handlers
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &handlerFixture{
		state:   state.NewStore(db),
		sel:     &fakeReleaser{},
		mux:     &fakeMuxer{},
		cleaner: &fakeCleaner{calls: make(chan string, 4)},
		broker:  NewBroker(),
	}
	f.broker.Start()
	t.Cleanup(f.broker.Stop)
	f.sub = f.broker.Subscribe()

	f.h = NewHandlers(f.state, f.sel, f.mux, f.cleaner, f.broker, zerolog.Nop())
	return f
}

func (f *handlerFixture) addEngine(t *testing.T, id string) {
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

func (f *handlerFixture) nextEvent(t *testing.T) *Event {
	t.Helper()
	select {
	case evt := <-f.sub:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return nil
	}
}

func startEvent(containerID, key, session string) *types.StreamStartedEvent {
	evt := &types.StreamStartedEvent{ContainerID: containerID}
	evt.Engine.Host = "127.0.0.1"
	evt.Engine.Port = 19000
	evt.Stream.KeyType = "content_id"
	evt.Stream.Key = key
	evt.Session.PlaybackSessionID = session
	return evt
}

func TestHandleStreamStarted(t *testing.T) {
	f := newHandlerFixture(t)
	f.addEngine(t, "engine-1")

	stream, err := f.h.HandleStreamStarted(context.Background(), startEvent("engine-1", "key-a", "sess-1"))
	require.NoError(t, err)
	require.NotNil(t, stream)
	assert.Equal(t, "key-a", stream.ContentKey)

	assert.Equal(t, []string{"engine-1"}, f.sel.released)

	e, err := f.state.GetEngine("engine-1")
	require.NoError(t, err)
	assert.Equal(t, 1, e.ActiveStreamCount())

	evt := f.nextEvent(t)
	assert.Equal(t, TypeStreamStarted, evt.Type)
	assert.Equal(t, stream.ID, evt.Fields["stream_id"])
	assert.Equal(t, "engine-1", evt.Fields["container_id"])
}

func TestHandleStreamStartedMissingKeyRejected(t *testing.T) {
	f := newHandlerFixture(t)

	_, err := f.h.HandleStreamStarted(context.Background(), startEvent("engine-1", "", "sess-1"))
	assert.Error(t, err)
	assert.Empty(t, f.sel.released)
}

func TestHandleStreamEndedStopsBroadcast(t *testing.T) {
	f := newHandlerFixture(t)
	f.addEngine(t, "engine-1")

	stream, err := f.h.HandleStreamStarted(context.Background(), startEvent("engine-1", "key-a", "sess-1"))
	require.NoError(t, err)
	f.nextEvent(t)

	ended, err := f.h.HandleStreamEnded(context.Background(), &types.StreamEndedEvent{
		StreamID: stream.ID,
		Reason:   "client_disconnect",
	})
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.Equal(t, types.StreamEnded, ended.Status)

	assert.Equal(t, []string{"key-a"}, f.mux.stopped)

	evt := f.nextEvent(t)
	assert.Equal(t, TypeStreamEnded, evt.Type)
	assert.Equal(t, "client_disconnect", evt.Fields["reason"])
	assert.Equal(t, "true", evt.Fields["engine_idle"])
}

func TestHandleStreamEndedIdleEngineCacheCleanup(t *testing.T) {
	f := newHandlerFixture(t)
	f.addEngine(t, "engine-1")

	stream, err := f.h.HandleStreamStarted(context.Background(), startEvent("engine-1", "key-a", "sess-1"))
	require.NoError(t, err)

	_, err = f.h.HandleStreamEnded(context.Background(), &types.StreamEndedEvent{StreamID: stream.ID})
	require.NoError(t, err)

	select {
	case id := <-f.cleaner.calls:
		assert.Equal(t, "engine-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cache cleanup")
	}
}

func TestHandleStreamEndedBusyEngineSkipsCleanup(t *testing.T) {
	f := newHandlerFixture(t)
	f.addEngine(t, "engine-1")

	first, err := f.h.HandleStreamStarted(context.Background(), startEvent("engine-1", "key-a", "sess-1"))
	require.NoError(t, err)
	_, err = f.h.HandleStreamStarted(context.Background(), startEvent("engine-1", "key-b", "sess-2"))
	require.NoError(t, err)

	_, err = f.h.HandleStreamEnded(context.Background(), &types.StreamEndedEvent{StreamID: first.ID})
	require.NoError(t, err)

	select {
	case id := <-f.cleaner.calls:
		t.Fatalf("unexpected cache cleanup for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleStreamEndedDuplicateAbsorbed(t *testing.T) {
	f := newHandlerFixture(t)
	f.addEngine(t, "engine-1")

	stream, err := f.h.HandleStreamStarted(context.Background(), startEvent("engine-1", "key-a", "sess-1"))
	require.NoError(t, err)

	_, err = f.h.HandleStreamEnded(context.Background(), &types.StreamEndedEvent{StreamID: stream.ID, Reason: "client_disconnect"})
	require.NoError(t, err)
	<-f.cleaner.calls

	dup, err := f.h.HandleStreamEnded(context.Background(), &types.StreamEndedEvent{StreamID: stream.ID, Reason: "stale_stream_detected"})
	require.NoError(t, err)
	require.NotNil(t, dup)
	// First reason wins and the idle cleanup does not rerun.
	assert.Equal(t, "client_disconnect", dup.EndReason)

	select {
	case id := <-f.cleaner.calls:
		t.Fatalf("duplicate end re-triggered cleanup for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleStreamEndedUnknownStream(t *testing.T) {
	f := newHandlerFixture(t)

	stream, err := f.h.HandleStreamEnded(context.Background(), &types.StreamEndedEvent{StreamID: "ghost"})
	require.NoError(t, err)
	assert.Nil(t, stream)
	assert.Empty(t, f.mux.stopped)
}
