package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testStream(id string) *types.Stream {
	return &types.Stream{
		ID:                id,
		ContentKey:        "abc123",
		KeyType:           "infohash",
		ContainerID:       "engine-1",
		EngineHost:        "localhost",
		EnginePort:        19000,
		PlaybackSessionID: "sess-1",
		StatURL:           "http://localhost:19000/ace/stat/x",
		CommandURL:        "http://localhost:19000/ace/cmd/x",
		IsLive:            true,
		Status:            types.StreamStarted,
		StartedAt:         time.Now().UTC().Truncate(time.Second),
	}
}

// TestStreamRoundTrip checks save, get, list and delete
func TestStreamRoundTrip(t *testing.T) {
	store := newTestStore(t)

	stream := testStream("abc123|sess-1")
	require.NoError(t, store.SaveStream(stream))

	got, err := store.GetStream(stream.ID)
	require.NoError(t, err)
	assert.Equal(t, stream.ContentKey, got.ContentKey)
	assert.Equal(t, stream.Status, got.Status)

	// Upsert: ending the stream overwrites in place.
	stream.Status = types.StreamEnded
	stream.EndReason = "client_disconnect"
	require.NoError(t, store.SaveStream(stream))

	got, err = store.GetStream(stream.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StreamEnded, got.Status)

	list, err := store.ListStreams()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteStream(stream.ID))
	_, err = store.GetStream(stream.ID)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

// TestGetStreamMissing checks the not-found sentinel
func TestGetStreamMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetStream("nope|nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

// TestStatsSinceQuery checks the time-ordered cursor seek
func TestStatsSinceQuery(t *testing.T) {
	store := newTestStore(t)
	streamID := "abc123|sess-1"

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		snap := &types.StatSnapshot{
			Time:      base.Add(time.Duration(i) * time.Second),
			Peers:     i,
			SpeedDown: 1000 * i,
		}
		require.NoError(t, store.AppendStats(streamID, snap))
	}

	all, err := store.GetStats(streamID, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 5)

	// Snapshots come back in time order.
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i].Time.After(all[i-1].Time))
	}

	since, err := store.GetStats(streamID, base.Add(3*time.Second))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, 3, since[0].Peers)
	assert.Equal(t, 4, since[1].Peers)
}

// TestStatsUnknownStream returns empty, not an error
func TestStatsUnknownStream(t *testing.T) {
	store := newTestStore(t)

	snaps, err := store.GetStats("missing|missing", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

// TestDeleteStreamRemovesStats checks the stat series goes with the stream
func TestDeleteStreamRemovesStats(t *testing.T) {
	store := newTestStore(t)

	stream := testStream("abc123|sess-1")
	require.NoError(t, store.SaveStream(stream))
	require.NoError(t, store.AppendStats(stream.ID, &types.StatSnapshot{Time: time.Now(), Peers: 3}))

	require.NoError(t, store.DeleteStream(stream.ID))

	snaps, err := store.GetStats(stream.ID, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

// TestPersistenceAcrossReopen checks streams survive a restart
func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	stream := testStream("abc123|sess-1")
	require.NoError(t, store.SaveStream(stream))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetStream(stream.ID)
	require.NoError(t, err)
	assert.Equal(t, stream.ContentKey, got.ContentKey)
}
