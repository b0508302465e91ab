/*
Package storage provides the durable store backing the state registry.

Streams and their stat snapshots are persisted to BoltDB so playback history
survives restarts. Engines are deliberately NOT persisted: container labels
are their single source of truth, and the reconciler rebuilds the engine
registry from the runtime on every boot.

# Layout

Two top-level buckets:

  - streams: stream ID → JSON-encoded types.Stream
  - stats: nested bucket per stream ID; snapshot time (RFC3339Nano, UTC) →
    JSON-encoded types.StatSnapshot

Time-formatted keys sort lexicographically, so a "stats since T" query is a
single cursor seek instead of a scan.

# Usage

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.SaveStream(stream)
	snaps, err := store.GetStats(stream.ID, since)

BoltDB serializes writes internally; the state store adds its own lock on top
for read-modify-write sequences that span the in-memory registry and this
store.
*/
package storage
