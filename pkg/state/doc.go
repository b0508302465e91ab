// Package state holds the orchestrator's canonical view of engines and
// streams.
//
// # Design
//
// Engines live in memory only. Every fact needed to rebuild an engine record
// is encoded in container labels at creation time, so after a restart the
// reconciler repopulates this registry from the runtime and nothing is lost.
// Streams and their stat snapshots go through to bbolt so playback history
// survives restarts.
//
// One process-wide RWMutex mediates all writes, which keeps cross-record
// invariants (an engine's active stream set versus stream status) simple to
// maintain. Readers get deep copies; a Snapshot is safe to use without
// locking after it is taken.
//
// # Stream lifecycle
//
// A stream id is "{content_key}|{playback_session_id}". stream_started
// upserts the record and attaches it to the owning engine; stream_ended is
// idempotent and reports whether the engine just went idle so the caller can
// schedule cache cleanup. Ended is terminal: re-adding the same content key
// produces a new record under a new session id.
//
// Events may arrive for containers this process has not adopted yet. The
// stream is recorded anyway and relinked when UpsertEngine sees the
// container, so ordering between the event source and the reconciler does
// not matter.
package state
