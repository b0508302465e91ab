// Package events carries the orchestrator's internal event bus and the
// handlers behind the stream lifecycle callbacks.
//
// # Broker
//
// Broker is a small fan-out bus. Components publish Events; subscribers
// receive them on buffered channels. Distribution is best-effort: a
// subscriber that stops draining its channel loses events rather than
// stalling the bus.
//
// # Callbacks
//
// Handlers translates the proxy's stream_started and stream_ended callbacks
// into state transitions and their side effects:
//
//   - stream_started attaches the stream to its engine and releases the
//     pending-selection reservation taken when the engine was handed out.
//   - stream_ended detaches the stream, tears down any shared broadcast for
//     its content key, and schedules a cache cleanup when the engine went
//     idle. Duplicate callbacks for the same stream are absorbed.
//
// Both handlers publish the outcome on the broker so observers (metrics,
// logs) see one canonical record per transition.
package events
