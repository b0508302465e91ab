// Package selector picks the engine that serves the next stream.
//
// Selection is layer-fill: candidates are sorted by effective load (active
// streams plus outstanding reservations) and the least loaded wins, so a pool
// of equally loaded engines receives new streams round-robin. Ties go to the
// engine holding the forwarded P2P port, then to the one least recently used
// for a stream.
//
// Engines that are not running, are marked unhealthy, or sit behind an
// unhealthy VPN are never candidates. When every candidate is at the
// per-engine stream cap, Select returns types.ErrNoCapacity and the caller
// decides whether to provision or reject.
//
// A successful Select reserves a slot on the returned engine. The caller must
// ReleasePending once the stream is confirmed started (or abandoned); unclaimed
// reservations expire on their own so a crashed caller cannot pin capacity.
package selector
