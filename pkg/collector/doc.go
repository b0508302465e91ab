// Package collector polls live streams and samples container resources.
//
// # Stale detection
//
// Clients do not reliably report stream teardown, so the collector is the
// authoritative end-of-stream signal: each period it fetches every started
// stream's stat URL, and an engine answering "unknown playback session id"
// gets a synthesized stream_ended event with reason stale_stream_detected.
// Plain network failures never end a stream; they only bump an error
// counter, since a briefly unreachable engine usually comes back.
//
// # Samples and gauges
//
// Successful stat probes are appended to the stream's snapshot series for
// the stats API. One batched runtime call per period samples CPU and memory
// for all engines; CPU percentages are derived from successive cumulative
// cgroup counters. The same pass refreshes the acepool_* pool-shape gauges.
package collector
