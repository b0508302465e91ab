// Package mux multiplexes playback sessions: one upstream fetch per content
// key, fanned out to any number of HTTP clients.
//
// # Broadcasters
//
// A Broadcaster owns the single connection to an engine's playback URL and
// moves through created, connecting, streaming and finally stopped or
// failed. The fetch goroutine reads fixed-size chunks into a bounded ring
// and pushes each chunk to every client queue without blocking; a client
// whose queue is full gets dropped so the rest keep playing. Late joiners
// are primed with the freshest ring chunks that fit their queue.
//
// The Mux registry guarantees one broadcaster per content key even under
// concurrent requests: the first caller inserts a placeholder and performs
// the session setup while later callers wait on it, sharing either the live
// broadcaster or the setup error.
//
// # Teardown
//
// Stopping a broadcaster cancels the fetch, wakes every waiter and sends a
// best-effort stop command to the engine so the playback session ends on
// both sides. Broadcasters idle past the configured timeout are reaped by a
// background loop.
package mux
