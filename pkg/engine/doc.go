// Package engine is the HTTP client for AceStream engine APIs.
//
// Engines expose two surfaces the orchestrator uses: the service API
// (/webui/api/service) for version and network-connection probes, and the
// middleware playback API (/ace/getstream with format=json) which returns
// per-session playback, stat and command URLs.
//
// One Client serves the whole pool. Compression is disabled on the transport
// because engines answer small JSON bodies and MPEG-TS, neither of which
// benefits, and the multiplexer must never receive gzip-wrapped TS.
package engine
