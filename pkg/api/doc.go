/*
Package api exposes the orchestrator over HTTP: provisioning and stream
lifecycle endpoints for the proxy, read and control endpoints for operators,
and the multiplexed MPEG-TS endpoint for players.

# Surface

Control (bearer-authenticated when API_KEY is set):

	POST   /provision/acestream     create one engine
	POST   /events/stream_started   record a playback session
	POST   /events/stream_ended     record its end
	POST   /scale/{n}               set the pool to n engines
	POST   /gc                      remove dead containers, prune cache dirs
	DELETE /containers/{id}         stop one engine

Reads, always open:

	GET /engines                    pool listing with health and streams
	GET /streams?status=&container_id=
	GET /streams/{id}/stats?since=  collector samples, RFC3339 or unix since
	GET /orchestrator/status        composite condition
	GET /vpn/status                 supervised VPN containers
	GET /metrics                    Prometheus
	GET /healthz, GET /ready        probes

Streaming:

	GET /ace/getstream?id=<key>     shared MPEG-TS broadcast

Read endpoints answer from the state store alone, so they keep serving
through a container runtime outage.

# Blocked provisioning

When provisioning cannot proceed the response is 503 with a structured body:

	{"code": "...", "message": "...", "recovery_eta_seconds": n,
	 "can_retry": bool, "should_wait": bool}

code is one of vpn_disconnected, circuit_breaker, max_capacity or vpn_error.
Unrecognized failures are plain 500s.

# Streaming semantics

/ace/getstream joins the caller to the single broadcaster for the content
key, creating the upstream playback session when none is live. The response
is Content-Type video/mp2t with no write timeout and a flush per chunk. A
failure before the first payload byte is reported as a structured 503 or a
502; after that the connection just ends. A pool with no free capacity
answers 503 max_capacity and nudges the autoscaler, so an immediate retry
usually lands on a fresh engine.

The server drains on Stop until the context expires, then severs remaining
connections; streaming clients never drain voluntarily.
*/
package api
