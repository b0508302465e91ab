/*
Package types defines the core data structures used throughout the
orchestrator.

This package contains the fundamental types of the domain model — engines,
streams, stat snapshots, VPN status, container labels, lifecycle events — and
the sentinel errors shared by all components. Every other package depends on
types; types depends on nothing but the standard library.

# Core Types

Pool state:
  - Engine: one AceStream engine container (ports, labels, VPN assignment,
    forwarded flag, health, timestamps, active stream set)
  - Stream: one playback session bound to an engine, identified by
    "{content_key}|{playback_session_id}"
  - StatSnapshot: one sample from a stream's stat URL

VPN:
  - VPNStatus: health, forwarded port, public IP, recovery window
  - VPNTransition: emitted by the supervisor on health changes
  - VPNMode: disabled, single, redundant

Events:
  - StreamStartedEvent / StreamEndedEvent: wire payloads of the
    /events/stream_started and /events/stream_ended endpoints, matching what
    the proxy emits

Labels:
  - Label constants owned by the orchestrator plus EncodeEngineLabels and
    DecodeEngineLabels. Labels are the only durable record of an engine's
    ports and VPN assignment; the reconciler rebuilds state from them after a
    restart.

# Errors

Sentinel errors (ErrRuntimeUnavailable, ErrNotFound, ErrNoFreePort,
ErrVPNUnhealthy, ErrNoCapacity, ErrMaxReplicas) are matched with errors.Is.
ErrRuntimeUnavailable and ErrNotFound are deliberately distinct: a runtime
outage must never be mistaken for container removal, or the reconciler would
destroy state it should preserve.

# Thread Safety

Types here are plain data. The state store owns Engine and Stream instances
and synchronizes access; Engine.Clone produces copies safe to hand out of the
state lock.
*/
package types
