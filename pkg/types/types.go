package types

import (
	"time"
)

// EngineHealth represents the health classification of an engine
type EngineHealth string

const (
	EngineHealthy   EngineHealth = "healthy"
	EngineUnhealthy EngineHealth = "unhealthy"
	EngineUnknown   EngineHealth = "unknown"
)

// EngineState represents the runtime state of an engine container
type EngineState string

const (
	EngineStateStarting EngineState = "starting"
	EngineStateRunning  EngineState = "running"
	EngineStateStopping EngineState = "stopping"
	EngineStateStopped  EngineState = "stopped"
)

// Engine represents one AceStream engine container managed by the pool
type Engine struct {
	ContainerID   string
	ContainerName string

	// Host and Port are the address through which the engine HTTP API is
	// reachable from the orchestrator and the proxy.
	Host string
	Port int

	// HostHTTPSPort is the published HTTPS port, zero when not mapped.
	HostHTTPSPort int

	// InternalHTTPPort/InternalHTTPSPort are the ports the engine listens on
	// inside its own (or the VPN's) network namespace.
	InternalHTTPPort  int
	InternalHTTPSPort int

	Labels map[string]string

	// VPNContainer is the VPN container whose network namespace this engine
	// shares; empty when the engine runs on the host network.
	VPNContainer string

	// Forwarded marks the engine holding the VPN's forwarded P2P port.
	Forwarded bool

	// ForwardedPort is the P2P port handed to a forwarded engine via env.
	ForwardedPort int

	State  EngineState
	Health EngineHealth

	// ConsecutiveFailures counts back-to-back health probe failures.
	ConsecutiveFailures int

	FirstSeen        time.Time
	LastSeen         time.Time
	LastHealthCheck  time.Time
	LastStreamUsage  time.Time
	LastCacheCleanup time.Time

	// ActiveStreams is the set of stream IDs currently owned by this engine.
	ActiveStreams map[string]struct{}
}

// ActiveStreamCount returns the number of streams attached to the engine.
func (e *Engine) ActiveStreamCount() int {
	return len(e.ActiveStreams)
}

// Clone returns a deep copy safe to hand outside the state lock.
func (e *Engine) Clone() *Engine {
	c := *e
	c.Labels = make(map[string]string, len(e.Labels))
	for k, v := range e.Labels {
		c.Labels[k] = v
	}
	c.ActiveStreams = make(map[string]struct{}, len(e.ActiveStreams))
	for k := range e.ActiveStreams {
		c.ActiveStreams[k] = struct{}{}
	}
	return &c
}

// StreamStatus represents the lifecycle state of a stream
type StreamStatus string

const (
	StreamStarted StreamStatus = "started"
	StreamEnded   StreamStatus = "ended"
)

// Stream represents one playback session on one engine
type Stream struct {
	// ID is "{content_key}|{playback_session_id}".
	ID string `json:"id"`

	ContentKey string `json:"key"`
	KeyType    string `json:"key_type"`

	ContainerID string `json:"container_id"`
	EngineHost  string `json:"engine_host"`
	EnginePort  int    `json:"engine_port"`

	PlaybackSessionID string `json:"playback_session_id"`
	StatURL           string `json:"stat_url"`
	CommandURL        string `json:"command_url"`
	IsLive            bool   `json:"is_live"`

	Status    StreamStatus `json:"status"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
	EndReason string       `json:"end_reason,omitempty"`
}

// StreamID composes the canonical stream identifier.
func StreamID(contentKey, playbackSessionID string) string {
	return contentKey + "|" + playbackSessionID
}

// StatSnapshot is one sample of an engine's per-stream statistics
type StatSnapshot struct {
	Time       time.Time `json:"time"`
	Peers      int       `json:"peers"`
	SpeedDown  int       `json:"speed_down"`
	SpeedUp    int       `json:"speed_up"`
	Downloaded int64     `json:"downloaded"`
	Uploaded   int64     `json:"uploaded"`

	// Live stream position block, zero for VOD.
	LiveFirst int64 `json:"live_first,omitempty"`
	LiveLast  int64 `json:"live_last,omitempty"`
	LivePos   int64 `json:"live_pos,omitempty"`
}

// VPNHealth represents the health classification of a VPN container
type VPNHealth string

const (
	VPNHealthy   VPNHealth = "healthy"
	VPNUnhealthy VPNHealth = "unhealthy"
	VPNUnknown   VPNHealth = "unknown"
)

// VPNStatus is a point-in-time view of one supervised VPN container
type VPNStatus struct {
	Container     string    `json:"container"`
	Health        VPNHealth `json:"health"`
	Connected     bool      `json:"connected"`
	ForwardedPort int       `json:"forwarded_port,omitempty"`
	PublicIP      string    `json:"public_ip,omitempty"`
	LastHealthy   time.Time `json:"last_healthy,omitempty"`

	// UnhealthySince is zero while the VPN is healthy.
	UnhealthySince time.Time `json:"unhealthy_since,omitempty"`

	// RecoveryUntil marks the end of the post-recovery stabilization window
	// during which grace-period cleanup and replacement are suppressed.
	RecoveryUntil time.Time `json:"recovery_until,omitempty"`
}

// InRecoveryWindow reports whether the stabilization window is still open.
func (v *VPNStatus) InRecoveryWindow(now time.Time) bool {
	return now.Before(v.RecoveryUntil)
}

// VPNTransition is emitted by the VPN supervisor on health state changes
type VPNTransition struct {
	Container     string
	OldHealth     VPNHealth
	NewHealth     VPNHealth
	ForwardedPort int
	At            time.Time
}

// VPNMode selects how many VPN containers the pool runs behind
type VPNMode string

const (
	VPNModeDisabled  VPNMode = "disabled"
	VPNModeSingle    VPNMode = "single"
	VPNModeRedundant VPNMode = "redundant"
)

// OverallStatus is the aggregate orchestrator condition
type OverallStatus string

const (
	StatusHealthy     OverallStatus = "healthy"
	StatusDegraded    OverallStatus = "degraded"
	StatusUnavailable OverallStatus = "unavailable"
)

// StopReason records why an engine was stopped, for logs and metrics
type StopReason string

const (
	StopReasonIdle        StopReason = "idle_grace_expired"
	StopReasonScaleDown   StopReason = "scale_down"
	StopReasonReplacement StopReason = "replacement"
	StopReasonPortChange  StopReason = "vpn_port_change"
	StopReasonAPI         StopReason = "api_request"
)

// EndReasonStale is the reason attached to collector-synthesized stream_ended
// events when the engine reports an unknown playback session.
const EndReasonStale = "stale_stream_detected"

// ContainerStats is one engine container's resource usage sample. CPUNanos
// is the cumulative cgroup counter; CPUPercent is derived by the collector
// from successive samples.
type ContainerStats struct {
	Time       time.Time `json:"time"`
	CPUNanos   uint64    `json:"cpu_nanos"`
	CPUPercent float64   `json:"cpu_percent"`
	MemBytes   uint64    `json:"mem_bytes"`
	MemLimit   uint64    `json:"mem_limit"`
}

// PortMapping publishes one host port to a container port.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}
