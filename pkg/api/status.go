package api

import (
	"github.com/acepool/acepool/pkg/breaker"
	"github.com/acepool/acepool/pkg/types"
)

// Status is the composite orchestrator condition served by
// GET /orchestrator/status. It is computed by the orchestrator from every
// component's view; the API only serializes it.
type Status struct {
	Overall      types.OverallStatus     `json:"overall"`
	Version      string                  `json:"version,omitempty"`
	Uptime       string                  `json:"uptime,omitempty"`
	Engines      EngineCounts            `json:"engines"`
	Streams      StreamCounts            `json:"streams"`
	VPN          VPNSummary              `json:"vpn"`
	Breakers     []breaker.ClassSnapshot `json:"breakers,omitempty"`
	Reconciler   ReconcilerStatus        `json:"reconciler"`
	Provisioning ProvisioningStatus      `json:"provisioning"`
}

// EngineCounts breaks the pool down by condition. Free engines are healthy,
// running and idle.
type EngineCounts struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Starting  int `json:"starting"`
	Free      int `json:"free"`
}

// StreamCounts covers both bookkeeping (active streams) and the live fanout
// (broadcasters and their attached clients).
type StreamCounts struct {
	Active       int `json:"active"`
	Broadcasters int `json:"broadcasters"`
	Clients      int `json:"clients"`
}

// VPNSummary reports the VPN layer as a whole plus each container.
type VPNSummary struct {
	Mode       string            `json:"mode"`
	Connected  bool              `json:"connected"`
	Containers []types.VPNStatus `json:"containers,omitempty"`
}

// ReconcilerStatus reports runtime synchronization progress.
type ReconcilerStatus struct {
	FirstSyncDone      bool `json:"first_sync_done"`
	ConsecutiveOutages int  `json:"consecutive_outages"`
}

// ProvisioningStatus says whether a provision request would be accepted
// right now, and if not, why.
type ProvisioningStatus struct {
	CanProvision         bool   `json:"can_provision"`
	BlockedReason        string `json:"blocked_reason,omitempty"`
	BlockedReasonDetails string `json:"blocked_reason_details,omitempty"`
}
