package types

import (
	"fmt"
	"strconv"
)

// Container labels owned by the orchestrator. Set by the provisioner, read
// back by the reconciler to rebuild state after restarts.
const (
	// LabelManaged marks containers under orchestrator management.
	LabelManaged      = "orchestrator.managed"
	LabelManagedValue = "acestream"

	// LabelHTTPPort / LabelHTTPSPort record the engine's internal ports.
	LabelHTTPPort  = "acestream.http_port"
	LabelHTTPSPort = "acestream.https_port"

	// LabelHostHTTPPort / LabelHostHTTPSPort record the published host ports.
	LabelHostHTTPPort  = "host.http_port"
	LabelHostHTTPSPort = "host.https_port"

	// LabelVPNContainer records the VPN container whose netns the engine shares.
	LabelVPNContainer = "acestream.vpn_container"

	// LabelForwarded is "true" iff the engine holds the forwarded P2P port.
	LabelForwarded = "acestream.forwarded"
)

// EncodeEngineLabels produces the label set the provisioner stamps onto a new
// engine container.
func EncodeEngineLabels(e *Engine) map[string]string {
	labels := map[string]string{
		LabelManaged:  LabelManagedValue,
		LabelHTTPPort: strconv.Itoa(e.InternalHTTPPort),
	}
	if e.InternalHTTPSPort > 0 {
		labels[LabelHTTPSPort] = strconv.Itoa(e.InternalHTTPSPort)
	}
	if e.Port > 0 {
		labels[LabelHostHTTPPort] = strconv.Itoa(e.Port)
	}
	if e.HostHTTPSPort > 0 {
		labels[LabelHostHTTPSPort] = strconv.Itoa(e.HostHTTPSPort)
	}
	if e.VPNContainer != "" {
		labels[LabelVPNContainer] = e.VPNContainer
	}
	if e.Forwarded {
		labels[LabelForwarded] = "true"
	}
	return labels
}

// DecodeEngineLabels rebuilds engine port and VPN assignment from container
// labels. Used by the reconciler when adopting containers found in the
// runtime that are missing from state.
func DecodeEngineLabels(labels map[string]string) (*Engine, error) {
	if labels[LabelManaged] != LabelManagedValue {
		return nil, fmt.Errorf("container is not managed: missing %s=%s", LabelManaged, LabelManagedValue)
	}

	e := &Engine{
		Labels:       labels,
		VPNContainer: labels[LabelVPNContainer],
		Forwarded:    labels[LabelForwarded] == "true",
	}

	var err error
	if e.InternalHTTPPort, err = labelPort(labels, LabelHTTPPort); err != nil {
		return nil, err
	}
	// Remaining ports are optional: HTTPS may be unmapped, and an engine in a
	// VPN netns may be reached through the VPN's published port instead.
	e.InternalHTTPSPort, _ = labelPort(labels, LabelHTTPSPort)
	e.Port, _ = labelPort(labels, LabelHostHTTPPort)
	e.HostHTTPSPort, _ = labelPort(labels, LabelHostHTTPSPort)

	return e, nil
}

func labelPort(labels map[string]string, key string) (int, error) {
	raw, ok := labels[key]
	if !ok || raw == "" {
		return 0, fmt.Errorf("label %s not set", key)
	}
	port, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("label %s: invalid port %q: %w", key, raw, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("label %s: port %d out of range", key, port)
	}
	return port, nil
}
