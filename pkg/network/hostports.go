package network

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/types"
)

// PortPublisher installs iptables rules mapping allocated host ports onto
// the ports an engine actually binds. Engines run in the host network
// namespace, so the mapping is a REDIRECT to a local port; a DNAT path is
// kept for bridged targets with their own address.
type PortPublisher struct {
	mu        sync.Mutex
	published map[string][]publishedRule

	// run executes one iptables invocation; swapped out in tests.
	run    func(args ...string) error
	logger zerolog.Logger
}

type publishedRule struct {
	targetIP string
	port     types.PortMapping
}

// NewPortPublisher creates a publisher that shells out to iptables.
func NewPortPublisher() *PortPublisher {
	return &PortPublisher{
		published: make(map[string][]publishedRule),
		run:       runIPTables,
		logger:    log.WithComponent("network"),
	}
}

// Publish installs forwarding rules for every mapping. targetIP is empty for
// containers in the host network namespace. On partial failure the rules
// already installed for this container are rolled back.
func (p *PortPublisher) Publish(containerID, targetIP string, ports []types.PortMapping) error {
	if len(ports) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var installed []publishedRule
	for _, port := range ports {
		if err := p.install(targetIP, port); err != nil {
			for _, r := range installed {
				p.remove(r.targetIP, r.port)
			}
			return fmt.Errorf("failed to publish %d->%d for %s: %w",
				port.HostPort, port.ContainerPort, containerID, err)
		}
		installed = append(installed, publishedRule{targetIP: targetIP, port: port})
	}

	p.published[containerID] = append(p.published[containerID], installed...)
	p.logger.Debug().
		Str("container_id", containerID).
		Int("ports", len(installed)).
		Msg("host ports published")
	return nil
}

// Unpublish removes every rule installed for the container. Unknown
// containers are a no-op; individual rule removal errors are ignored so a
// partially torn-down container does not wedge cleanup.
func (p *PortPublisher) Unpublish(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rules, ok := p.published[containerID]
	if !ok {
		return
	}
	for _, r := range rules {
		p.remove(r.targetIP, r.port)
	}
	delete(p.published, containerID)
}

// Published returns the mappings currently installed for a container.
func (p *PortPublisher) Published(containerID string) []types.PortMapping {
	p.mu.Lock()
	defer p.mu.Unlock()

	rules := p.published[containerID]
	out := make([]types.PortMapping, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.port)
	}
	return out
}

func (p *PortPublisher) install(targetIP string, port types.PortMapping) error {
	for _, rule := range portRules("-A", targetIP, port) {
		if err := p.run(rule...); err != nil {
			p.remove(targetIP, port)
			return err
		}
	}
	return nil
}

func (p *PortPublisher) remove(targetIP string, port types.PortMapping) {
	// Errors ignored: the rule may already be gone.
	for _, rule := range portRules("-D", targetIP, port) {
		_ = p.run(rule...)
	}
}

// portRules builds the iptables invocations for one mapping. op is -A or -D;
// the same rule bodies serve both so install and remove cannot drift apart.
func portRules(op, targetIP string, port types.PortMapping) [][]string {
	protocol := strings.ToLower(port.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}
	hostPort := fmt.Sprintf("%d", port.HostPort)
	containerPort := fmt.Sprintf("%d", port.ContainerPort)

	if targetIP == "" {
		// Host-namespace target: redirect the host port to the port the
		// engine bound locally. The OUTPUT rule covers loopback clients,
		// which never traverse PREROUTING.
		return [][]string{
			{"-t", "nat", op, "PREROUTING", "-p", protocol,
				"--dport", hostPort, "-j", "REDIRECT", "--to-ports", containerPort},
			{"-t", "nat", op, "OUTPUT", "-o", "lo", "-p", protocol,
				"--dport", hostPort, "-j", "REDIRECT", "--to-ports", containerPort},
		}
	}

	return [][]string{
		{"-t", "nat", op, "PREROUTING", "-p", protocol,
			"--dport", hostPort, "-j", "DNAT",
			"--to-destination", fmt.Sprintf("%s:%s", targetIP, containerPort)},
		{"-t", "nat", op, "POSTROUTING", "-p", protocol,
			"-d", targetIP, "--dport", containerPort, "-j", "MASQUERADE"},
		{op, "FORWARD", "-p", protocol,
			"-d", targetIP, "--dport", containerPort, "-j", "ACCEPT"},
	}
}

func runIPTables(args ...string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables %s failed: %w (output: %s)",
			strings.Join(args, " "), err, string(output))
	}
	return nil
}
