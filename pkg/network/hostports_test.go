package network

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/types"
)

type fakeIPTables struct {
	calls  [][]string
	failOn string
}

func (f *fakeIPTables) run(args ...string) error {
	f.calls = append(f.calls, args)
	if f.failOn != "" && strings.Contains(strings.Join(args, " "), f.failOn) {
		return fmt.Errorf("iptables: simulated failure")
	}
	return nil
}

func newTestPublisher() (*PortPublisher, *fakeIPTables) {
	ipt := &fakeIPTables{}
	p := NewPortPublisher()
	p.run = ipt.run
	return p, ipt
}

func TestPublishHostNamespaceUsesRedirect(t *testing.T) {
	p, ipt := newTestPublisher()

	err := p.Publish("eng-1", "", []types.PortMapping{{HostPort: 19000, ContainerPort: 40000}})
	require.NoError(t, err)

	require.Len(t, ipt.calls, 2)
	joined := strings.Join(ipt.calls[0], " ")
	assert.Contains(t, joined, "-A PREROUTING")
	assert.Contains(t, joined, "--dport 19000")
	assert.Contains(t, joined, "REDIRECT")
	assert.Contains(t, joined, "--to-ports 40000")
	assert.Contains(t, strings.Join(ipt.calls[1], " "), "-A OUTPUT")
}

func TestPublishBridgedTargetUsesDNAT(t *testing.T) {
	p, ipt := newTestPublisher()

	err := p.Publish("eng-1", "10.4.0.8", []types.PortMapping{{HostPort: 19000, ContainerPort: 40000}})
	require.NoError(t, err)

	require.Len(t, ipt.calls, 3)
	assert.Contains(t, strings.Join(ipt.calls[0], " "), "DNAT")
	assert.Contains(t, strings.Join(ipt.calls[0], " "), "10.4.0.8:40000")
	assert.Contains(t, strings.Join(ipt.calls[1], " "), "MASQUERADE")
	assert.Contains(t, strings.Join(ipt.calls[2], " "), "FORWARD")
}

func TestUnpublishRemovesInstalledRules(t *testing.T) {
	p, ipt := newTestPublisher()

	require.NoError(t, p.Publish("eng-1", "", []types.PortMapping{
		{HostPort: 19000, ContainerPort: 40000},
		{HostPort: 19001, ContainerPort: 45000},
	}))
	installed := len(ipt.calls)

	p.Unpublish("eng-1")
	assert.Len(t, ipt.calls, installed*2, "every -A should get a matching -D")
	for _, call := range ipt.calls[installed:] {
		assert.Contains(t, call, "-D")
	}
	assert.Empty(t, p.Published("eng-1"))

	// Second unpublish is a no-op.
	p.Unpublish("eng-1")
	assert.Len(t, ipt.calls, installed*2)
}

func TestPublishRollsBackOnPartialFailure(t *testing.T) {
	p, ipt := newTestPublisher()
	ipt.failOn = "19001"

	err := p.Publish("eng-1", "", []types.PortMapping{
		{HostPort: 19000, ContainerPort: 40000},
		{HostPort: 19001, ContainerPort: 45000},
	})
	require.Error(t, err)
	assert.Empty(t, p.Published("eng-1"))

	// The successfully installed first mapping must have been deleted.
	var deletes int
	for _, call := range ipt.calls {
		if strings.Contains(strings.Join(call, " "), "-D") &&
			strings.Contains(strings.Join(call, " "), "19000") {
			deletes++
		}
	}
	assert.NotZero(t, deletes, "rollback should remove the first mapping's rules")
}
