package vpn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// GluetunClient talks to gluetun control servers. One client covers all
// supervised VPN containers; by default the container name doubles as the
// hostname, with per-container overrides for setups that publish the control
// API on a host port instead.
type GluetunClient struct {
	http    *http.Client
	apiPort int

	mu       sync.Mutex
	baseURLs map[string]string
	ports    map[string]portCacheEntry
	portTTL  time.Duration
}

type portCacheEntry struct {
	port      int
	fetchedAt time.Time
}

// NewGluetunClient creates a client for gluetun control APIs listening on
// apiPort. Forwarded-port responses are cached for portTTL per container.
func NewGluetunClient(apiPort int, portTTL time.Duration) *GluetunClient {
	return &GluetunClient{
		http:     &http.Client{Timeout: 5 * time.Second},
		apiPort:  apiPort,
		baseURLs: make(map[string]string),
		ports:    make(map[string]portCacheEntry),
		portTTL:  portTTL,
	}
}

// SetBaseURL overrides the control API address for one container.
func (c *GluetunClient) SetBaseURL(container, baseURL string) {
	c.mu.Lock()
	c.baseURLs[container] = baseURL
	c.mu.Unlock()
}

// Healthy reports whether the tunnel is up according to gluetun's own
// OpenVPN status endpoint.
func (c *GluetunClient) Healthy(ctx context.Context, container string) (bool, error) {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, container, "/v1/openvpn/status", &body); err != nil {
		return false, err
	}
	return body.Status == "running", nil
}

// ForwardedPort returns the port the VPN provider forwards to this tunnel.
// Zero means no port is forwarded. Responses are cached for the configured
// TTL; pass force to bypass the cache after a suspected change.
func (c *GluetunClient) ForwardedPort(ctx context.Context, container string, force bool) (int, error) {
	c.mu.Lock()
	if entry, ok := c.ports[container]; ok && !force && time.Since(entry.fetchedAt) < c.portTTL {
		port := entry.port
		c.mu.Unlock()
		return port, nil
	}
	c.mu.Unlock()

	var body struct {
		Port int `json:"port"`
	}
	if err := c.get(ctx, container, "/v1/openvpn/portforwarded", &body); err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.ports[container] = portCacheEntry{port: body.Port, fetchedAt: time.Now()}
	c.mu.Unlock()
	return body.Port, nil
}

// InvalidatePortCache drops the cached forwarded port for a container, so
// the next poll fetches fresh. Called after a VPN restart.
func (c *GluetunClient) InvalidatePortCache(container string) {
	c.mu.Lock()
	delete(c.ports, container)
	c.mu.Unlock()
}

// PublicIP returns the tunnel's public address. Both current and legacy
// gluetun response shapes are accepted.
func (c *GluetunClient) PublicIP(ctx context.Context, container string) (string, error) {
	var body struct {
		PublicIP string `json:"public_ip"`
		IP       string `json:"ip"`
	}
	if err := c.get(ctx, container, "/v1/publicip/ip", &body); err != nil {
		return "", err
	}
	if body.PublicIP != "" {
		return body.PublicIP, nil
	}
	return body.IP, nil
}

func (c *GluetunClient) get(ctx context.Context, container, path string, out any) error {
	c.mu.Lock()
	base, ok := c.baseURLs[container]
	c.mu.Unlock()
	if !ok {
		base = fmt.Sprintf("http://%s:%d", container, c.apiPort)
	}
	u := base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach gluetun %s: %w", container, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gluetun %s%s returned status %d", container, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gluetun %s response: %w", path, err)
	}
	return nil
}
