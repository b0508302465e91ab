package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the orchestrator's HTTP API. It is what the CLI
// subcommands use; requests carry their own timeouts so commands never hang
// on a wedged server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a client for the given orchestrator address. A bare host:port
// is assumed to be http. token may be empty when the server runs without an
// API key.
func New(addr, token string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx answer decoded from the orchestrator.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, http %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (http %d)", e.Message, e.StatusCode)
}

func (c *Client) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach orchestrator at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError turns an error body into an APIError. Blocked-provisioning
// answers carry code/message, everything else carries a plain error key.
func decodeError(status int, body []byte) *APIError {
	var blocked struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &blocked); err == nil && blocked.Message != "" {
		return &APIError{StatusCode: status, Code: blocked.Code, Message: blocked.Message}
	}
	var plain struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &plain); err == nil && plain.Error != "" {
		return &APIError{StatusCode: status, Message: plain.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// Engine is one pool engine as listed by GET /engines.
type Engine struct {
	ContainerID     string            `json:"container_id"`
	ContainerName   string            `json:"container_name"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	HostHTTPSPort   int               `json:"host_https_port,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	VPNContainer    string            `json:"vpn_container,omitempty"`
	Forwarded       bool              `json:"forwarded"`
	ForwardedPort   int               `json:"forwarded_port,omitempty"`
	State           string            `json:"state"`
	Health          string            `json:"health_status"`
	FirstSeen       time.Time         `json:"first_seen"`
	LastHealthCheck time.Time         `json:"last_health_check"`
	LastStreamUsage time.Time         `json:"last_stream_usage"`
	ActiveStreams   []string          `json:"active_streams"`
	StreamCount     int               `json:"stream_count"`
}

// EngineList is the GET /engines envelope.
type EngineList struct {
	Engines []Engine `json:"engines"`
	Count   int      `json:"count"`
}

// Engines lists the pool, optionally filtered by health and VPN container.
func (c *Client) Engines(health, vpnContainer string) (*EngineList, error) {
	q := url.Values{}
	if health != "" {
		q.Set("health", health)
	}
	if vpnContainer != "" {
		q.Set("vpn", vpnContainer)
	}
	path := "/engines"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out EngineList
	if err := c.do(http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream is one stream record as listed by GET /streams.
type Stream struct {
	ID                string    `json:"id"`
	ContentKey        string    `json:"key"`
	KeyType           string    `json:"key_type"`
	ContainerID       string    `json:"container_id"`
	EngineHost        string    `json:"engine_host"`
	EnginePort        int       `json:"engine_port"`
	PlaybackSessionID string    `json:"playback_session_id"`
	IsLive            bool      `json:"is_live"`
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at,omitempty"`
	EndReason         string    `json:"end_reason,omitempty"`
}

// StreamList is the GET /streams envelope.
type StreamList struct {
	Streams []Stream `json:"streams"`
	Count   int      `json:"count"`
}

// Streams lists streams, optionally filtered by status and owning container.
func (c *Client) Streams(status, containerID string) (*StreamList, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if containerID != "" {
		q.Set("container_id", containerID)
	}
	path := "/streams"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out StreamList
	if err := c.do(http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatSnapshot is one stat poll result.
type StatSnapshot struct {
	Time       time.Time `json:"time"`
	Peers      int       `json:"peers"`
	SpeedDown  int       `json:"speed_down"`
	SpeedUp    int       `json:"speed_up"`
	Downloaded int64     `json:"downloaded"`
	Uploaded   int64     `json:"uploaded"`
}

// StreamStats is the GET /streams/{id}/stats envelope.
type StreamStats struct {
	StreamID string         `json:"stream_id"`
	Stats    []StatSnapshot `json:"stats"`
	Count    int            `json:"count"`
}

// StreamStatsSince fetches a stream's stat series. since is passed through
// verbatim (RFC3339 or unix seconds); empty means the full series.
func (c *Client) StreamStatsSince(id, since string) (*StreamStats, error) {
	path := "/streams/" + url.PathEscape(id) + "/stats"
	if since != "" {
		path += "?since=" + url.QueryEscape(since)
	}
	var out StreamStats
	if err := c.do(http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ProvisionedEngine is the POST /provision/acestream answer.
type ProvisionedEngine struct {
	ContainerID        string `json:"container_id"`
	ContainerName      string `json:"container_name"`
	HostHTTPPort       int    `json:"host_http_port"`
	ContainerHTTPPort  int    `json:"container_http_port"`
	ContainerHTTPSPort int    `json:"container_https_port"`
}

// Provision asks the pool for one engine on demand.
func (c *Client) Provision() (*ProvisionedEngine, error) {
	var out ProvisionedEngine
	if err := c.do(http.MethodPost, "/provision/acestream", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Scale sets the pool to exactly n engines.
func (c *Client) Scale(n int) error {
	return c.do(http.MethodPost, "/scale/"+strconv.Itoa(n), nil)
}

// GCReport is the POST /gc answer.
type GCReport struct {
	RemovedContainers []string `json:"removed_containers"`
	PrunedCacheDirs   []string `json:"pruned_cache_dirs"`
}

// GC sweeps dead managed containers and orphaned cache directories.
func (c *Client) GC() (*GCReport, error) {
	var out GCReport
	if err := c.do(http.MethodPost, "/gc", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopContainer stops and removes one engine.
func (c *Client) StopContainer(id string) error {
	return c.do(http.MethodDelete, "/containers/"+url.PathEscape(id), nil)
}

// Status is the composite pool condition from GET /orchestrator/status.
type Status struct {
	Overall string `json:"overall"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
	Engines struct {
		Total     int `json:"total"`
		Healthy   int `json:"healthy"`
		Unhealthy int `json:"unhealthy"`
		Starting  int `json:"starting"`
		Free      int `json:"free"`
	} `json:"engines"`
	Streams struct {
		Active       int `json:"active"`
		Broadcasters int `json:"broadcasters"`
		Clients      int `json:"clients"`
	} `json:"streams"`
	VPN struct {
		Mode      string `json:"mode"`
		Connected bool   `json:"connected"`
	} `json:"vpn"`
	Reconciler struct {
		FirstSyncDone      bool `json:"first_sync_done"`
		ConsecutiveOutages int  `json:"consecutive_outages"`
	} `json:"reconciler"`
	Provisioning struct {
		CanProvision         bool   `json:"can_provision"`
		BlockedReason        string `json:"blocked_reason,omitempty"`
		BlockedReasonDetails string `json:"blocked_reason_details,omitempty"`
	} `json:"provisioning"`
}

// Status fetches the composite pool condition.
func (c *Client) Status() (*Status, error) {
	var out Status
	if err := c.do(http.MethodGet, "/orchestrator/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VPNContainer is one tunnel's condition from GET /vpn/status.
type VPNContainer struct {
	Container     string    `json:"container"`
	Health        string    `json:"health"`
	Connected     bool      `json:"connected"`
	ForwardedPort int       `json:"forwarded_port,omitempty"`
	PublicIP      string    `json:"public_ip,omitempty"`
	LastHealthy   time.Time `json:"last_healthy,omitempty"`
}

// VPNReport is the GET /vpn/status envelope.
type VPNReport struct {
	Mode       string         `json:"mode"`
	Containers []VPNContainer `json:"containers"`
}

// VPNStatus fetches per-tunnel VPN state.
func (c *Client) VPNStatus() (*VPNReport, error) {
	var out VPNReport
	if err := c.do(http.MethodGet, "/vpn/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
