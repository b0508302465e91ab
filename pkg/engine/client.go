package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/acepool/acepool/pkg/log"
)

// ErrUnknownSession means the engine no longer knows the playback session.
// The collector treats this as a stale stream, not a transient failure.
var ErrUnknownSession = errors.New("unknown playback session")

// ErrEngine wraps an error string returned by the engine itself, as opposed
// to a transport failure.
type ErrEngine struct {
	Op      string
	Message string
}

func (e *ErrEngine) Error() string {
	return fmt.Sprintf("engine %s: %s", e.Op, e.Message)
}

// PlaybackSession is what the engine returns when asked to start playback in
// middleware mode (format=json).
type PlaybackSession struct {
	PlaybackURL       string `json:"playback_url"`
	StatURL           string `json:"stat_url"`
	CommandURL        string `json:"command_url"`
	Infohash          string `json:"infohash"`
	PlaybackSessionID string `json:"playback_session_id"`
	IsLive            int    `json:"is_live"`
	IsEncrypted       int    `json:"is_encrypted"`
	ClientSessionID   int    `json:"client_session_id"`
}

// Stat is one playback statistics sample from the engine's stat endpoint.
type Stat struct {
	Status     string   `json:"status"`
	Peers      int      `json:"peers"`
	SpeedDown  int      `json:"speed_down"`
	SpeedUp    int      `json:"speed_up"`
	Downloaded int64    `json:"downloaded"`
	Uploaded   int64    `json:"uploaded"`
	LivePos    *LivePos `json:"livepos"`
}

// LivePos is the engine's live playback window.
type LivePos struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
	Pos   int64 `json:"pos"`
}

// Version is the engine build the health probe sees.
type Version struct {
	Version string `json:"version"`
	Code    int    `json:"code"`
}

// Client talks to AceStream engine HTTP APIs. One Client serves the whole
// pool; engine address is a per-call argument since engines come and go.
type Client struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a client. timeout bounds each request end to end.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableCompression:    true,
				MaxIdleConns:          50,
				MaxConnsPerHost:       10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       30 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		logger: log.WithComponent("engine-client"),
	}
}

// Version asks the engine for its version. This is the health probe: a
// well-formed answer within the deadline means the engine is serving.
func (c *Client) Version(ctx context.Context, host string, port int) (*Version, error) {
	var result Version
	if err := c.service(ctx, host, port, "get_version", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConnectionStatus reports whether the engine believes it has network
// connectivity. Used to double-check VPN health: an engine inside the VPN
// namespace answering connected=true means the tunnel works regardless of
// what the VPN's own health endpoint claims.
func (c *Client) ConnectionStatus(ctx context.Context, host string, port int) (bool, error) {
	var result struct {
		Connected bool `json:"connected"`
	}
	if err := c.service(ctx, host, port, "get_network_connection_status", &result); err != nil {
		return false, err
	}
	return result.Connected, nil
}

// GetStatus issues the engine status probe. Any 2xx answer carrying parseable
// JSON counts as healthy; the payload itself is engine-version dependent and
// not interpreted.
func (c *Client) GetStatus(ctx context.Context, host string, port int) error {
	u := fmt.Sprintf("http://%s:%d/server/api?api_version=3&method=get_status", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to probe %s:%d: %w", host, port, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status probe on %s:%d returned %d", host, port, resp.StatusCode)
	}
	var payload any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return fmt.Errorf("status probe on %s:%d returned unparseable body: %w", host, port, err)
	}
	return nil
}

// service calls /webui/api/service?method=<method> and decodes the result.
func (c *Client) service(ctx context.Context, host string, port int, method string, result any) error {
	u := fmt.Sprintf("http://%s:%d/webui/api/service?method=%s&format=json", host, port, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s on %s:%d: %w", method, host, port, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s on %s:%d returned status %d", method, host, port, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *string         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if envelope.Error != nil && *envelope.Error != "" {
		return &ErrEngine{Op: method, Message: *envelope.Error}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// StartPlayback asks the engine to start a playback session in middleware
// mode and returns the session endpoints. pid must be unique per client
// session; the engine multiplexes on it.
func (c *Client) StartPlayback(ctx context.Context, host string, port int, keyType, key, pid string, extra url.Values) (*PlaybackSession, error) {
	u, err := url.Parse(fmt.Sprintf("http://%s:%d/ace/getstream", host, port))
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set(queryParam(keyType), key)
	params.Set("format", "json")
	params.Set("pid", pid)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to start playback on %s:%d: %w", host, port, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read playback response: %w", err)
	}

	var envelope struct {
		Response *PlaybackSession `json:"response"`
		Error    *string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode playback response: %w", err)
	}
	if envelope.Error != nil && *envelope.Error != "" {
		return nil, &ErrEngine{Op: "getstream", Message: *envelope.Error}
	}
	if envelope.Response == nil || envelope.Response.PlaybackURL == "" {
		return nil, &ErrEngine{Op: "getstream", Message: "empty response"}
	}
	return envelope.Response, nil
}

// Stat fetches one statistics sample from a session's stat URL. A null
// response with an "unknown playback session id" error maps to
// ErrUnknownSession; anything else the engine reports becomes an *ErrEngine.
func (c *Client) Stat(ctx context.Context, statURL string) (*Stat, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Response *Stat   `json:"response"`
		Error    *string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode stat response: %w", err)
	}
	if envelope.Error != nil && *envelope.Error != "" {
		if envelope.Response == nil && isUnknownSession(*envelope.Error) {
			return nil, fmt.Errorf("%s: %w", *envelope.Error, ErrUnknownSession)
		}
		return nil, &ErrEngine{Op: "stat", Message: *envelope.Error}
	}
	if envelope.Response == nil {
		return nil, &ErrEngine{Op: "stat", Message: "empty response"}
	}
	return envelope.Response, nil
}

// StopPlayback sends the stop command to a session's command URL.
func (c *Client) StopPlayback(ctx context.Context, commandURL string) error {
	u, err := url.Parse(commandURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("method", "stop")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to stop playback: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Response *string `json:"response"`
		Error    *string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode stop response: %w", err)
	}
	if envelope.Error != nil && *envelope.Error != "" {
		return &ErrEngine{Op: "stop", Message: *envelope.Error}
	}
	return nil
}

// queryParam maps a content key type to the engine's query parameter.
func queryParam(keyType string) string {
	switch keyType {
	case "content_id", "id", "":
		return "id"
	default:
		// infohash, url, data pass through unchanged.
		return keyType
	}
}

func isUnknownSession(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "unknown playback session id")
}
