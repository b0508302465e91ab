package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/acepool/acepool/pkg/types"
)

// PortRange is an inclusive port interval, configured as "start-end".
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// ParsePortRange parses "40000-40999" into a PortRange.
func ParsePortRange(s string) (PortRange, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "-", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("invalid port range %q: want start-end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
	}
	r := PortRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return PortRange{}, err
	}
	return r, nil
}

// Validate checks range bounds and ordering.
func (r PortRange) Validate() error {
	if r.Start <= 0 || r.End > 65535 || r.Start > r.End {
		return fmt.Errorf("invalid port range %d-%d", r.Start, r.End)
	}
	return nil
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int { return r.End - r.Start + 1 }

func (r PortRange) String() string { return fmt.Sprintf("%d-%d", r.Start, r.End) }

// Config holds every tunable of the orchestrator. Values come from an
// optional YAML file first, then environment variables override, matching the
// documented knob names.
type Config struct {
	// API server
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`

	// Container runtime
	ContainerdAddress   string `yaml:"containerd_address"`
	ContainerdNamespace string `yaml:"containerd_namespace"`

	// Engine containers
	EngineImage        string        `yaml:"engine_image"`
	EngineCacheDir     string        `yaml:"engine_cache_dir"`
	EngineReadyTimeout time.Duration `yaml:"engine_ready_timeout"`

	// Pool sizing
	MinFreeReplicas     int  `yaml:"min_free_replicas"`
	MaxReplicas         int  `yaml:"max_replicas"`
	MaxStreamsPerEngine int  `yaml:"max_streams_per_engine"`
	AutoDelete          bool `yaml:"auto_delete"`

	// Provisioning throttles
	MaxConcurrentProvisions int           `yaml:"max_concurrent_provisions"`
	MinProvisionInterval    time.Duration `yaml:"min_provision_interval"`
	EngineGracePeriod       time.Duration `yaml:"engine_grace_period"`
	ScaleLookaheadSlack     int           `yaml:"scale_lookahead_slack"`

	// Loop periods
	AutoscaleInterval time.Duration `yaml:"autoscale_interval"`
	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	CollectInterval   time.Duration `yaml:"collect_interval"`

	// Engine health monitor
	HealthCheckInterval        time.Duration `yaml:"health_check_interval"`
	HealthFailureThreshold     int           `yaml:"health_failure_threshold"`
	HealthUnhealthyGracePeriod time.Duration `yaml:"health_unhealthy_grace_period"`
	HealthReplacementCooldown  time.Duration `yaml:"health_replacement_cooldown"`

	// Circuit breakers
	BreakerFailureThreshold            int           `yaml:"circuit_breaker_failure_threshold"`
	BreakerRecoveryTimeout             time.Duration `yaml:"circuit_breaker_recovery_timeout"`
	ReplacementBreakerFailureThreshold int           `yaml:"replacement_breaker_failure_threshold"`
	ReplacementBreakerRecoveryTimeout  time.Duration `yaml:"replacement_breaker_recovery_timeout"`

	// VPN supervisor
	VPNMode                      types.VPNMode `yaml:"vpn_mode"`
	GluetunContainerName         string        `yaml:"gluetun_container_name"`
	GluetunContainerName2        string        `yaml:"gluetun_container_name_2"`
	GluetunAPIPort               int           `yaml:"gluetun_api_port"`
	GluetunHealthCheckInterval   time.Duration `yaml:"gluetun_health_check_interval"`
	GluetunPortCacheTTL          time.Duration `yaml:"gluetun_port_cache_ttl"`
	VPNUnhealthyRestartTimeout   time.Duration `yaml:"vpn_unhealthy_restart_timeout"`
	VPNRestartEnginesOnReconnect bool          `yaml:"vpn_restart_engines_on_reconnect"`
	VPNRecoveryWindow            time.Duration `yaml:"vpn_recovery_window"`

	// Port allocator scopes
	PortRangeHost     PortRange `yaml:"port_range_host"`
	AceHTTPRange      PortRange `yaml:"ace_http_range"`
	AceHTTPSRange     PortRange `yaml:"ace_https_range"`
	GluetunPortRange1 PortRange `yaml:"gluetun_port_range_1"`
	GluetunPortRange2 PortRange `yaml:"gluetun_port_range_2"`

	// Multiplexer
	MuxChunkSize        uint64        `yaml:"mux_chunk_size"`
	MuxRingCapacity     int           `yaml:"mux_ring_capacity"`
	MuxClientQueueSize  int           `yaml:"mux_client_queue_size"`
	MuxIdleTimeout      time.Duration `yaml:"mux_idle_timeout"`
	MuxConnectTimeout   time.Duration `yaml:"mux_connect_timeout"`
	MuxClientWaitFirst  time.Duration `yaml:"mux_client_wait_first"`
	PendingStreamExpiry time.Duration `yaml:"pending_stream_expiry"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8000",
		ContainerdAddress:   "/run/containerd/containerd.sock",
		ContainerdNamespace: "acepool",

		EngineImage:        "acestream/engine:latest",
		EngineCacheDir:     "/var/lib/acepool/cache",
		EngineReadyTimeout: 60 * time.Second,

		MinFreeReplicas:     1,
		MaxReplicas:         5,
		MaxStreamsPerEngine: 3,
		AutoDelete:          true,

		MaxConcurrentProvisions: 5,
		MinProvisionInterval:    500 * time.Millisecond,
		EngineGracePeriod:       30 * time.Second,
		ScaleLookaheadSlack:     1,

		AutoscaleInterval: 30 * time.Second,
		MonitorInterval:   10 * time.Second,
		CollectInterval:   2 * time.Second,

		HealthCheckInterval:        30 * time.Second,
		HealthFailureThreshold:     3,
		HealthUnhealthyGracePeriod: 60 * time.Second,
		HealthReplacementCooldown:  60 * time.Second,

		BreakerFailureThreshold:            5,
		BreakerRecoveryTimeout:             300 * time.Second,
		ReplacementBreakerFailureThreshold: 5,
		ReplacementBreakerRecoveryTimeout:  300 * time.Second,

		VPNMode:                      types.VPNModeDisabled,
		GluetunAPIPort:               8000,
		GluetunHealthCheckInterval:   5 * time.Second,
		GluetunPortCacheTTL:          60 * time.Second,
		VPNUnhealthyRestartTimeout:   60 * time.Second,
		VPNRestartEnginesOnReconnect: false,
		VPNRecoveryWindow:            2 * time.Minute,

		PortRangeHost:     PortRange{Start: 19000, End: 19999},
		AceHTTPRange:      PortRange{Start: 40000, End: 40999},
		AceHTTPSRange:     PortRange{Start: 45000, End: 45999},
		GluetunPortRange1: PortRange{Start: 19000, End: 19499},
		GluetunPortRange2: PortRange{Start: 19500, End: 19999},

		MuxChunkSize:        64 * 1024,
		MuxRingCapacity:     100,
		MuxClientQueueSize:  50,
		MuxIdleTimeout:      300 * time.Second,
		MuxConnectTimeout:   30 * time.Second,
		MuxClientWaitFirst:  30 * time.Second,
		PendingStreamExpiry: 30 * time.Second,

		DataDir: "/var/lib/acepool",

		LogLevel: "info",
		LogJSON:  true,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error

	c.ListenAddr = lookupEnvOrString("LISTEN_ADDR", c.ListenAddr)
	c.APIKey = lookupEnvOrString("API_KEY", c.APIKey)

	c.ContainerdAddress = lookupEnvOrString("CONTAINERD_ADDRESS", c.ContainerdAddress)
	c.ContainerdNamespace = lookupEnvOrString("CONTAINERD_NAMESPACE", c.ContainerdNamespace)

	c.EngineImage = lookupEnvOrString("ENGINE_IMAGE", c.EngineImage)
	c.EngineCacheDir = lookupEnvOrString("ENGINE_CACHE_DIR", c.EngineCacheDir)
	c.EngineReadyTimeout = lookupEnvOrSeconds("ENGINE_READY_TIMEOUT_S", c.EngineReadyTimeout)

	// MIN_REPLICAS is the historical alias of MIN_FREE_REPLICAS.
	c.MinFreeReplicas = lookupEnvOrInt("MIN_REPLICAS", c.MinFreeReplicas)
	c.MinFreeReplicas = lookupEnvOrInt("MIN_FREE_REPLICAS", c.MinFreeReplicas)
	c.MaxReplicas = lookupEnvOrInt("MAX_REPLICAS", c.MaxReplicas)
	c.MaxStreamsPerEngine = lookupEnvOrInt("MAX_STREAMS_PER_ENGINE", c.MaxStreamsPerEngine)
	c.AutoDelete = lookupEnvOrBool("AUTO_DELETE", c.AutoDelete)

	c.MaxConcurrentProvisions = lookupEnvOrInt("MAX_CONCURRENT_PROVISIONS", c.MaxConcurrentProvisions)
	c.MinProvisionInterval = lookupEnvOrSeconds("MIN_PROVISION_INTERVAL_S", c.MinProvisionInterval)
	c.EngineGracePeriod = lookupEnvOrSeconds("ENGINE_GRACE_PERIOD_S", c.EngineGracePeriod)
	c.ScaleLookaheadSlack = lookupEnvOrInt("SCALE_LOOKAHEAD_SLACK", c.ScaleLookaheadSlack)

	c.AutoscaleInterval = lookupEnvOrSeconds("AUTOSCALE_INTERVAL_S", c.AutoscaleInterval)
	c.MonitorInterval = lookupEnvOrSeconds("MONITOR_INTERVAL_S", c.MonitorInterval)
	c.CollectInterval = lookupEnvOrSeconds("COLLECT_INTERVAL_S", c.CollectInterval)

	c.HealthCheckInterval = lookupEnvOrSeconds("HEALTH_CHECK_INTERVAL_S", c.HealthCheckInterval)
	c.HealthFailureThreshold = lookupEnvOrInt("HEALTH_FAILURE_THRESHOLD", c.HealthFailureThreshold)
	c.HealthUnhealthyGracePeriod = lookupEnvOrSeconds("HEALTH_UNHEALTHY_GRACE_PERIOD_S", c.HealthUnhealthyGracePeriod)
	c.HealthReplacementCooldown = lookupEnvOrSeconds("HEALTH_REPLACEMENT_COOLDOWN_S", c.HealthReplacementCooldown)

	c.BreakerFailureThreshold = lookupEnvOrInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", c.BreakerFailureThreshold)
	c.BreakerRecoveryTimeout = lookupEnvOrSeconds("CIRCUIT_BREAKER_RECOVERY_TIMEOUT_S", c.BreakerRecoveryTimeout)
	c.ReplacementBreakerFailureThreshold = lookupEnvOrInt("REPLACEMENT_BREAKER_FAILURE_THRESHOLD", c.ReplacementBreakerFailureThreshold)
	c.ReplacementBreakerRecoveryTimeout = lookupEnvOrSeconds("REPLACEMENT_BREAKER_RECOVERY_TIMEOUT_S", c.ReplacementBreakerRecoveryTimeout)

	if mode, ok := os.LookupEnv("VPN_MODE"); ok {
		c.VPNMode = types.VPNMode(strings.ToLower(mode))
	}
	c.GluetunContainerName = lookupEnvOrString("GLUETUN_CONTAINER_NAME", c.GluetunContainerName)
	c.GluetunContainerName2 = lookupEnvOrString("GLUETUN_CONTAINER_NAME_2", c.GluetunContainerName2)
	c.GluetunAPIPort = lookupEnvOrInt("GLUETUN_API_PORT", c.GluetunAPIPort)
	c.GluetunHealthCheckInterval = lookupEnvOrSeconds("GLUETUN_HEALTH_CHECK_INTERVAL_S", c.GluetunHealthCheckInterval)
	c.GluetunPortCacheTTL = lookupEnvOrSeconds("GLUETUN_PORT_CACHE_TTL_S", c.GluetunPortCacheTTL)
	c.VPNUnhealthyRestartTimeout = lookupEnvOrSeconds("VPN_UNHEALTHY_RESTART_TIMEOUT_S", c.VPNUnhealthyRestartTimeout)
	c.VPNRestartEnginesOnReconnect = lookupEnvOrBool("VPN_RESTART_ENGINES_ON_RECONNECT", c.VPNRestartEnginesOnReconnect)
	c.VPNRecoveryWindow = lookupEnvOrSeconds("VPN_RECOVERY_WINDOW_S", c.VPNRecoveryWindow)

	if c.PortRangeHost, err = lookupEnvOrRange("PORT_RANGE_HOST", c.PortRangeHost); err != nil {
		return err
	}
	if c.AceHTTPRange, err = lookupEnvOrRange("ACE_HTTP_RANGE", c.AceHTTPRange); err != nil {
		return err
	}
	if c.AceHTTPSRange, err = lookupEnvOrRange("ACE_HTTPS_RANGE", c.AceHTTPSRange); err != nil {
		return err
	}
	if c.GluetunPortRange1, err = lookupEnvOrRange("GLUETUN_PORT_RANGE_1", c.GluetunPortRange1); err != nil {
		return err
	}
	if c.GluetunPortRange2, err = lookupEnvOrRange("GLUETUN_PORT_RANGE_2", c.GluetunPortRange2); err != nil {
		return err
	}

	if c.MuxChunkSize, err = lookupEnvOrSize("MUX_CHUNK_SIZE", c.MuxChunkSize); err != nil {
		return err
	}
	c.MuxRingCapacity = lookupEnvOrInt("MUX_RING_CAPACITY", c.MuxRingCapacity)
	c.MuxClientQueueSize = lookupEnvOrInt("MUX_CLIENT_QUEUE_SIZE", c.MuxClientQueueSize)
	c.MuxIdleTimeout = lookupEnvOrSeconds("MUX_IDLE_TIMEOUT_S", c.MuxIdleTimeout)
	c.MuxConnectTimeout = lookupEnvOrSeconds("MUX_CONNECT_TIMEOUT_S", c.MuxConnectTimeout)
	c.MuxClientWaitFirst = lookupEnvOrSeconds("MUX_CLIENT_WAIT_FIRST_S", c.MuxClientWaitFirst)
	c.PendingStreamExpiry = lookupEnvOrSeconds("PENDING_STREAM_EXPIRY_S", c.PendingStreamExpiry)

	c.DataDir = lookupEnvOrString("DATA_DIR", c.DataDir)

	c.LogLevel = lookupEnvOrString("LOG_LEVEL", c.LogLevel)
	c.LogJSON = lookupEnvOrBool("LOG_JSON", c.LogJSON)

	return nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.MinFreeReplicas < 0 {
		return fmt.Errorf("MIN_FREE_REPLICAS must be >= 0, got %d", c.MinFreeReplicas)
	}
	if c.MaxReplicas < 1 {
		return fmt.Errorf("MAX_REPLICAS must be >= 1, got %d", c.MaxReplicas)
	}
	if c.MinFreeReplicas > c.MaxReplicas {
		return fmt.Errorf("MIN_FREE_REPLICAS (%d) exceeds MAX_REPLICAS (%d)", c.MinFreeReplicas, c.MaxReplicas)
	}
	if c.MaxStreamsPerEngine < 1 {
		return fmt.Errorf("MAX_STREAMS_PER_ENGINE must be >= 1, got %d", c.MaxStreamsPerEngine)
	}
	if c.MaxConcurrentProvisions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_PROVISIONS must be >= 1, got %d", c.MaxConcurrentProvisions)
	}

	switch c.VPNMode {
	case types.VPNModeDisabled:
	case types.VPNModeSingle:
		if c.GluetunContainerName == "" {
			return fmt.Errorf("VPN_MODE=single requires GLUETUN_CONTAINER_NAME")
		}
	case types.VPNModeRedundant:
		if c.GluetunContainerName == "" || c.GluetunContainerName2 == "" {
			return fmt.Errorf("VPN_MODE=redundant requires GLUETUN_CONTAINER_NAME and GLUETUN_CONTAINER_NAME_2")
		}
		if c.GluetunContainerName == c.GluetunContainerName2 {
			return fmt.Errorf("redundant VPN containers must differ")
		}
	default:
		return fmt.Errorf("invalid VPN_MODE %q: want disabled, single or redundant", c.VPNMode)
	}

	for _, r := range []struct {
		name string
		rng  PortRange
	}{
		{"PORT_RANGE_HOST", c.PortRangeHost},
		{"ACE_HTTP_RANGE", c.AceHTTPRange},
		{"ACE_HTTPS_RANGE", c.AceHTTPSRange},
	} {
		if err := r.rng.Validate(); err != nil {
			return fmt.Errorf("%s: %w", r.name, err)
		}
	}
	if c.VPNMode == types.VPNModeRedundant {
		if err := c.GluetunPortRange1.Validate(); err != nil {
			return fmt.Errorf("GLUETUN_PORT_RANGE_1: %w", err)
		}
		if err := c.GluetunPortRange2.Validate(); err != nil {
			return fmt.Errorf("GLUETUN_PORT_RANGE_2: %w", err)
		}
	}

	if c.MuxChunkSize == 0 {
		return fmt.Errorf("MUX_CHUNK_SIZE must be > 0")
	}
	if c.MuxRingCapacity < 1 {
		return fmt.Errorf("MUX_RING_CAPACITY must be >= 1, got %d", c.MuxRingCapacity)
	}
	if c.MuxClientQueueSize < 1 {
		return fmt.Errorf("MUX_CLIENT_QUEUE_SIZE must be >= 1, got %d", c.MuxClientQueueSize)
	}

	return nil
}

// VPNContainers returns the configured VPN container names in order.
func (c *Config) VPNContainers() []string {
	switch c.VPNMode {
	case types.VPNModeSingle:
		return []string{c.GluetunContainerName}
	case types.VPNModeRedundant:
		return []string{c.GluetunContainerName, c.GluetunContainerName2}
	default:
		return nil
	}
}

func lookupEnvOrString(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

func lookupEnvOrInt(key string, def int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return def
}

func lookupEnvOrBool(key string, def bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return def
}

// lookupEnvOrSeconds reads numeric envs with an _S suffix convention; plain
// numbers are seconds, and Go duration strings are accepted too.
func lookupEnvOrSeconds(key string, def time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return def
}

func lookupEnvOrRange(key string, def PortRange) (PortRange, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	r, err := ParsePortRange(val)
	if err != nil {
		return PortRange{}, fmt.Errorf("%s: %w", key, err)
	}
	return r, nil
}

// lookupEnvOrSize accepts human-readable byte sizes ("64KiB", "1MB").
func lookupEnvOrSize(key string, def uint64) (uint64, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def, nil
	}
	size, err := humanize.ParseBytes(val)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", key, val, err)
	}
	return size, nil
}
