package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acepool/acepool/pkg/types"
)

// TestParsePortRange tests the "start-end" range syntax
func TestParsePortRange(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    PortRange
		wantErr bool
	}{
		{name: "valid range", input: "40000-40999", want: PortRange{Start: 40000, End: 40999}},
		{name: "single port range", input: "19000-19000", want: PortRange{Start: 19000, End: 19000}},
		{name: "spaces tolerated", input: " 19000 - 19999 ", want: PortRange{Start: 19000, End: 19999}},
		{name: "inverted", input: "40999-40000", wantErr: true},
		{name: "missing dash", input: "40000", wantErr: true},
		{name: "not a number", input: "a-b", wantErr: true},
		{name: "port zero", input: "0-100", wantErr: true},
		{name: "beyond 65535", input: "65000-70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortRange(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestDefaultsValidate ensures the compiled-in defaults pass validation
func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

// TestEnvOverride checks environment variables win over defaults
func TestEnvOverride(t *testing.T) {
	t.Setenv("MIN_FREE_REPLICAS", "2")
	t.Setenv("MAX_REPLICAS", "8")
	t.Setenv("ENGINE_GRACE_PERIOD_S", "45")
	t.Setenv("MUX_CHUNK_SIZE", "128KiB")
	t.Setenv("PORT_RANGE_HOST", "20000-20099")
	t.Setenv("AUTO_DELETE", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.MinFreeReplicas)
	assert.Equal(t, 8, cfg.MaxReplicas)
	assert.Equal(t, 45*time.Second, cfg.EngineGracePeriod)
	assert.Equal(t, uint64(128*1024), cfg.MuxChunkSize)
	assert.Equal(t, PortRange{Start: 20000, End: 20099}, cfg.PortRangeHost)
	assert.False(t, cfg.AutoDelete)
}

// TestSecondsAcceptsDurations verifies the _S knobs also accept duration strings
func TestSecondsAcceptsDurations(t *testing.T) {
	t.Setenv("AUTOSCALE_INTERVAL_S", "1m30s")
	t.Setenv("MIN_PROVISION_INTERVAL_S", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.AutoscaleInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.MinProvisionInterval)
}

// TestYAMLFileThenEnv checks layering: file overrides defaults, env overrides file
func TestYAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acepool.yaml")
	data := []byte("max_replicas: 10\nmin_free_replicas: 3\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	t.Setenv("MIN_FREE_REPLICAS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.MaxReplicas)
	assert.Equal(t, 4, cfg.MinFreeReplicas, "env should override file")
	assert.Equal(t, "debug", cfg.LogLevel)
}

// TestValidateRejectsBadSetups covers the main misconfiguration classes
func TestValidateRejectsBadSetups(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"min free above max", func(c *Config) { c.MinFreeReplicas = 9; c.MaxReplicas = 3 }},
		{"zero max replicas", func(c *Config) { c.MaxReplicas = 0 }},
		{"zero streams per engine", func(c *Config) { c.MaxStreamsPerEngine = 0 }},
		{"single vpn without name", func(c *Config) { c.VPNMode = types.VPNModeSingle }},
		{"redundant vpn one name", func(c *Config) {
			c.VPNMode = types.VPNModeRedundant
			c.GluetunContainerName = "gluetun"
		}},
		{"redundant vpn same names", func(c *Config) {
			c.VPNMode = types.VPNModeRedundant
			c.GluetunContainerName = "gluetun"
			c.GluetunContainerName2 = "gluetun"
		}},
		{"unknown vpn mode", func(c *Config) { c.VPNMode = "sometimes" }},
		{"inverted host range", func(c *Config) { c.PortRangeHost = PortRange{Start: 2000, End: 1000} }},
		{"zero chunk size", func(c *Config) { c.MuxChunkSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestVPNContainers checks the per-mode container list
func TestVPNContainers(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.VPNContainers())

	cfg.VPNMode = types.VPNModeSingle
	cfg.GluetunContainerName = "gluetun"
	assert.Equal(t, []string{"gluetun"}, cfg.VPNContainers())

	cfg.VPNMode = types.VPNModeRedundant
	cfg.GluetunContainerName2 = "gluetun-2"
	assert.Equal(t, []string{"gluetun", "gluetun-2"}, cfg.VPNContainers())
}
