package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/opt/remotelabz-worker/images", cfg.ImagesDir())
	assert.Equal(t, "/opt/remotelabz-worker/instances", cfg.InstancesDir())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative project dir", func(c *Config) { c.ProjectDir = "worker" }, "project_dir"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"bad listen", func(c *Config) { c.HTTPListen = "8080" }, "http_listen"},
		{"bad lab cidr", func(c *Config) { c.LabCIDR = "10.0.0.0" }, "lab_cidr"},
		{"bad data cidr", func(c *Config) { c.DataCIDR = "x" }, "data_cidr"},
		{"bad gateway", func(c *Config) { c.UplinkGateway = "gw.local" }, "uplink_gateway"},
		{"reserved table", func(c *Config) { c.RoutingTable = 254 }, "routing_table"},
		{"wss without cert", func(c *Config) { c.ProxyWSS = true }, "proxy_cert"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"no subjects", func(c *Config) { c.StateSubject = "" }, "state_subject"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("workers: ["), 0o600))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
project_dir: /srv/worker
nats_url: nats://bus.example:4222
workers: 8
uplink_bridge: br-uplink
uplink_gateway: 192.0.2.1
routing_table: 7
proxy_wss: true
proxy_cert: /etc/ssl/worker.crt
proxy_key: /etc/ssl/worker.key
log_format: json
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, path, cfg.ConfigPath)
		assert.Equal(t, "/srv/worker", cfg.ProjectDir)
		assert.Equal(t, "/srv/worker/images", cfg.CopyRemoteImagesDir)
		assert.Equal(t, "nats://bus.example:4222", cfg.NATSURL)
		assert.Equal(t, 8, cfg.Workers)
		assert.Equal(t, "br-uplink", cfg.UplinkBridge)
		assert.Equal(t, "192.0.2.1", cfg.UplinkGateway)
		assert.Equal(t, 7, cfg.RoutingTable)
		assert.True(t, cfg.ProxyWSS)
		assert.Equal(t, "json", cfg.LogFormat)
		// untouched keys keep defaults
		assert.Equal(t, "worker.actions", cfg.ActionSubject)
		assert.Equal(t, "fr", cfg.Keymap)
	})

	t.Run("validation failure is returned", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("lab_cidr: nonsense\n"), 0o600))
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lab_cidr")
	})
}
