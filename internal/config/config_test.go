package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.NodeID = "node-1"
	cfg.Server.Location = "http://node-1:8080"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults with identity", mutate: func(*Config) {}},
		{name: "missing node id", mutate: func(c *Config) { c.Server.NodeID = "" }, wantErr: "server.node_id"},
		{name: "missing location", mutate: func(c *Config) { c.Server.Location = "" }, wantErr: "server.location"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, wantErr: "server.port"},
		{name: "unknown central backend", mutate: func(c *Config) { c.CentralStorage.Backend = "s3" }, wantErr: "central_storage.backend"},
		{name: "unknown event backend", mutate: func(c *Config) { c.Events.Backend = "kafka" }, wantErr: "events.backend"},
		{name: "lease shorter than heartbeat", mutate: func(c *Config) { c.Checkpoint.RoleLeaseTTL = time.Second }, wantErr: "role_lease_ttl"},
		{name: "zero lazy threshold", mutate: func(c *Config) { c.Location.SafeToLazilyUpdateMachineCountThreshold = 0 }, wantErr: "safe_to_lazily"},
		{name: "discard fraction of one", mutate: func(c *Config) { c.Eviction.DiscardFraction = 1 }, wantErr: "discard_fraction"},
		{name: "reconcile without diff size", mutate: func(c *Config) { c.Reconcile.MaxDiffSize = 0 }, wantErr: "max_diff_size"},
		{name: "replication without content", mutate: func(c *Config) { c.Replication.Enabled = true }, wantErr: "content.directory"},
		{name: "reject below throttle", mutate: func(c *Config) { c.Content.RejectDiskPercent = 80 }, wantErr: "reject_disk_percent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  node_id: node-7
  location: http://node-7:9000
content:
  directory: /srv/cache
  port: 9000
location:
  touch_frequency: 15m
  safe_to_lazily_update_machine_count_threshold: 4
reconcile:
  max_diff_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("LOCATIOND_REDIS_HOST", "redis.internal")
	t.Setenv("LOCATIOND_PORT", "9100")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Server.NodeID)
	assert.Equal(t, 9100, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 15*time.Minute, cfg.Location.TouchFrequency)
	assert.Equal(t, 4, cfg.Location.SafeToLazilyUpdateMachineCountThreshold)
	assert.Equal(t, 50, cfg.Reconcile.MaxDiffSize)
	assert.Equal(t, "/srv/cache", cfg.Content.Directory)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, 5, cfg.Location.RecentInactiveMultiplier, "untouched defaults survive")
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("LOCATIOND_NODE_ID", "node-env")
	t.Setenv("LOCATIOND_LOCATION", "http://node-env:8080")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "node-env", cfg.Server.NodeID)
	assert.Equal(t, "filesystem", cfg.CentralStorage.Backend)
}

func TestLoadConfig_InvalidFails(t *testing.T) {
	_, err := LoadConfig("")
	assert.Error(t, err)
}
