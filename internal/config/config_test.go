package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestDefaults tests the configuration used without a file
func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 3, cfg.DefaultReplication)
	assert.Equal(t, 512, cfg.MaxReplication)
	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval.Std())
	assert.Equal(t, 5*time.Minute, cfg.HeartbeatRecheckInterval.Std())
	assert.Equal(t, 10*time.Minute+30*time.Second, cfg.DeadNodeTimeout.Std())
	assert.Equal(t, 3*time.Second, cfg.ReplicationInterval.Std())
	assert.Equal(t, 5*time.Minute, cfg.PendingReplicationTimeout.Std())
	assert.Equal(t, 100, cfg.ReplicationWorkPerTick)
	assert.Equal(t, 100, cfg.InvalidateLimit)
	assert.Equal(t, 1000, cfg.ReclassifyBatchSize)
	assert.Empty(t, cfg.HostsExclude)
	assert.Empty(t, cfg.MetasaveDir)
}

// TestLoad tests reading a YAML file
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9000"
default_replication: 2
heartbeat_interval: 1s
heartbeat_recheck_interval: 30s
hosts_exclude: /etc/replicad/exclude
metasave_dir: /var/lib/replicad
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 2, cfg.DefaultReplication)
	assert.Equal(t, 512, cfg.MaxReplication)
	assert.Equal(t, time.Minute+10*time.Second, cfg.DeadNodeTimeout.Std(), "derived from the configured intervals")
	assert.Equal(t, "/etc/replicad/exclude", cfg.HostsExclude)
	assert.Equal(t, "/var/lib/replicad", cfg.MetasaveDir)
}

// TestLoadErrors tests rejected files
func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "bad duration", data: "heartbeat_interval: soon\n"},
		{name: "bad yaml", data: "listen: [\n"},
		{name: "max below default", data: "default_replication: 5\nmax_replication: 4\n"},
		{name: "negative replication", data: "default_replication: -1\n"},
		{name: "negative timeout", data: "dead_node_timeout: -1s\n"},
		{name: "negative limit", data: "invalidate_limit: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// TestExplicitDeadNodeTimeout tests that a configured timeout wins over the derived one
func TestExplicitDeadNodeTimeout(t *testing.T) {
	cfg, err := Parse([]byte("dead_node_timeout: 45s\n"))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.DeadNodeTimeout.Std())
}

// TestDurationRoundTrip tests that a marshalled config loads back the same
func TestDurationRoundTrip(t *testing.T) {
	cfg := Default()
	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), "heartbeat_interval: 3s")

	back, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

// TestApplyEnv tests environment overrides
func TestApplyEnv(t *testing.T) {
	t.Setenv("REPLICAD_LISTEN", ":7070")
	t.Setenv("REPLICAD_CONFIG", "/tmp/r.yaml")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, "/tmp/r.yaml", Path(""))
}
