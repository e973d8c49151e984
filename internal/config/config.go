// Package config handles configuration loading for the replication server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("3s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds configuration for the replication server.
type Config struct {
	Listen string `yaml:"listen"`

	DefaultReplication int `yaml:"default_replication"`
	MaxReplication     int `yaml:"max_replication"`

	HeartbeatInterval        Duration `yaml:"heartbeat_interval"`
	HeartbeatRecheckInterval Duration `yaml:"heartbeat_recheck_interval"`
	DeadNodeTimeout          Duration `yaml:"dead_node_timeout"` // Derived from the two above when unset

	ReplicationInterval       Duration `yaml:"replication_interval"`
	PendingReplicationTimeout Duration `yaml:"pending_replication_timeout"`
	ReplicationWorkPerTick    int      `yaml:"replication_work_per_tick"` // Blocks scheduled per replication tick
	InvalidateLimit           int      `yaml:"invalidate_limit"`          // Blocks per delete command in a heartbeat response
	ReclassifyBatchSize       int      `yaml:"reclassify_batch_size"`     // Blocks reclassified per write-lock hold

	HostsExclude string `yaml:"hosts_exclude"` // Path to the exclude file, watched for changes
	MetasaveDir  string `yaml:"metasave_dir"`  // Dump directory; in-memory when empty
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file and fills in defaults.
// An empty path returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration and fills in defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DefaultReplication == 0 {
		c.DefaultReplication = 3
	}
	if c.MaxReplication == 0 {
		c.MaxReplication = 512
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(3 * time.Second)
	}
	if c.HeartbeatRecheckInterval == 0 {
		c.HeartbeatRecheckInterval = Duration(5 * time.Minute)
	}
	if c.DeadNodeTimeout == 0 {
		c.DeadNodeTimeout = 2*c.HeartbeatRecheckInterval + 10*c.HeartbeatInterval
	}
	if c.ReplicationInterval == 0 {
		c.ReplicationInterval = Duration(3 * time.Second)
	}
	if c.PendingReplicationTimeout == 0 {
		c.PendingReplicationTimeout = Duration(5 * time.Minute)
	}
	if c.ReplicationWorkPerTick == 0 {
		c.ReplicationWorkPerTick = 100
	}
	if c.InvalidateLimit == 0 {
		c.InvalidateLimit = 100
	}
	if c.ReclassifyBatchSize == 0 {
		c.ReclassifyBatchSize = 1000
	}
}

// Validate rejects values the server can't run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultReplication < 1 {
		errs = append(errs, fmt.Errorf("default_replication must be at least 1, got %d", c.DefaultReplication))
	}
	if c.MaxReplication < c.DefaultReplication {
		errs = append(errs, fmt.Errorf("max_replication %d is below default_replication %d", c.MaxReplication, c.DefaultReplication))
	}
	for name, d := range map[string]Duration{
		"heartbeat_interval":          c.HeartbeatInterval,
		"heartbeat_recheck_interval":  c.HeartbeatRecheckInterval,
		"dead_node_timeout":           c.DeadNodeTimeout,
		"replication_interval":        c.ReplicationInterval,
		"pending_replication_timeout": c.PendingReplicationTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.ReplicationWorkPerTick < 0 || c.InvalidateLimit < 0 || c.ReclassifyBatchSize < 0 {
		errs = append(errs, errors.New("work limits must not be negative"))
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides fields from REPLICAD_* environment variables.
func (c *Config) ApplyEnv() {
	c.Listen = getenv("REPLICAD_LISTEN", c.Listen)
}

// Path returns the config file named by REPLICAD_CONFIG, or def.
func Path(def string) string {
	return getenv("REPLICAD_CONFIG", def)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
