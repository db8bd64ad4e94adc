// Package config loads the loginsentry YAML configuration.
//
// One struct per section; zero values are filled by Defaults so the rest of
// the daemon never has to guess.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Control     ControlConfig     `yaml:"control"`
	Replication ReplicationConfig `yaml:"replication"`
	StatsDBs    []StatsDBConfig   `yaml:"stats_dbs"`
	Policy      PolicyConfig      `yaml:"policy"`
	Webhooks    []WebhookConfig   `yaml:"webhooks"`
	Redis       RedisConfig       `yaml:"redis"`
	Sinks       []SinkConfig      `yaml:"report_sinks"`
}

type HTTPConfig struct {
	Listen   string   `yaml:"listen"`
	Password string   `yaml:"password"`
	ACL      []string `yaml:"acl"` // CIDR strings; empty means allow all

	// Worker pool sizing for request handling.
	NumWorkers int `yaml:"num_workers"`
	QueueSize  int `yaml:"queue_size"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
	Key    string `yaml:"key"` // base64, 32 bytes decoded
}

type SiblingConfig struct {
	Address   string `yaml:"address"`
	Transport string `yaml:"transport"` // "udp", "tcp" or "none"
	Key       string `yaml:"key"`       // optional per-sibling override, base64
}

type ReplicationConfig struct {
	Key        string          `yaml:"key"` // base64, 32 bytes decoded
	Bind       string          `yaml:"bind"`
	Siblings   []SiblingConfig `yaml:"siblings"`
	NumThreads int             `yaml:"num_threads"`
	QueueSize  int             `yaml:"queue_size"`

	// Warm sync at startup.
	SyncHosts         []string `yaml:"sync_hosts"` // "host:apiPort" of candidate donors
	MinSyncHostUptime int      `yaml:"min_sync_host_uptime"`
}

type StatsFieldConfig struct {
	Name  string  `yaml:"name"`
	Kind  string  `yaml:"kind"` // "int", "hll" or "countmin"
	Bits  uint8   `yaml:"bits"` // hll precision, 4..30
	Eps   float64 `yaml:"eps"`  // countmin epsilon
	Gamma float64 `yaml:"gamma"`
}

type StatsDBConfig struct {
	Name       string             `yaml:"name"`
	WindowSize int                `yaml:"window_size"`
	NumWindows int                `yaml:"num_windows"`
	V4Prefix   int                `yaml:"v4_prefix"`
	V6Prefix   int                `yaml:"v6_prefix"`
	MaxSize    int                `yaml:"max_size"`
	Fields     []StatsFieldConfig `yaml:"fields"`
}

type PolicyConfig struct {
	Script    string `yaml:"script"`
	NumStates int    `yaml:"num_states"`
}

type WebhookConfig struct {
	Events []string          `yaml:"events"`
	Config map[string]string `yaml:"config"` // must contain "url"
}

type RedisConfig struct {
	Addr              string `yaml:"addr"` // empty disables persistence
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	PersistReplicated bool   `yaml:"persist_replicated"`
}

type SinkConfig struct {
	Name  string   `yaml:"name"`
	Addrs []string `yaml:"addrs"` // "host:port" UDP destinations
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults fills unset values with the shipped defaults.
func (c *Config) Defaults() {
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:8084"
	}
	if c.HTTP.NumWorkers == 0 {
		c.HTTP.NumWorkers = 10
	}
	if c.HTTP.QueueSize == 0 {
		c.HTTP.QueueSize = 5000
	}
	if c.Control.Listen == "" {
		c.Control.Listen = "127.0.0.1:4004"
	}
	if c.Replication.NumThreads == 0 {
		c.Replication.NumThreads = 2
	}
	if c.Replication.QueueSize == 0 {
		c.Replication.QueueSize = 5000
	}
	if c.Replication.MinSyncHostUptime == 0 {
		c.Replication.MinSyncHostUptime = 3600
	}
	if c.Policy.NumStates == 0 {
		c.Policy.NumStates = 6
	}
	for i := range c.StatsDBs {
		db := &c.StatsDBs[i]
		if db.WindowSize == 0 {
			db.WindowSize = 600
		}
		if db.NumWindows == 0 {
			db.NumWindows = 6
		}
		if db.MaxSize == 0 {
			db.MaxSize = 524288
		}
		for j := range db.Fields {
			f := &db.Fields[j]
			if f.Kind == "hll" && f.Bits == 0 {
				f.Bits = 6
			}
			if f.Kind == "countmin" {
				if f.Eps == 0 {
					f.Eps = 0.05
				}
				if f.Gamma == 0 {
					f.Gamma = 0.2
				}
			}
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	for _, db := range c.StatsDBs {
		if db.Name == "" {
			return fmt.Errorf("stats db with empty name")
		}
		if db.WindowSize < 1 || db.NumWindows < 1 {
			return fmt.Errorf("stats db %q: window_size and num_windows must be >= 1", db.Name)
		}
		for _, f := range db.Fields {
			switch f.Kind {
			case "int", "countmin":
			case "hll":
				if f.Bits < 4 || f.Bits > 30 {
					return fmt.Errorf("stats db %q field %q: hll bits must be in 4..30", db.Name, f.Name)
				}
			default:
				return fmt.Errorf("stats db %q field %q: unknown kind %q", db.Name, f.Name, f.Kind)
			}
		}
	}
	for _, wh := range c.Webhooks {
		if wh.Config["url"] == "" {
			return fmt.Errorf("webhook without url")
		}
	}
	return nil
}
