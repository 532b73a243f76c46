// Package config loads and validates game-server configuration.
// Precedence: environment > command line > YAML file > built-in defaults.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one game-server process.
type Config struct {
	Log  LogConfig  `yaml:"log"`
	Net  NetConfig  `yaml:"net"`
	Pers PersConfig `yaml:"pers"`
	Auth AuthConfig `yaml:"auth"`
	Mon  MonConfig  `yaml:"mon"`

	// GSID pins this process to a specific GS id (the master case).
	// Workers leave it empty and are matched through the GSID env var.
	GSID string `yaml:"gsid"`
}

// LogConfig controls slog setup.
type LogConfig struct {
	Level string `yaml:"level"` // debug|info|warn|error
}

// NetConfig describes the cluster topology and client/RPC listeners.
type NetConfig struct {
	// GameServers maps a host name to its server entry. Each port spawns one
	// GS worker; worker ids are derived as "<host>-<NN>" (NN is the 1-based
	// port index, zero padded).
	GameServers map[string]HostEntry `yaml:"gameServers"`
	RPC         RPCConfig            `yaml:"rpc"`
	WS          WSConfig             `yaml:"ws"`
	// MaxMsgSize is the largest accepted client frame payload in bytes.
	MaxMsgSize int `yaml:"maxMsgSize"`
}

// HostEntry is one physical host running one or more GS workers.
type HostEntry struct {
	Host  string `yaml:"host"` // address clients connect to
	Ports []int  `yaml:"ports"`
}

// RPCConfig configures the inter-GS RPC listener.
// Each GS listens on basePort + its ordinal in the sorted GS id list.
type RPCConfig struct {
	BasePort int `yaml:"basePort"`
}

// WSConfig enables the WebSocket client transport. When enabled, each GS
// serves JSON text frames on its client port + PortOffset.
type WSConfig struct {
	Enabled    bool `yaml:"enabled"`
	PortOffset int  `yaml:"portOffset"`
}

// PersConfig selects and configures the storage back-end.
type PersConfig struct {
	BackEnd BackEndConfig `yaml:"backEnd"`
}

// BackEndConfig names a driver module and carries its opaque config blob.
type BackEndConfig struct {
	Module string         `yaml:"module"`
	Config map[string]any `yaml:"config"`
}

// AuthConfig selects and configures the authentication back-end.
type AuthConfig struct {
	BackEnd string         `yaml:"backEnd"`
	Config  map[string]any `yaml:"config"`
}

// MonConfig carries monitoring settings. Metric egress itself is pluggable;
// the statsd keys are accepted here and handed to the sink.
type MonConfig struct {
	Statsd StatsdConfig `yaml:"statsd"`
	// MetricsBasePort serves Prometheus metrics on basePort + the worker's
	// ordinal. Zero disables the endpoint.
	MetricsBasePort int `yaml:"metricsBasePort"`
}

// StatsdConfig mirrors the classic statsd client settings.
type StatsdConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Prefix  string `yaml:"prefix"`
}

// Default returns a Config with development defaults: a single local GS,
// in-memory persistence and the trivial auth back-end.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Net: NetConfig{
			GameServers: map[string]HostEntry{
				"localhost": {Host: "127.0.0.1", Ports: []int{1443}},
			},
			RPC:        RPCConfig{BasePort: 7200},
			WS:         WSConfig{Enabled: false, PortOffset: 1000},
			MaxMsgSize: 131072,
		},
		Pers: PersConfig{
			BackEnd: BackEndConfig{Module: "memory", Config: map[string]any{}},
		},
		Auth: AuthConfig{BackEnd: "trivial", Config: map[string]any{}},
		Mon: MonConfig{
			Statsd:          StatsdConfig{Enabled: false, Host: "127.0.0.1", Port: 8125},
			MetricsBasePort: 9100,
		},
	}
}

// Load reads YAML config from path on top of defaults. A missing file is not
// an error: defaults apply. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv folds environment variables over whatever the file provided.
func (c *Config) applyEnv() {
	if v := os.Getenv("GSID"); v != "" {
		c.GSID = v
	}
	if v := os.Getenv("WARREN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("WARREN_PERS_MODULE"); v != "" {
		c.Pers.BackEnd.Module = v
	}
}

// Overrides carries command-line values. They slot in between the
// environment and the file: a flag applies only where the matching
// environment variable is unset.
type Overrides struct {
	GSID     string
	LogLevel string
}

// ApplyOverrides folds flag values over the loaded config, keeping the
// environment > command line > file precedence.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.GSID != "" && os.Getenv("GSID") == "" {
		c.GSID = o.GSID
	}
	if o.LogLevel != "" && os.Getenv("WARREN_LOG_LEVEL") == "" {
		c.Log.Level = o.LogLevel
	}
}

// Validate checks the keys the runtime cannot start without.
func (c *Config) Validate() error {
	if len(c.Net.GameServers) == 0 {
		return &Error{Key: "net.gameServers", Reason: "no game servers configured"}
	}
	for name, entry := range c.Net.GameServers {
		if entry.Host == "" {
			return &Error{Key: "net.gameServers." + name + ".host", Reason: "empty host"}
		}
		if len(entry.Ports) == 0 {
			return &Error{Key: "net.gameServers." + name + ".ports", Reason: "no ports"}
		}
		for _, p := range entry.Ports {
			if p <= 0 || p > 65535 {
				return &Error{Key: "net.gameServers." + name + ".ports", Reason: fmt.Sprintf("port %d out of range", p)}
			}
		}
	}
	if c.Net.RPC.BasePort <= 0 {
		return &Error{Key: "net.rpc.basePort", Reason: "must be positive"}
	}
	if c.Net.MaxMsgSize <= 0 {
		return &Error{Key: "net.maxMsgSize", Reason: "must be positive"}
	}
	if c.Pers.BackEnd.Module == "" {
		return &Error{Key: "pers.backEnd.module", Reason: "no storage back-end"}
	}
	if c.Auth.BackEnd == "" {
		return &Error{Key: "auth.backEnd", Reason: "no auth back-end"}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return &Error{Key: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	return nil
}

// GSIDs returns every GS id in the cluster, derived "<host>-<NN>" per port,
// sorted lexicographically. The sort makes the ownership mapping identical
// on every process regardless of YAML map iteration order.
func (c *Config) GSIDs() []string {
	var ids []string
	for name, entry := range c.Net.GameServers {
		for i := range entry.Ports {
			ids = append(ids, fmt.Sprintf("%s-%02d", name, i+1))
		}
	}
	sort.Strings(ids)
	return ids
}

// EntryFor resolves the host entry and port index for a derived GS id.
func (c *Config) EntryFor(gsid string) (HostEntry, int, error) {
	idx := strings.LastIndex(gsid, "-")
	if idx <= 0 {
		return HostEntry{}, 0, &Error{Key: "gsid", Reason: fmt.Sprintf("malformed gs id %q", gsid)}
	}
	host := gsid[:idx]
	var nn int
	if _, err := fmt.Sscanf(gsid[idx+1:], "%d", &nn); err != nil || nn < 1 {
		return HostEntry{}, 0, &Error{Key: "gsid", Reason: fmt.Sprintf("malformed gs id %q", gsid)}
	}
	entry, ok := c.Net.GameServers[host]
	if !ok {
		return HostEntry{}, 0, &Error{Key: "net.gameServers", Reason: fmt.Sprintf("unknown host %q for gs id %q", host, gsid)}
	}
	if nn > len(entry.Ports) {
		return HostEntry{}, 0, &Error{Key: "net.gameServers." + host + ".ports", Reason: fmt.Sprintf("gs id %q exceeds configured ports", gsid)}
	}
	return entry, nn - 1, nil
}
