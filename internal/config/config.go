// Package config handles endpoint and timing configuration for the dispatch
// system.
//
// Config is stored at $XDG_CONFIG_HOME/hailgrid/config.yaml (defaults to
// ~/.config/hailgrid/config.yaml). A missing file yields the defaults, so
// every process runs without prior setup on a single host.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Node describes one dispatcher instance's channel ports.
type Node struct {
	Host            string `yaml:"host"`
	RegistrationPort int   `yaml:"registration_port"` // REQ/REP: connect_request
	PositionPort     int   `yaml:"position_port"`     // PUSH/PULL: position updates
	HeartbeatPort    int   `yaml:"heartbeat_port"`    // PUSH/PULL: taxi heartbeats
	AssignPort       int   `yaml:"assign_port"`       // PUB/SUB: assignment broadcasts
	UserRequestPort  int   `yaml:"user_request_port"` // REQ/REP: user requests
	ProbePort        int   `yaml:"probe_port"`        // REQ/REP: heartbeat_srv liveness probe
}

// Dial endpoints for clients of this node.

func (n Node) Registration() string { return endpoint(n.Host, n.RegistrationPort) }
func (n Node) Positions() string    { return endpoint(n.Host, n.PositionPort) }
func (n Node) Heartbeats() string   { return endpoint(n.Host, n.HeartbeatPort) }
func (n Node) Assignments() string  { return endpoint(n.Host, n.AssignPort) }
func (n Node) UserRequests() string { return endpoint(n.Host, n.UserRequestPort) }
func (n Node) Probe() string        { return endpoint(n.Host, n.ProbePort) }

func endpoint(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// Config enumerates every tunable of the system.
type Config struct {
	Primary Node `yaml:"primary"`
	Backup  Node `yaml:"backup"`

	// ActivationPort is the backup-side PULL port the monitor pushes
	// activate_backup / deactivate_backup to.
	ActivationPort int `yaml:"activation_port"`

	StorePath string `yaml:"store_path"`

	// Seconds. Heartbeat sweep period must stay under half the timeout so a
	// silent taxi is caught within one sweep of the threshold.
	HeartbeatIntervalSeconds  int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds   int `yaml:"heartbeat_timeout_seconds"`
	PositionIntervalSeconds   int `yaml:"position_interval_seconds"`
	ServiceDurationSeconds    int `yaml:"service_duration_seconds"`
	ConnectTimeoutSeconds     int `yaml:"connect_timeout_seconds"`
	UserRequestTimeoutSeconds int `yaml:"user_request_timeout_seconds"`
	ProbeIntervalSeconds      int `yaml:"probe_interval_seconds"`
	ProbeTimeoutSeconds       int `yaml:"probe_timeout_seconds"`
	ReconnectBackoffSeconds   int `yaml:"reconnect_backoff_seconds"`

	// PrimaryConnectRetries is how many consecutive registration failures
	// a taxi tolerates before escalating to the backup.
	PrimaryConnectRetries int `yaml:"primary_connect_retries"`
}

// Default returns the single-host defaults.
func Default() Config {
	return Config{
		Primary: Node{
			Host:             "localhost",
			RegistrationPort: 6551,
			PositionPort:     6552,
			HeartbeatPort:    6553,
			AssignPort:       6550,
			UserRequestPort:  6554,
			ProbePort:        6555,
		},
		Backup: Node{
			Host:             "localhost",
			RegistrationPort: 6651,
			PositionPort:     6652,
			HeartbeatPort:    6653,
			AssignPort:       6650,
			UserRequestPort:  6654,
			ProbePort:        6655,
		},
		ActivationPort: 6660,

		StorePath: defaultStorePath(),

		HeartbeatIntervalSeconds:  5,
		HeartbeatTimeoutSeconds:   15,
		PositionIntervalSeconds:   30,
		ServiceDurationSeconds:    5,
		ConnectTimeoutSeconds:     1,
		UserRequestTimeoutSeconds: 30,
		ProbeIntervalSeconds:      5,
		ProbeTimeoutSeconds:       1,
		ReconnectBackoffSeconds:   2,
		PrimaryConnectRetries:     5,
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "hailgrid", "fleet.db")
	}
	return filepath.Join(home, ".local", "share", "hailgrid", "fleet.db")
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/hailgrid/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "hailgrid", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "hailgrid", "config.yaml")
}

// Load reads the config file at path (Path() when empty). A missing file
// returns the defaults, not an error. Values absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config to disk, creating directories as needed.
func (c Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects timing combinations that break liveness tracking.
func (c Config) Validate() error {
	if c.HeartbeatIntervalSeconds <= 0 || c.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("heartbeat interval and timeout must be positive")
	}
	if 2*c.HeartbeatIntervalSeconds >= c.HeartbeatTimeoutSeconds {
		return fmt.Errorf("heartbeat sweep period %ds must be under half the timeout %ds",
			c.HeartbeatIntervalSeconds, c.HeartbeatTimeoutSeconds)
	}
	if c.PositionIntervalSeconds <= 0 || c.ServiceDurationSeconds <= 0 {
		return fmt.Errorf("position interval and service duration must be positive")
	}
	return nil
}

// Duration accessors.

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}
func (c Config) PositionInterval() time.Duration {
	return time.Duration(c.PositionIntervalSeconds) * time.Second
}
func (c Config) ServiceDuration() time.Duration {
	return time.Duration(c.ServiceDurationSeconds) * time.Second
}
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}
func (c Config) UserRequestTimeout() time.Duration {
	return time.Duration(c.UserRequestTimeoutSeconds) * time.Second
}
func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}
func (c Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.ReconnectBackoffSeconds) * time.Second
}
