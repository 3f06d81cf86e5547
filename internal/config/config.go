// ABOUTME: Configuration loading and parsing for forge-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete forge-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Sessions SessionsConfig `yaml:"sessions"`
	Agent    AgentConfig    `yaml:"agent"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	// PublicURL is the base URL runners use to reach the gateway from
	// inside a sandbox
	PublicURL string `yaml:"public_url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SandboxConfig holds sandbox provisioning configuration
type SandboxConfig struct {
	// RootDir is where local sandboxes are materialized
	RootDir string `yaml:"root_dir"`

	// Lifetime is the hard wall-clock ceiling after which the provider
	// reclaims the environment. Expiry is an asynchronous failure mode,
	// not something the gateway can prevent.
	Lifetime    time.Duration `yaml:"-"`
	LifetimeRaw string        `yaml:"lifetime"`
}

// SessionsConfig holds session registry timing configuration
type SessionsConfig struct {
	MaxAge        time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	MaxAgeRaw        string `yaml:"max_age"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// AgentConfig holds agent backend and watchdog configuration
type AgentConfig struct {
	// Backend selects the coding-agent CLI the runner drives
	Backend string `yaml:"backend"`

	// RunnerBin is the forge-runner binary path used inside sandboxes
	RunnerBin string `yaml:"runner_bin"`

	// ProbeInterval is how often the liveness watchdog polls tracked PIDs
	ProbeInterval    time.Duration `yaml:"-"`
	ProbeIntervalRaw string        `yaml:"probe_interval"`
}

// SnapshotConfig holds project snapshot archive configuration
type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default creates a configuration with production defaults, used when
// no config file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields with production defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8790"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://127.0.0.1:8790"
	}
	if c.Database.Path == "" {
		c.Database.Path = "forge.db"
	}
	if c.Sandbox.RootDir == "" {
		c.Sandbox.RootDir = os.TempDir()
	}
	if c.Sandbox.Lifetime == 0 {
		c.Sandbox.Lifetime = time.Hour
	}
	if c.Sessions.MaxAge == 0 {
		c.Sessions.MaxAge = 30 * time.Minute
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = time.Minute
	}
	if c.Agent.Backend == "" {
		c.Agent.Backend = "claude"
	}
	if c.Agent.RunnerBin == "" {
		c.Agent.RunnerBin = "forge-runner"
	}
	if c.Agent.ProbeInterval == 0 {
		c.Agent.ProbeInterval = 15 * time.Second
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = "snapshots"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sandbox.Lifetime <= 0 {
		return fmt.Errorf("sandbox.lifetime must be positive")
	}
	if c.Sessions.MaxAge <= 0 {
		return fmt.Errorf("sessions.max_age must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sandbox.LifetimeRaw != "" {
		cfg.Sandbox.Lifetime, err = time.ParseDuration(cfg.Sandbox.LifetimeRaw)
		if err != nil {
			return fmt.Errorf("parsing sandbox.lifetime %q: %w", cfg.Sandbox.LifetimeRaw, err)
		}
	}

	if cfg.Sessions.MaxAgeRaw != "" {
		cfg.Sessions.MaxAge, err = time.ParseDuration(cfg.Sessions.MaxAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.max_age %q: %w", cfg.Sessions.MaxAgeRaw, err)
		}
	}

	if cfg.Sessions.SweepIntervalRaw != "" {
		cfg.Sessions.SweepInterval, err = time.ParseDuration(cfg.Sessions.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sessions.sweep_interval %q: %w", cfg.Sessions.SweepIntervalRaw, err)
		}
	}

	if cfg.Agent.ProbeIntervalRaw != "" {
		cfg.Agent.ProbeInterval, err = time.ParseDuration(cfg.Agent.ProbeIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing agent.probe_interval %q: %w", cfg.Agent.ProbeIntervalRaw, err)
		}
	}

	return nil
}
