// Package config provides YAML-based configuration loading for pgreindex.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults carried over from the original CLI surface.
const (
	DefaultPort    = 5432
	DefaultMinutes = 120
	DefaultRetries = 2
	DefaultPause   = 5
)

// Config is the top-level pgreindex configuration. Values come from an
// optional YAML file, the environment, and command-line flags, with flags
// taking precedence over environment over file.
type Config struct {
	Tables        []string `yaml:"tables"`
	Indexes       []string `yaml:"indexes"`
	IgnoreIndexes []string `yaml:"ignore_indexes"`
	SkipPrimary   bool     `yaml:"skip_primary"`

	Connection ConnectionConfig `yaml:"connection"`

	Minutes     int  `yaml:"minutes"`
	EnforceTime bool `yaml:"enforce_time"`
	Retries     int  `yaml:"retries"`
	DryRun      bool `yaml:"dry_run"`
	Pause       int  `yaml:"pause"` // seconds between index operations

	PrintTimestamps bool   `yaml:"print_timestamps"`
	LogFile         string `yaml:"log"`
	Verbose         bool   `yaml:"verbose"`
	Debug           bool   `yaml:"debug"`

	Notify NotifyConfig `yaml:"notify"`
}

// ConnectionConfig holds connection settings for the target database.
type ConnectionConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// NotifyConfig configures optional run-report notifications. A notifier is
// enabled when its token and channel are both set.
type NotifyConfig struct {
	SlackToken     string `yaml:"slack_token"`
	SlackChannel   string `yaml:"slack_channel"`
	DiscordToken   string `yaml:"discord_token"`
	DiscordChannel string `yaml:"discord_channel"`
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file from path and returns a Config with
// defaults applied. Validation is deferred to Validate so that environment
// and flag overrides can be layered on first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.Connection.Port == 0 {
		c.Connection.Port = DefaultPort
	}
	if c.Minutes == 0 {
		c.Minutes = DefaultMinutes
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Pause == 0 {
		c.Pause = DefaultPause
	}
}

// Environment variable names, unchanged from the original tool.
var envVars = []string{
	"TABLES", "INDEXES", "IGNORE_INDEXES",
	"HOST", "PORT", "DATABASE", "USER", "PASSWORD",
	"MINUTES", "ENFORCE_TIME", "RETRIES", "DRY_RUN", "PAUSE",
	"PRINT_TIMESTAMPS", "VERBOSE", "DEBUG",
}

// ApplyEnv overlays set environment variables onto the config. getenv is
// injectable for tests; pass os.Getenv in production.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for _, name := range envVars {
		val := getenv(name)
		if val == "" {
			continue
		}
		if err := c.applyEnvVar(name, val); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnvVar(name, val string) error {
	switch name {
	case "TABLES":
		c.Tables = SplitList(val)
	case "INDEXES":
		c.Indexes = SplitList(val)
	case "IGNORE_INDEXES":
		c.IgnoreIndexes = SplitList(val)
	case "HOST":
		c.Connection.Host = val
	case "PORT":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: env PORT: %w", err)
		}
		c.Connection.Port = n
	case "DATABASE":
		c.Connection.Database = val
	case "USER":
		c.Connection.User = val
	case "PASSWORD":
		c.Connection.Password = val
	case "MINUTES":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: env MINUTES: %w", err)
		}
		c.Minutes = n
	case "ENFORCE_TIME":
		c.EnforceTime = parseBool(val)
	case "RETRIES":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: env RETRIES: %w", err)
		}
		c.Retries = n
	case "DRY_RUN":
		c.DryRun = parseBool(val)
	case "PAUSE":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("config: env PAUSE: %w", err)
		}
		c.Pause = n
	case "PRINT_TIMESTAMPS":
		c.PrintTimestamps = parseBool(val)
	case "VERBOSE":
		c.Verbose = parseBool(val)
	case "DEBUG":
		c.Debug = parseBool(val)
	}
	return nil
}

// parseBool accepts the usual truthy spellings; anything else is false.
func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SplitList splits a comma-separated list, trimming whitespace and dropping
// empty entries.
func SplitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	var errs []string
	if c.Connection.Database == "" {
		errs = append(errs, "database is required")
	}
	if len(c.Tables) == 0 && len(c.Indexes) == 0 {
		errs = append(errs, "at least one table or index is required")
	}
	if c.Minutes < 0 {
		errs = append(errs, "minutes must not be negative")
	}
	if c.Retries < 0 {
		errs = append(errs, "retries must not be negative")
	}
	if c.Pause < 0 {
		errs = append(errs, "pause must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
