// ABOUTME: Configuration loading and parsing for linksync
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete linksync configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Modem     ModemConfig     `yaml:"modem" toml:"modem"`
	Settings  SettingsConfig  `yaml:"settings" toml:"settings"`
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
	WSPath   string `yaml:"ws_path" toml:"ws_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend      string `yaml:"backend" toml:"backend"` // file or sqlite
	DataDir      string `yaml:"data_dir" toml:"data_dir"`
	UploadsDir   string `yaml:"uploads_dir" toml:"uploads_dir"`
	DatabasePath string `yaml:"database_path" toml:"database_path"`
}

// ModemConfig selects the device executor
type ModemConfig struct {
	Backend string        `yaml:"backend" toml:"backend"` // simulated or http
	URL     string        `yaml:"url" toml:"url"`
	Latency time.Duration `yaml:"-" toml:"-"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LatencyRaw string `yaml:"latency" toml:"latency"`
	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// SettingsConfig tunes message handling
type SettingsConfig struct {
	ValidateValues        bool `yaml:"validate_values" toml:"validate_values"`
	RejectUnknownMessages bool `yaml:"reject_unknown_messages" toml:"reject_unknown_messages"`
}

// SessionConfig tunes client connections
type SessionConfig struct {
	SendBuffer      int           `yaml:"send_buffer" toml:"send_buffer"`
	RateLimit       float64       `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst" toml:"rate_burst"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" toml:"max_message_bytes"`
	PingInterval    time.Duration `yaml:"-" toml:"-"`
	ReadTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	ReadTimeoutRaw  string `yaml:"read_timeout" toml:"read_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used for any field a file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "0.0.0.0:8080",
			WSPath:   "/ws",
		},
		Tailscale: TailscaleConfig{
			Hostname: "linksync",
		},
		Storage: StorageConfig{
			Backend:      "file",
			DataDir:      "./data",
			UploadsDir:   "./uploads",
			DatabasePath: "./data/linksync.db",
		},
		Modem: ModemConfig{
			Backend:    "simulated",
			LatencyRaw: "500ms",
			TimeoutRaw: "5s",
		},
		Settings: SettingsConfig{
			RejectUnknownMessages: true,
		},
		Session: SessionConfig{
			SendBuffer:      256,
			RateLimit:       50,
			RateBurst:       20,
			MaxMessageBytes: 512 * 1024,
			PingIntervalRaw: "30s",
			ReadTimeoutRaw:  "60s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location: $LINKSYNC_CONFIG, else
// $XDG_CONFIG_HOME/linksync/config.yaml, else ~/.config/linksync/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("LINKSYNC_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "linksync", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content over the defaults.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
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
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WSPath)
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required for the file backend")
		}
	case "sqlite":
		if c.Storage.DatabasePath == "" {
			return errors.New("storage.database_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be file or sqlite, got %q", c.Storage.Backend)
	}
	if c.Storage.UploadsDir == "" {
		return errors.New("storage.uploads_dir is required")
	}

	switch c.Modem.Backend {
	case "simulated":
	case "http":
		if c.Modem.URL == "" {
			return errors.New("modem.url is required for the http backend")
		}
	default:
		return fmt.Errorf("modem.backend must be simulated or http, got %q", c.Modem.Backend)
	}
	if c.Modem.Latency < 0 || c.Modem.Timeout < 0 {
		return errors.New("modem.latency and modem.timeout must not be negative")
	}

	if c.Session.SendBuffer < 0 || c.Session.RateLimit < 0 || c.Session.RateBurst < 0 || c.Session.MaxMessageBytes < 0 {
		return errors.New("session limits must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"modem.latency", cfg.Modem.LatencyRaw, &cfg.Modem.Latency},
		{"modem.timeout", cfg.Modem.TimeoutRaw, &cfg.Modem.Timeout},
		{"session.ping_interval", cfg.Session.PingIntervalRaw, &cfg.Session.PingInterval},
		{"session.read_timeout", cfg.Session.ReadTimeoutRaw, &cfg.Session.ReadTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

//go:embed example.yaml
var exampleYAML []byte

// Example returns a commented configuration file holding the defaults.
func Example() []byte {
	return exampleYAML
}

// WriteExample writes Example to path, creating parent directories. It fails
// if the file already exists.
func WriteExample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	if _, err := f.Write(exampleYAML); err != nil {
		f.Close()
		return fmt.Errorf("writing config file: %w", err)
	}
	return f.Close()
}
