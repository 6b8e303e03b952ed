// ABOUTME: Configuration loading and parsing for aria-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete aria-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Admission AdmissionConfig `yaml:"admission"`
	Interrupt InterruptConfig `yaml:"interrupt"`
	Memory    MemoryConfig    `yaml:"memory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AdmissionConfig holds stream and message-rate limits
type AdmissionConfig struct {
	MaxConcurrentStreams int `yaml:"max_concurrent_streams"`
	RateMaxMessages      int `yaml:"rate_max_messages"`

	RateWindow time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	RateWindowRaw string `yaml:"rate_window"`
}

// InterruptConfig holds interrupt-coordinator timing configuration
type InterruptConfig struct {
	FlagTimeout   time.Duration `yaml:"-"`
	ModuleTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	FlagTimeoutRaw   string `yaml:"flag_timeout"`
	ModuleTimeoutRaw string `yaml:"module_timeout"`
}

// MemoryConfig holds memory-cache timing configuration
type MemoryConfig struct {
	FetchTimeout  time.Duration `yaml:"-"`
	SaveTimeout   time.Duration `yaml:"-"`
	CacheTTL      time.Duration `yaml:"-"`
	RefreshMargin time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	FetchTimeoutRaw  string `yaml:"fetch_timeout"`
	SaveTimeoutRaw   string `yaml:"save_timeout"`
	CacheTTLRaw      string `yaml:"cache_ttl"`
	RefreshMarginRaw string `yaml:"refresh_margin"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when a field is not set in the file.
const (
	DefaultMaxConcurrentStreams = 20
	DefaultRateMaxMessages      = 30
	DefaultRateWindow           = 10 * time.Second
	DefaultFlagTimeout          = 30 * time.Second
	DefaultModuleTimeout        = 5 * time.Second
	DefaultFetchTimeout         = 800 * time.Millisecond
	DefaultSaveTimeout          = 5 * time.Second
	DefaultCacheTTL             = 5 * time.Minute
	DefaultRefreshMargin        = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Admission.MaxConcurrentStreams == 0 {
		c.Admission.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if c.Admission.RateMaxMessages == 0 {
		c.Admission.RateMaxMessages = DefaultRateMaxMessages
	}
	if c.Admission.RateWindow == 0 {
		c.Admission.RateWindow = DefaultRateWindow
	}
	if c.Interrupt.FlagTimeout == 0 {
		c.Interrupt.FlagTimeout = DefaultFlagTimeout
	}
	if c.Interrupt.ModuleTimeout == 0 {
		c.Interrupt.ModuleTimeout = DefaultModuleTimeout
	}
	if c.Memory.FetchTimeout == 0 {
		c.Memory.FetchTimeout = DefaultFetchTimeout
	}
	if c.Memory.SaveTimeout == 0 {
		c.Memory.SaveTimeout = DefaultSaveTimeout
	}
	if c.Memory.CacheTTL == 0 {
		c.Memory.CacheTTL = DefaultCacheTTL
	}
	if c.Memory.RefreshMargin == 0 {
		c.Memory.RefreshMargin = DefaultRefreshMargin
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Admission.MaxConcurrentStreams < 1 {
		return fmt.Errorf("admission.max_concurrent_streams must be positive")
	}
	if c.Admission.RateMaxMessages < 1 {
		return fmt.Errorf("admission.rate_max_messages must be positive")
	}

	if c.Memory.RefreshMargin >= c.Memory.CacheTTL {
		return fmt.Errorf("memory.refresh_margin %s must be shorter than memory.cache_ttl %s",
			c.Memory.RefreshMargin, c.Memory.CacheTTL)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Admission.RateWindowRaw, "admission.rate_window", &cfg.Admission.RateWindow},
		{cfg.Interrupt.FlagTimeoutRaw, "interrupt.flag_timeout", &cfg.Interrupt.FlagTimeout},
		{cfg.Interrupt.ModuleTimeoutRaw, "interrupt.module_timeout", &cfg.Interrupt.ModuleTimeout},
		{cfg.Memory.FetchTimeoutRaw, "memory.fetch_timeout", &cfg.Memory.FetchTimeout},
		{cfg.Memory.SaveTimeoutRaw, "memory.save_timeout", &cfg.Memory.SaveTimeout},
		{cfg.Memory.CacheTTLRaw, "memory.cache_ttl", &cfg.Memory.CacheTTL},
		{cfg.Memory.RefreshMarginRaw, "memory.refresh_margin", &cfg.Memory.RefreshMargin},
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
