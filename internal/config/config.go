// ABOUTME: Configuration loading and parsing for mcpgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcpgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limiting"`
	Limits    LimitsConfig    `yaml:"limits"`
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	Tools     ToolsConfig     `yaml:"tools"`
}

// ServerConfig holds listener and identity configuration
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// SecurityConfig holds authentication and IP filtering configuration
type SecurityConfig struct {
	AuthEnabled bool     `yaml:"auth_enabled"`
	AuthToken   string   `yaml:"auth_token"`
	JWTSecret   string   `yaml:"jwt_secret"`
	AllowedIPs  []string `yaml:"allowed_ips"`

	BanDuration    time.Duration `yaml:"-"`
	BanDurationRaw string        `yaml:"ban_duration"`
}

// RateLimitConfig holds the sliding-window rate limiter configuration
type RateLimitConfig struct {
	MaxRequests int `yaml:"max_requests"`

	Window    time.Duration `yaml:"-"`
	WindowRaw string        `yaml:"window"`
}

// LimitsConfig holds connection and size limits
type LimitsConfig struct {
	MaxConnections int   `yaml:"max_connections"`
	MaxFileSize    int64 `yaml:"max_file_size"`

	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig holds local persistence configuration.
// An empty path disables the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ToolsConfig selects tool packs and configures their collaborators
type ToolsConfig struct {
	Packs     []string `yaml:"packs"`
	FilesRoot string   `yaml:"files_root"`

	// ServiceURL is the base URL of the database service the database
	// pack proxies to.
	ServiceURL        string        `yaml:"service_url"`
	ServiceTimeout    time.Duration `yaml:"-"`
	ServiceTimeoutRaw string        `yaml:"service_timeout"`
}

// Default returns a Config with all defaults applied. Load starts from this
// and overlays the file contents.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    3001,
			Name:    "mcpgate",
			Version: "1.0.0",
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 100,
			Window:      60 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConnections: 50,
			MaxFileSize:    1 << 20,
			IdleTimeout:    600 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tools: ToolsConfig{
			Packs:          []string{"admin"},
			FilesRoot:      ".",
			ServiceURL:     "http://localhost:8000",
			ServiceTimeout: 30 * time.Second,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
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

// applyEnvOverrides applies environment variables that take precedence over
// file values.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("MCPGATE_AUTH_TOKEN"); token != "" {
		cfg.Security.AuthToken = token
	}
	if dbPath := os.Getenv("MCPGATE_DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Security.AuthEnabled && c.Security.AuthToken == "" && c.Security.JWTSecret == "" && c.Database.Path == "" {
		return fmt.Errorf("security.auth_enabled requires auth_token, jwt_secret, or a database with issued tokens")
	}

	if c.RateLimit.MaxRequests < 1 {
		return fmt.Errorf("rate_limiting.max_requests must be positive, got %d", c.RateLimit.MaxRequests)
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limiting.window must be positive, got %s", c.RateLimit.Window)
	}

	if c.Limits.MaxConnections < 1 {
		return fmt.Errorf("limits.max_connections must be positive, got %d", c.Limits.MaxConnections)
	}

	for _, pack := range c.Tools.Packs {
		switch pack {
		case "admin", "files", "database":
		default:
			return fmt.Errorf("unknown tool pack %q (valid: admin, files, database)", pack)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	parse := func(raw string, dst *time.Duration, field string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", field, raw, err)
		}
		*dst = d
		return nil
	}

	if err := parse(cfg.Security.BanDurationRaw, &cfg.Security.BanDuration, "security.ban_duration"); err != nil {
		return err
	}
	if err := parse(cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window, "rate_limiting.window"); err != nil {
		return err
	}
	if err := parse(cfg.Limits.IdleTimeoutRaw, &cfg.Limits.IdleTimeout, "limits.idle_timeout"); err != nil {
		return err
	}
	if err := parse(cfg.Tools.ServiceTimeoutRaw, &cfg.Tools.ServiceTimeout, "tools.service_timeout"); err != nil {
		return err
	}

	return nil
}
