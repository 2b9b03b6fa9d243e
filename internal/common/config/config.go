// Package config provides configuration management for the appserver bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the appserver bridge.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	PTY     PTYConfig     `mapstructure:"pty"`
	ACP     ACPConfig     `mapstructure:"acp"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// CacheConfig holds on-disk state layout configuration.
type CacheConfig struct {
	// Root is the cache root. Empty means resolve XDG_CACHE_HOME, falling
	// back to ~/.cache.
	Root string `mapstructure:"root"`
}

// BridgeConfig holds the Codex child process configuration.
type BridgeConfig struct {
	// Command is the agent child argv. The child speaks line-delimited
	// JSON-RPC on stdio.
	Command []string `mapstructure:"command"`

	// RPCTimeout is the per-request timeout in seconds (default 15).
	RPCTimeout int `mapstructure:"rpcTimeout"`

	// InitializeTimeout bounds the initialize handshake in seconds.
	InitializeTimeout int `mapstructure:"initializeTimeout"`
}

// PTYConfig holds per-conversation PTY defaults.
type PTYConfig struct {
	Cols       int `mapstructure:"cols"`
	Rows       int `mapstructure:"rows"`
	Scrollback int `mapstructure:"scrollback"`

	// ShellCommand overrides the detected shell for interactive sessions.
	ShellCommand string   `mapstructure:"shellCommand"`
	ShellArgs    []string `mapstructure:"shellArgs"`
}

// ACPConfig holds the extension bridge configuration.
type ACPConfig struct {
	// ManifestDir contains extension manifest YAML files.
	ManifestDir string `mapstructure:"manifestDir"`

	// WarmupTimeout bounds the startup initialize handshake in seconds
	// (default 60).
	WarmupTimeout int `mapstructure:"warmupTimeout"`
}

// MCPConfig holds the embedded MCP tool server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RPCTimeoutDuration returns the bridge RPC timeout as a time.Duration.
func (b *BridgeConfig) RPCTimeoutDuration() time.Duration {
	return time.Duration(b.RPCTimeout) * time.Second
}

// InitializeTimeoutDuration returns the initialize timeout as a time.Duration.
func (b *BridgeConfig) InitializeTimeoutDuration() time.Duration {
	return time.Duration(b.InitializeTimeout) * time.Second
}

// WarmupTimeoutDuration returns the ACP warm-up timeout as a time.Duration.
func (a *ACPConfig) WarmupTimeoutDuration() time.Duration {
	return time.Duration(a.WarmupTimeout) * time.Second
}

// ResolveRoot returns the configured cache root, resolving XDG_CACHE_HOME
// and ~/.cache when unset.
func (c *CacheConfig) ResolveRoot() (string, error) {
	if c.Root != "" {
		return c.Root, nil
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return xdg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".cache"), nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("APPSERVER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Cache defaults - empty root means XDG resolution
	v.SetDefault("cache.root", "")

	// Bridge defaults
	v.SetDefault("bridge.command", []string{"codex", "app-server"})
	v.SetDefault("bridge.rpcTimeout", 15)
	v.SetDefault("bridge.initializeTimeout", 30)

	// PTY defaults
	v.SetDefault("pty.cols", 120)
	v.SetDefault("pty.rows", 40)
	v.SetDefault("pty.scrollback", 1000)
	v.SetDefault("pty.shellCommand", "")
	v.SetDefault("pty.shellArgs", []string{})

	// ACP defaults
	v.SetDefault("acp.manifestDir", "")
	v.SetDefault("acp.warmupTimeout", 60)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from file and environment variables.
// Config file is optional; environment variables use the APPSERVER_ prefix
// with dots replaced by underscores (e.g. APPSERVER_SERVER_PORT).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("APPSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("appserver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "appserver"))
		}
		// Missing config file is fine; defaults + env apply.
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Bridge.Command) == 0 {
		return fmt.Errorf("bridge.command must not be empty")
	}
	if c.PTY.Cols <= 0 || c.PTY.Rows <= 0 {
		return fmt.Errorf("invalid pty dimensions: %dx%d", c.PTY.Cols, c.PTY.Rows)
	}
	return nil
}
