package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// BackendConfig selects and parameterizes the sandbox backend
type BackendConfig struct {
	Mode              string `mapstructure:"mode"`
	RemoteURL         string `mapstructure:"remote_url"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
}

// SandboxConfig holds session storage and execution parameters
type SandboxConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	TTLSec         int    `mapstructure:"ttl_sec"`
	ExecTimeoutSec int    `mapstructure:"exec_timeout_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("NOXRUNNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("backend.mode", "remote")
	viper.SetDefault("backend.remote_url", "http://127.0.0.1:8080")
	viper.SetDefault("backend.request_timeout_sec", 30)
	viper.SetDefault("sandbox.base_dir", os.TempDir())
	viper.SetDefault("sandbox.ttl_sec", 900)
	viper.SetDefault("sandbox.exec_timeout_sec", 30)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Backend.Mode != "local" && c.Backend.Mode != "remote" {
		return fmt.Errorf("invalid backend.mode: %s, must be 'local' or 'remote'", c.Backend.Mode)
	}

	if c.Backend.Mode == "remote" && c.Backend.RemoteURL == "" {
		return fmt.Errorf("backend.remote_url is required when backend.mode is 'remote'")
	}

	if c.Backend.RequestTimeoutSec <= 0 {
		return fmt.Errorf("backend.request_timeout_sec must be positive, got: %d", c.Backend.RequestTimeoutSec)
	}

	if c.Sandbox.TTLSec <= 0 {
		return fmt.Errorf("sandbox.ttl_sec must be positive, got: %d", c.Sandbox.TTLSec)
	}

	if c.Sandbox.ExecTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.exec_timeout_sec must be positive, got: %d", c.Sandbox.ExecTimeoutSec)
	}

	return nil
}

// GetTTL returns the default session TTL as a duration
func (c *Config) GetTTL() time.Duration {
	return time.Duration(c.Sandbox.TTLSec) * time.Second
}

// GetExecTimeout returns the default execution timeout as a duration
func (c *Config) GetExecTimeout() time.Duration {
	return time.Duration(c.Sandbox.ExecTimeoutSec) * time.Second
}

// GetRequestTimeout returns the remote request timeout as a duration
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeoutSec) * time.Second
}
