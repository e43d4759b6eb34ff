package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains all configuration for the lab manager service
type Config struct {
	// Logging configuration
	Log LogConfig `yaml:"log"`

	// HTTP server configuration
	Server ServerConfig `yaml:"server"`

	// Database configuration
	Database DatabaseConfig `yaml:"database"`

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Agent fleet configuration
	Agent AgentConfig `yaml:"agent"`

	// History retention configuration
	Retention RetentionConfig `yaml:"retention"`
}

// LogConfig configures logging behavior
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"json"`
	Debug  bool   `yaml:"debug" env:"DEBUG" default:"false"`
}

// ConfigureZerolog configures zerolog based on the log configuration
func (c *LogConfig) ConfigureZerolog() {
	// Set log level
	level := zerolog.InfoLevel
	if c.Debug {
		level = zerolog.DebugLevel
	} else {
		switch strings.ToLower(c.Level) {
		case "trace":
			level = zerolog.TraceLevel
		case "debug":
			level = zerolog.DebugLevel
		case "info":
			level = zerolog.InfoLevel
		case "warn", "warning":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		case "fatal":
			level = zerolog.FatalLevel
		case "panic":
			level = zerolog.PanicLevel
		}
	}
	zerolog.SetGlobalLevel(level)
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host string `yaml:"host" env:"LABMANAGER_HOST" default:"0.0.0.0"`
	Port int    `yaml:"port" env:"LABMANAGER_PORT" default:"8080"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	DSN   string `yaml:"dsn" env:"DATABASE_URL" default:"file:./labmanager.db"`
	Debug bool   `yaml:"debug" env:"DATABASE_DEBUG" default:"false"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	JWTSecretKey string `yaml:"-" env:"JWT_SECRET_KEY"`
}

// AgentConfig configures agent fleet behavior
type AgentConfig struct {
	// A machine silent for longer than this is marked offline
	OfflineThreshold time.Duration `yaml:"offline_threshold" env:"AGENT_OFFLINE_THRESHOLD" default:"90s"`

	// How often the offline sweep runs
	SweepInterval time.Duration `yaml:"sweep_interval" env:"AGENT_SWEEP_INTERVAL" default:"30s"`
}

// RetentionConfig configures allocation history pruning
type RetentionConfig struct {
	// Allocations that ended longer ago than this are eligible for
	// the prune endpoint
	MaxAge time.Duration `yaml:"max_age" env:"RETENTION_MAX_AGE" default:"2160h"`
}

// Load loads the lab manager configuration from multiple sources
func Load(configFile, envFile string) (*Config, error) {
	cfg := &Config{}

	loader := NewConfigLoader(LoaderConfig{
		ConfigFile:      configFile,
		EnvironmentFile: envFile,
		ServiceName:     "labmanager",
	})

	if err := loader.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Auth.JWTSecretKey == "" {
		return fmt.Errorf("JWT_SECRET_KEY environment variable is required")
	}

	if len(c.Auth.JWTSecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if c.Agent.OfflineThreshold <= 0 {
		return fmt.Errorf("agent offline threshold must be positive")
	}

	if c.Agent.SweepInterval <= 0 {
		return fmt.Errorf("agent sweep interval must be positive")
	}

	if c.Retention.MaxAge <= 0 {
		return fmt.Errorf("retention max age must be positive")
	}

	return nil
}

// GetListenAddress returns the address the server should listen on
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
