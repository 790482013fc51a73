package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Markets   []MarketConfig  `yaml:"markets"`
	Workers   WorkersConfig   `yaml:"workers"`
	Execution ExecutionConfig `yaml:"execution"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig represents HTTP server settings
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig represents storage settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MarketConfig declares one market the engine carries a book for
type MarketConfig struct {
	Code     string `yaml:"code"`
	Currency string `yaml:"currency"`
}

// WorkersConfig sizes the execution worker pool
type WorkersConfig struct {
	Count     int `yaml:"count"`
	QueueSize int `yaml:"queue_size"`
}

// ExecutionConfig represents execution settings
type ExecutionConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// RedisConfig represents the optional depth snapshot cache
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig represents logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load loads configuration from a YAML file with env overrides and defaults
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.loadEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvOverrides overrides config with environment variables
func (c *Config) loadEnvOverrides() {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		c.Log.Pretty = v == "true" || v == "1"
	}
	if v := os.Getenv("EXECUTION_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxRetries = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.Path == "" {
		c.Database.Path = "exchange.db"
	}
	if len(c.Markets) == 0 {
		c.Markets = []MarketConfig{
			{Code: "NYSE", Currency: "USD"},
			{Code: "LSE", Currency: "GBP"},
			{Code: "XETRA", Currency: "EUR"},
		}
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 5
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 1024
	}
	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = 5
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate validates configuration
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if m.Code == "" {
			return fmt.Errorf("markets entries require a code")
		}
		if seen[m.Code] {
			return fmt.Errorf("duplicate market code %s", m.Code)
		}
		seen[m.Code] = true
	}
	if c.Execution.MaxRetries < 1 {
		return fmt.Errorf("execution.max_retries must be at least 1")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

// MarketCodes returns the configured market codes in declaration order
func (c *Config) MarketCodes() []string {
	codes := make([]string, 0, len(c.Markets))
	for _, m := range c.Markets {
		codes = append(codes, m.Code)
	}
	return codes
}
