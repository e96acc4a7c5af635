// Package config provides configuration management for Confab.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Confab.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver is "sqlite3" (default) or "pgx". The Postgres fields are
// only consulted when Driver is "pgx".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// OrchestratorConfig holds conversation scheduling and fanout configuration.
type OrchestratorConfig struct {
	// IdleTurnMs is the guidance deadline: how long a prompted agent may
	// hold a claim before the watchdog reaps it.
	IdleTurnMs int `mapstructure:"idleTurnMs"`

	// WatchdogIntervalMs is how often expired claims are scanned for.
	WatchdogIntervalMs int `mapstructure:"watchdogIntervalMs"`

	// SubscriberBuffer is the per-subscription queue depth.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`

	// OverrunPolicy is "block" or "drop". With "drop", a subscriber whose
	// queue is full is disconnected instead of stalling producers.
	OverrunPolicy string `mapstructure:"overrunPolicy"`
}

// LLMConfig holds settings for model-backed agents.
type LLMConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`
	Model   string `mapstructure:"model"`
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

// IdleTurn returns the claim deadline as a time.Duration.
func (o *OrchestratorConfig) IdleTurn() time.Duration {
	return time.Duration(o.IdleTurnMs) * time.Millisecond
}

// WatchdogInterval returns the watchdog scan period as a time.Duration.
func (o *OrchestratorConfig) WatchdogInterval() time.Duration {
	return time.Duration(o.WatchdogIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONFAB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - sqlite file in the working directory
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "confab.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "confab")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "confab")
	v.SetDefault("database.sslMode", "disable")

	// Orchestrator defaults
	v.SetDefault("orchestrator.idleTurnMs", 30000)
	v.SetDefault("orchestrator.watchdogIntervalMs", 5000)
	v.SetDefault("orchestrator.subscriberBuffer", 256)
	v.SetDefault("orchestrator.overrunPolicy", "block")

	// LLM defaults - empty API key disables model-backed agents
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONFAB_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/confab/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONFAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("orchestrator.idleTurnMs", "CONFAB_ORCHESTRATOR_IDLE_TURN_MS")
	_ = v.BindEnv("orchestrator.watchdogIntervalMs", "CONFAB_ORCHESTRATOR_WATCHDOG_INTERVAL_MS")
	_ = v.BindEnv("orchestrator.subscriberBuffer", "CONFAB_ORCHESTRATOR_SUBSCRIBER_BUFFER")
	_ = v.BindEnv("orchestrator.overrunPolicy", "CONFAB_ORCHESTRATOR_OVERRUN_POLICY")
	_ = v.BindEnv("llm.apiKey", "CONFAB_LLM_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.baseUrl", "CONFAB_LLM_BASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/confab/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Orchestrator.IdleTurnMs <= 0 {
		errs = append(errs, "orchestrator.idleTurnMs must be positive")
	}
	if cfg.Orchestrator.WatchdogIntervalMs <= 0 {
		errs = append(errs, "orchestrator.watchdogIntervalMs must be positive")
	}
	if cfg.Orchestrator.SubscriberBuffer <= 0 {
		errs = append(errs, "orchestrator.subscriberBuffer must be positive")
	}
	validPolicies := map[string]bool{"block": true, "drop": true}
	if !validPolicies[strings.ToLower(cfg.Orchestrator.OverrunPolicy)] {
		errs = append(errs, "orchestrator.overrunPolicy must be one of: block, drop")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
