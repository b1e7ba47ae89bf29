package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/crew-core/internal/crew"
	"github.com/tributary-ai/crew-core/internal/dispatch"
	"github.com/tributary-ai/crew-core/internal/middleware"
	"github.com/tributary-ai/crew-core/internal/routing"
	"github.com/tributary-ai/crew-core/internal/security"
	"github.com/tributary-ai/crew-core/internal/server"
	"github.com/tributary-ai/crew-core/internal/types"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Router   routing.Config        `yaml:"router"`
	Crew     CrewConfig            `yaml:"crew"`
	Engine   dispatch.EngineConfig `yaml:"engine"`
	Dispatch dispatch.Config       `yaml:"dispatch"`
	Catalog  []types.ModelOption   `yaml:"catalog"`
	Storage  StorageConfig         `yaml:"storage"`
	Logging  LoggingConfig         `yaml:"logging"`
	Security SecurityConfig        `yaml:"security"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// CrewConfig holds the participant registry
type CrewConfig struct {
	Participants []crew.Participant `yaml:"participants"`
}

// StorageConfig selects the tracking and memory store backend
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the SQLite database path; ignored for the memory driver.
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	APIKeys       []security.APIKeyEntry `yaml:"api_keys"`
	JWTSecret     string                 `yaml:"jwt_secret"`
	JWTExpiry     time.Duration          `yaml:"jwt_expiry"`
	RequireAuth   bool                   `yaml:"require_auth"`
	RateLimiting  RateLimitConfig        `yaml:"rate_limiting"`
	APIValidation APIValidationConfig    `yaml:"api_validation"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestsPerMin int           `yaml:"requests_per_minute"`
	BurstSize      int           `yaml:"burst_size"`
	WindowDuration time.Duration `yaml:"window_duration"`
}

// APIValidationConfig holds OpenAPI schema validation configuration
type APIValidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	SpecPath string `yaml:"spec_path"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Router = routing.DefaultConfig()
	c.Dispatch = dispatch.DefaultConfig()

	c.Engine = dispatch.EngineConfig{
		URL:     "http://localhost:5678/webhook/crew",
		Timeout: 30 * time.Second,
	}

	c.Storage = StorageConfig{
		Driver: "memory",
		Path:   "data/crew-core.db",
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:     []security.APIKeyEntry{},
		JWTExpiry:   24 * time.Hour,
		RequireAuth: false,
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 60,
			BurstSize:      10,
			WindowDuration: time.Minute,
		},
		APIValidation: APIValidationConfig{
			Enabled:  false,
			SpecPath: "docs/openapi.yaml",
		},
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("CREW_CORE_PORT"); port != "" {
		c.Server.Port = port
	}

	if url := os.Getenv("CREW_CORE_ENGINE_URL"); url != "" {
		c.Engine.URL = url
	}

	if secret := os.Getenv("CREW_CORE_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}

	if path := os.Getenv("CREW_CORE_DB_PATH"); path != "" {
		c.Storage.Driver = "sqlite"
		c.Storage.Path = path
	}

	if level := os.Getenv("CREW_CORE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("CREW_CORE_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}

	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Engine.URL == "" {
		return fmt.Errorf("engine URL cannot be empty")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Security.RequireAuth && len(c.Security.APIKeys) == 0 && c.Security.JWTSecret == "" {
		return fmt.Errorf("require_auth is set but no API keys or JWT secret are configured")
	}

	for i, key := range c.Security.APIKeys {
		if key.Key == "" || key.UserID == "" {
			return fmt.Errorf("api_keys[%d]: key and user_id are required", i)
		}
		if key.Role != "" && !key.Role.Valid() {
			return fmt.Errorf("api_keys[%d]: invalid role %q", i, key.Role)
		}
	}

	return nil
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	cfg := &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityMiddlewareConfig(),
	}

	if c.Security.APIValidation.Enabled {
		cfg.APIValidation = &middleware.ValidationConfig{
			Enabled:  true,
			SpecPath: c.Security.APIValidation.SpecPath,
		}
	}

	return cfg
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			JWTExpiry:   c.Security.JWTExpiry,
			RequireAuth: c.Security.RequireAuth,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			WindowDuration:    c.Security.RateLimiting.WindowDuration,
			CleanupInterval:   5 * time.Minute,
		},
		Validation: &security.ValidationConfig{
			MaxRequestSize: 1 * 1024 * 1024, // 1MB
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			ContentTypes:   []string{"application/json"},
		},
		Audit: &security.AuditConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
