package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
)

// Change source drivers
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// defaultChannels is the fixed channel set used when RELAY_CHANNELS is unset.
func defaultChannels() []string {
	channels := domain.DefaultChannels()
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, string(ch))
	}
	return names
}

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Change source configuration
	Source SourceConfig

	// JWT configuration
	JWT JWTConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Metrics configuration
	Metrics MetricsConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SourceConfig holds the upstream changefeed configuration
type SourceConfig struct {
	Driver          string // postgres, redis
	URL             string
	Channels        []string
	EventQueueSize  int
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret         string
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
	UpgradeRPS        float64 // Stricter limit for websocket upgrades
	UpgradeBurst      int
	// TrustProxy keys limits on X-Forwarded-For; only safe behind a proxy
	// that overwrites the header.
	TrustProxy bool
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	Path            string
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageSize  int64
	SendQueueSize   int
	RequireAuth     bool
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables, reading a .env file
// in the working directory first if one exists.
func Load() (*Config, error) {
	return LoadFiles()
}

// LoadFiles loads the given env files (or .env when none are given) and then
// builds the configuration from the environment.
func LoadFiles(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 {
			return nil, fmt.Errorf("load env files: %w", err)
		}
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getIntOrDefault("DB_MAX_OPEN_CONNS", 5),
			MaxIdleConns:    getIntOrDefault("DB_MAX_IDLE_CONNS", 1),
			ConnMaxLifetime: getDurationOrDefault("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getDurationOrDefault("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
		},
		Source: SourceConfig{
			Driver:          strings.ToLower(getEnvOrDefault("CHANGE_SOURCE_DRIVER", DriverPostgres)),
			URL:             os.Getenv("CHANGE_SOURCE_URL"),
			Channels:        getStringSliceOrDefault("RELAY_CHANNELS", defaultChannels()),
			EventQueueSize:  getIntOrDefault("RELAY_EVENT_QUEUE_SIZE", 256),
			ConnectAttempts: getIntOrDefault("SOURCE_CONNECT_ATTEMPTS", 5),
			ConnectBackoff:  getDurationOrDefault("SOURCE_CONNECT_BACKOFF", 500*time.Millisecond),
		},
		JWT: JWTConfig{
			Secret:         os.Getenv("JWT_SECRET"),
			AccessTokenTTL: getDurationOrDefault("JWT_ACCESS_TOKEN_TTL", 1*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 10),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 20),
			UpgradeRPS:        getFloatOrDefault("RATE_LIMIT_UPGRADE_RPS", 2),
			UpgradeBurst:      getIntOrDefault("RATE_LIMIT_UPGRADE_BURST", 10),
			TrustProxy:        getBoolOrDefault("RATE_LIMIT_TRUST_PROXY", false),
		},
		WebSocket: WebSocketConfig{
			Path:            getEnvOrDefault("WS_PATH", "/ws"),
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("WS_PING_INTERVAL", 30*time.Second),
			PongWait:        getDurationOrDefault("WS_PONG_WAIT", 60*time.Second),
			WriteWait:       getDurationOrDefault("WS_WRITE_WAIT", 10*time.Second),
			MaxMessageSize:  int64(getIntOrDefault("WS_MAX_MESSAGE_SIZE", 1024)),
			SendQueueSize:   getIntOrDefault("WS_SEND_QUEUE_SIZE", 256),
			RequireAuth:     getBoolOrDefault("WS_REQUIRE_AUTH", false),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolOrDefault("METRICS_ENABLED", true),
			Path:    getEnvOrDefault("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "service-desk-relay"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	// The Postgres changefeed lives in the application database unless told otherwise.
	if cfg.Source.URL == "" && cfg.Source.Driver == DriverPostgres {
		cfg.Source.URL = cfg.Database.URL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	switch c.Source.Driver {
	case DriverPostgres:
		if c.Source.URL == "" {
			errs = append(errs, "DATABASE_URL or CHANGE_SOURCE_URL is required for the postgres change source")
		}
	case DriverRedis:
		if c.Source.URL == "" {
			errs = append(errs, "CHANGE_SOURCE_URL is required for the redis change source")
		}
	default:
		errs = append(errs, fmt.Sprintf("CHANGE_SOURCE_DRIVER must be %q or %q", DriverPostgres, DriverRedis))
	}

	if len(c.Source.Channels) == 0 {
		errs = append(errs, "RELAY_CHANNELS must name at least one channel")
	}

	if c.WebSocket.RequireAuth && c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required when WS_REQUIRE_AUTH is enabled")
	}

	// Security validations
	if c.App.Environment == "production" {
		if c.WebSocket.RequireAuth && len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, "WS_PATH must start with /")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		errs = append(errs, "WS_PONG_WAIT must be greater than WS_PING_INTERVAL")
	}

	if c.WebSocket.SendQueueSize < 1 {
		errs = append(errs, "WS_SEND_QUEUE_SIZE must be at least 1")
	}

	if c.Source.EventQueueSize < 1 {
		errs = append(errs, "RELAY_EVENT_QUEUE_SIZE must be at least 1")
	}

	if c.Source.ConnectAttempts < 1 {
		errs = append(errs, "SOURCE_CONNECT_ATTEMPTS must be at least 1")
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		errs = append(errs, "DB_MAX_IDLE_CONNS cannot be greater than DB_MAX_OPEN_CONNS")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// ChannelNames returns the configured channels as domain channel names.
func (c *Config) ChannelNames() []domain.ChannelName {
	channels := make([]domain.ChannelName, 0, len(c.Source.Channels))
	for _, ch := range c.Source.Channels {
		channels = append(channels, domain.ChannelName(ch))
	}
	return channels
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Server: %s, Source: %s %s, Channels: %d, WS: %s, Auth: %v, Environment: %s}",
		c.Server.Port,
		c.Source.Driver,
		redactURL(c.Source.URL),
		len(c.Source.Channels),
		c.WebSocket.Path,
		c.WebSocket.RequireAuth,
		c.App.Environment,
	)
}

// redactURL redacts sensitive parts of a connection URL
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	if idx := strings.Index(url, "@"); idx > 0 {
		return "[REDACTED]" + url[idx:]
	}
	return "[REDACTED]"
}
