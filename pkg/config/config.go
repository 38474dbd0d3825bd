package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	secretenv "chatcore-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cassandra CassandraConfig
	JWT       JWTConfig
	Log       LogConfig
	Push      PushConfig
	Realtime  RealtimeConfig
	Tracing   TracingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENV" envDefault:"development"` // development, staging, production
	ServiceName string `env:"SERVICE_NAME" envDefault:"realtime-service"`
	CORSOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"26257"`
	User     string `env:"DB_USER" envDefault:"root"`
	Password string `env:"DB_PASSWORD"`
	Database string `env:"DB_NAME" envDefault:"chatcore"`
	SSLMode  string `env:"DB_SSL_MODE" envDefault:"disable"`
	MaxConns int    `env:"DB_MAX_CONNS" envDefault:"25"`
	MinConns int    `env:"DB_MIN_CONNS" envDefault:"5"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string        `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int           `env:"REDIS_PORT" envDefault:"6379"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	PoolSize int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	Timeout  time.Duration `env:"REDIS_TIMEOUT" envDefault:"5s"`
}

// CassandraConfig holds Cassandra configuration
type CassandraConfig struct {
	Enabled     bool          `env:"CASSANDRA_ENABLED" envDefault:"true"`
	Hosts       []string      `env:"CASSANDRA_HOSTS" envDefault:"localhost" envSeparator:","`
	Keyspace    string        `env:"CASSANDRA_KEYSPACE" envDefault:"chatcore"`
	Consistency string        `env:"CASSANDRA_CONSISTENCY" envDefault:"QUORUM"`
	Timeout     time.Duration `env:"CASSANDRA_TIMEOUT" envDefault:"600ms"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string        `env:"JWT_SECRET"`
	AccessTokenExpiry time.Duration `env:"JWT_ACCESS_EXPIRY" envDefault:"15m"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `env:"LOG_LEVEL" envDefault:"info"`    // debug, info, warn, error
	Format   string `env:"LOG_FORMAT" envDefault:"json"`   // json, console
	Output   string `env:"LOG_OUTPUT" envDefault:"stdout"` // stdout, file
	FilePath string `env:"LOG_FILE_PATH" envDefault:"/logs/realtime.log"`
}

// PushConfig selects and configures the push provider
type PushConfig struct {
	Provider           string `env:"PUSH_PROVIDER" envDefault:"mock"` // mock, fcm, apns
	FCMProjectID       string `env:"FCM_PROJECT_ID"`
	FCMCredentialsPath string `env:"FCM_CREDENTIALS_PATH"`
	APNsBundleID       string `env:"APNS_BUNDLE_ID"`
	APNsKeyPath        string `env:"APNS_KEY_PATH"`
	APNsKeyID          string `env:"APNS_KEY_ID"`
	APNsTeamID         string `env:"APNS_TEAM_ID"`
	APNsCertPath       string `env:"APNS_CERT_PATH"`
	APNsCertPassword   string `env:"APNS_CERT_PASSWORD"`
	APNsProduction     bool   `env:"APNS_PRODUCTION" envDefault:"false"`
}

// RealtimeConfig tunes the websocket gateway and fanout
type RealtimeConfig struct {
	MaxConnections        int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	SendBuffer            int           `env:"WS_SEND_BUFFER" envDefault:"256"`
	PingInterval          time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	NodeID                string        `env:"NODE_ID"`
	BridgeEnabled         bool          `env:"FANOUT_BRIDGE_ENABLED" envDefault:"true"`
	BackgroundTaskTimeout time.Duration `env:"BACKGROUND_TASK_TIMEOUT" envDefault:"10s"`
	CallRetention         time.Duration `env:"CALL_RETENTION" envDefault:"10m"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Exporter     string  `env:"OTEL_TRACES_EXPORTER" envDefault:"none"` // none, stdout, otlp
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTLPInsecure bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"false"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// Docker secrets
	cfg.JWT.Secret = secretenv.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	cfg.Database.Password = secretenv.GetStringFromFile("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = secretenv.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Push.Provider == "mock" {
			return fmt.Errorf("PUSH_PROVIDER must not be mock in production")
		}
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	if c.Realtime.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}
	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unsupported OTEL_TRACES_EXPORTER %q", c.Tracing.Exporter)
	}
	return nil
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// DSN returns the CockroachDB connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
