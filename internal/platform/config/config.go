// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration.
type Config struct {
	Service    ServiceConfig
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Kafka      KafkaConfig
	Archive    ArchiveConfig
	Escalation EscalationConfig
	Audit      AuditConfig
	Auth       AuthConfig
	Flows      FlowsConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig selects the store. Driver "memory" keeps everything in
// process and ignores the connection settings.
type DatabaseConfig struct {
	Driver      string
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
}

// RedisConfig is optional; an empty Address disables the sweep lock.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NATSConfig is optional; an empty URL disables notification publishing.
type NATSConfig struct {
	URL    string
	Stream string
}

// KafkaConfig is optional; no brokers disables the audit stream sink.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// ArchiveConfig is optional; an empty bucket disables terminal archiving.
type ArchiveConfig struct {
	Bucket string
	Prefix string
}

type EscalationConfig struct {
	SweepInterval time.Duration
	BatchSize     int
	LockTTL       time.Duration
}

type AuditConfig struct {
	RetryInterval  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	BatchSize      int
}

// AuthConfig holds the HS256 secret; empty means trusted identity headers.
type AuthConfig struct {
	JWTSecret string
}

type FlowsConfig struct {
	SeedFile string
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// .env is a development convenience; absence is not an error
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-ops-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8080),
			GRPCPort:        getEnvInt("GRPC_PORT", 9090),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Database: DatabaseConfig{
			Driver:      getEnv("STORE_DRIVER", "postgres"),
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", ""),
			Database:    getEnv("DB_NAME", "approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 20)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK_PERIOD", time.Minute),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:    getEnv("NATS_URL", ""),
			Stream: getEnv("NATS_STREAM", "NOTIFICATIONS"),
		},
		Kafka: KafkaConfig{
			Brokers:    getEnvList("KAFKA_BROKERS"),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "approvals.audit"),
		},
		Archive: ArchiveConfig{
			Bucket: getEnv("ARCHIVE_BUCKET", ""),
			Prefix: getEnv("ARCHIVE_PREFIX", ""),
		},
		Escalation: EscalationConfig{
			SweepInterval: getEnvDuration("ESCALATION_SWEEP_INTERVAL", 30*time.Second),
			BatchSize:     getEnvInt("ESCALATION_BATCH_SIZE", 100),
			LockTTL:       getEnvDuration("ESCALATION_LOCK_TTL", 25*time.Second),
		},
		Audit: AuditConfig{
			RetryInterval:  getEnvDuration("AUDIT_RETRY_INTERVAL", 5*time.Second),
			MaxAttempts:    getEnvInt("AUDIT_RETRY_MAX_ATTEMPTS", 20),
			InitialBackoff: getEnvDuration("AUDIT_RETRY_INITIAL_BACKOFF", 5*time.Second),
			BatchSize:      getEnvInt("AUDIT_RETRY_BATCH_SIZE", 50),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Flows: FlowsConfig{
			SeedFile: getEnv("FLOW_SEED_FILE", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.GRPCPort <= 0 {
		return fmt.Errorf("config: ports must be positive")
	}
	if c.Escalation.SweepInterval <= 0 {
		return fmt.Errorf("config: ESCALATION_SWEEP_INTERVAL must be positive")
	}
	if c.Escalation.BatchSize <= 0 {
		return fmt.Errorf("config: ESCALATION_BATCH_SIZE must be positive")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("config: STORE_DRIVER must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Audit.MaxAttempts <= 0 {
		return fmt.Errorf("config: AUDIT_RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.Service.Environment == "production" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required in production")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
