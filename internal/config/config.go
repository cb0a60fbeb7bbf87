package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST"`
	Port     string `yaml:"port" env:"POSTGRES_PORT"`
	User     string `yaml:"user" env:"POSTGRES_USER"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD"`
	Database string `yaml:"database" env:"POSTGRES_DATABASE"`
	SSLMode  string `yaml:"sslmode" env:"POSTGRES_SSL_MODE"`
}

// ConnString returns a pgx-compatible connection string
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Addr returns the host:port address for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string `yaml:"secret" env:"JWT_SECRET"`
	ExpirationSeconds int    `yaml:"expiration_seconds" env:"JWT_EXPIRATION_SECONDS"`
	SigningMethod     string `yaml:"signing_method" env:"JWT_SIGNING_METHOD"`
}

// WebSocketConfig holds collaboration WebSocket configuration
type WebSocketConfig struct {
	ReadLimitBytes     int64         `yaml:"read_limit_bytes" env:"WEBSOCKET_READ_LIMIT_BYTES"`
	SendBufferSize     int           `yaml:"send_buffer_size" env:"WEBSOCKET_SEND_BUFFER_SIZE"`
	PongTimeout        time.Duration `yaml:"pong_timeout" env:"WEBSOCKET_PONG_TIMEOUT"`
	PingInterval       time.Duration `yaml:"ping_interval" env:"WEBSOCKET_PING_INTERVAL"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WEBSOCKET_WRITE_TIMEOUT"`
	AdmissionCloseWait time.Duration `yaml:"admission_close_wait" env:"WEBSOCKET_ADMISSION_CLOSE_WAIT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
}

// Load loads configuration from a YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	if err := overrideWithEnv(reflect.ValueOf(config).Elem()); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     "5432",
				User:     "postgres",
				Password: "",
				Database: "coursedesigner",
				SSLMode:  "disable",
			},
			Redis: RedisConfig{
				Host:     "localhost",
				Port:     "6379",
				Password: "",
				DB:       0,
			},
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Secret:            "",
				ExpirationSeconds: 3600,
				SigningMethod:     "HS256",
			},
		},
		WebSocket: WebSocketConfig{
			ReadLimitBytes:     65536,
			SendBufferSize:     256,
			PongTimeout:        60 * time.Second,
			PingInterval:       30 * time.Second,
			WriteTimeout:       10 * time.Second,
			AdmissionCloseWait: time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304 - config path supplied by operator
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// overrideWithEnv walks the config struct and applies env-tagged overrides,
// recursing into nested sections.
func overrideWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && fieldType.Tag.Get("env") == "" {
			if err := overrideWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}
	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}
	if c.Database.Redis.Port == "" {
		return fmt.Errorf("redis port is required")
	}
	if c.Database.Postgres.Host == "" {
		return fmt.Errorf("postgres host is required")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return fmt.Errorf("websocket send buffer size must be positive")
	}
	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}
