// Package config loads the service configuration from env files, an
// optional YAML file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"wbot/internal/database"
	"wbot/internal/whatsapp"
)

// DefaultAPISecret is the placeholder secret used when none is configured.
const DefaultAPISecret = "CHANGE_ME_IN_ENV"

// EnvFiles are loaded in order; variables already set are never replaced.
var EnvFiles = []string{".env", "env.production", "env.local"}

// Config is the complete service configuration.
type Config struct {
	Port            string `yaml:"port"`
	APISecret       string `yaml:"api_secret"`
	APISecretBcrypt string `yaml:"api_secret_bcrypt"`

	// OwnerID is the owner's account id. It also names the session restored
	// from SessionString at startup.
	OwnerID         string `yaml:"owner_id"`
	SessionString   string `yaml:"session_id"`
	SessionImageURL string `yaml:"session_image_url"`

	Database database.Config      `yaml:"database"`
	Store    whatsapp.StoreConfig `yaml:"store"`

	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	ResolverURL       string        `yaml:"resolver_url"`

	AMQPURL      string `yaml:"amqp_url"`
	AMQPExchange string `yaml:"amqp_exchange"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:              "3000",
		APISecret:         DefaultAPISecret,
		Database:          database.Config{Type: "sqlite", Path: "wbot.db"},
		Store:             whatsapp.StoreConfig{Driver: whatsapp.DriverSQLite, Dir: "."},
		ReconnectDelay:    5 * time.Second,
		SchedulerInterval: time.Minute,
		AMQPExchange:      "wbot.sessions",
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load reads env files, then path when set, then environment overrides.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(EnvFiles...); err != nil {
		return nil, err
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads each file that exists.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.APISecret, "API_SECRET")
	setString(&c.APISecretBcrypt, "API_SECRET_BCRYPT")
	setString(&c.OwnerID, "OWNER_ID")
	setString(&c.SessionString, "SESSION_ID")
	setString(&c.SessionImageURL, "SESSION_IMAGE_URL")

	setString(&c.Database.Type, "DB_TYPE")
	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.Path, "DB_PATH")

	setString(&c.Store.Driver, "WA_STORE_DRIVER")
	setString(&c.Store.DSN, "WA_STORE_DSN")
	setString(&c.Store.Dir, "WA_STORE_DIR")

	setString(&c.ResolverURL, "RESOLVER_URL")
	setString(&c.AMQPURL, "STATUS_AMQP_URL")
	setString(&c.AMQPExchange, "STATUS_AMQP_EXCHANGE")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if err := setDuration(&c.ReconnectDelay, "RECONNECT_DELAY"); err != nil {
		return err
	}
	return setDuration(&c.SchedulerInterval, "SCHEDULER_INTERVAL")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("reconnect delay must be positive")
	}
	if c.SchedulerInterval <= 0 {
		return errors.New("scheduler interval must be positive")
	}
	switch c.Store.Driver {
	case whatsapp.DriverSQLite, "":
	case whatsapp.DriverPostgres, "pgx":
		if c.Store.DSN == "" {
			return errors.New("WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	return nil
}

// InsecureSecret reports whether the API is protected only by the
// placeholder secret.
func (c *Config) InsecureSecret() bool {
	return c.APISecretBcrypt == "" && (c.APISecret == "" || c.APISecret == DefaultAPISecret)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// setDuration accepts Go durations ("90s") or whole milliseconds.
func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", key, v)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
