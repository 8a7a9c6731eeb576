/*
Package config loads the server configuration.

PURPOSE:
  One Config struct for the HTTP server, storage, locking, delivery and
  payroll engine settings.

PRECEDENCE:
  environment (PAYROLL_ prefix, "." replaced by "_") > config file > defaults

  PAYROLL_SERVER_PORT=9090
  PAYROLL_PUBSUB_ENABLED=true
  PAYROLL_PAYROLL_TAX_SCHEDULE=./tax/hn-2025.yaml

SEE ALSO:
  - cmd/server/main.go: wiring
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Lock     LockConfig     `mapstructure:"lock"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Payroll  PayrollConfig  `mapstructure:"payroll"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	BaseURL         string        `mapstructure:"base_url"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig enables the distributed run lock when Enabled is set.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LockConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Wait time.Duration `mapstructure:"wait"`
}

// PubSubConfig selects the Pub/Sub transport when Enabled is set;
// otherwise vouchers are only logged.
type PubSubConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	CredentialsJSON string `mapstructure:"credentials_json"`
	CreateTopic     bool   `mapstructure:"create_topic"`
}

type PayrollConfig struct {
	// TaxSchedule is a YAML schedule file. Empty uses the built-in table.
	TaxSchedule     string        `mapstructure:"tax_schedule"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	Workers         int           `mapstructure:"workers"`
	ArtifactBaseURL string        `mapstructure:"artifact_base_url"`
	// RetryTenants enables the delivery retry scheduler for these tenants.
	RetryTenants  []string      `mapstructure:"retry_tenants"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Addr is the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load reads configuration from path (or ./config.yaml, ./config/config.yaml)
// and the environment. A missing config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PAYROLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("db.path", "./data/payroll.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("lock.ttl", "2m")
	v.SetDefault("lock.wait", "5s")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "payslips")
	v.SetDefault("pubsub.credentials_json", "")
	v.SetDefault("pubsub.create_topic", false)

	v.SetDefault("payroll.tax_schedule", "")
	v.SetDefault("payroll.call_timeout", "20s")
	v.SetDefault("payroll.delivery_timeout", "10s")
	v.SetDefault("payroll.workers", 4)
	v.SetDefault("payroll.artifact_base_url", "/api/payroll")
	v.SetDefault("payroll.retry_tenants", []string{})
	v.SetDefault("payroll.retry_interval", "15m")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks settings that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("invalid config: db.path is required")
	}
	if c.Payroll.CallTimeout <= 0 {
		return errors.New("invalid config: payroll.call_timeout must be positive")
	}
	if c.Payroll.Workers < 1 {
		return fmt.Errorf("invalid config: payroll.workers must be at least 1, got %d", c.Payroll.Workers)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return errors.New("invalid config: pubsub.project_id is required when pubsub is enabled")
	}
	if len(c.Payroll.RetryTenants) > 0 && c.Payroll.RetryInterval <= 0 {
		return errors.New("invalid config: payroll.retry_interval must be positive when retry_tenants is set")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("invalid config: redis.addr is required when redis is enabled")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid config: log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
