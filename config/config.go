// Package config loads and validates the service configuration from
// YAML files layered over defaults, with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridware/telecore/errors"
)

// Duration wraps time.Duration so YAML accepts "500ms" style strings.
type Duration time.Duration

// UnmarshalYAML parses a duration string or an integer second count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var secs int64
		if err2 := value.Decode(&secs); err2 != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, errors.ErrInvalidConfig)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Logging  LoggingConfig  `yaml:"logging"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTP     HTTPConfig     `yaml:"http"`
	Sync     SyncConfig     `yaml:"sync"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Rules    RulesConfig    `yaml:"rules"`
	Broker   BrokerConfig   `yaml:"broker"`
}

// ServiceConfig identifies the deployment.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"` // prod, dev, test
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RedisConfig is the data bus connection.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Timeout  Duration `yaml:"timeout"`
}

// HTTPConfig is the operational endpoint serving metrics and health.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// SyncConfig controls the sync engine.
type SyncConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval Duration `yaml:"interval"`
}

// DispatchConfig controls the command dispatcher.
type DispatchConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Source            string   `yaml:"source"` // queue namespace, e.g. "inst"
	PopWait           Duration `yaml:"pop_wait"`
	ExecTimeout       Duration `yaml:"exec_timeout"`
	ResultTTL         Duration `yaml:"result_ttl"`
	DiscoveryInterval Duration `yaml:"discovery_interval"`
}

// RulesConfig controls the rule evaluator.
type RulesConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Interval    Duration `yaml:"interval"`
	QueueSource string   `yaml:"queue_source"`
}

// BrokerConfig controls the websocket subscription broker.
type BrokerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Addr            string   `yaml:"addr"`
	Path            string   `yaml:"path"`
	DataSource      string   `yaml:"data_source"`
	QueueSource     string   `yaml:"queue_source"`
	DefaultInterval Duration `yaml:"default_interval"`
	StaleAfter      Duration `yaml:"stale_after"`
	MessageRate     float64  `yaml:"message_rate"`  // inbound messages per second per client
	MessageBurst    int      `yaml:"message_burst"` // inbound burst per client
}

// Default returns the built-in configuration, suitable for local
// development against a Redis on localhost.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "telecore",
			Environment: "dev",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Timeout: Duration(5 * time.Second),
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Sync: SyncConfig{
			Enabled:  true,
			Interval: Duration(time.Second),
		},
		Dispatch: DispatchConfig{
			Enabled:           true,
			Source:            "inst",
			PopWait:           Duration(time.Second),
			ExecTimeout:       Duration(5 * time.Second),
			ResultTTL:         Duration(time.Minute),
			DiscoveryInterval: Duration(10 * time.Second),
		},
		Rules: RulesConfig{
			Enabled:     true,
			Interval:    Duration(time.Second),
			QueueSource: "inst",
		},
		Broker: BrokerConfig{
			Enabled:         true,
			Addr:            ":8090",
			Path:            "/ws",
			DataSource:      "comsrv",
			QueueSource:     "inst",
			DefaultInterval: Duration(time.Second),
			StaleAfter:      Duration(5 * time.Minute),
			MessageRate:     20,
			MessageBurst:    40,
		},
	}
}

// Load reads the configuration file at path over the defaults and then
// applies environment overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w: %v", path, errors.ErrInvalidConfig, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envPrefix namespaces environment overrides.
const envPrefix = "TELECORE"

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "_SERVICE_NAME"); v != "" {
		cfg.Service.Name = v
	}
	if v := os.Getenv(envPrefix + "_ENVIRONMENT"); v != "" {
		cfg.Service.Environment = v
	}
	if v := os.Getenv(envPrefix + "_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(envPrefix + "_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(envPrefix + "_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv(envPrefix + "_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv(envPrefix + "_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(envPrefix + "_BROKER_ADDR"); v != "" {
		cfg.Broker.Addr = v
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is required: %w", errors.ErrMissingConfig)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required: %w", errors.ErrMissingConfig)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not valid: %w", c.Logging.Level, errors.ErrInvalidConfig)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not valid: %w", c.Logging.Format, errors.ErrInvalidConfig)
	}

	if c.Sync.Enabled && c.Sync.Interval.Std() <= 0 {
		return fmt.Errorf("sync.interval must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Rules.Enabled && c.Rules.Interval.Std() <= 0 {
		return fmt.Errorf("rules.interval must be positive: %w", errors.ErrInvalidConfig)
	}
	if c.Dispatch.Enabled {
		if c.Dispatch.Source == "" {
			return fmt.Errorf("dispatch.source is required: %w", errors.ErrMissingConfig)
		}
		if c.Dispatch.ExecTimeout.Std() <= 0 {
			return fmt.Errorf("dispatch.exec_timeout must be positive: %w", errors.ErrInvalidConfig)
		}
	}
	if c.Broker.Enabled {
		if c.Broker.Addr == "" {
			return fmt.Errorf("broker.addr is required: %w", errors.ErrMissingConfig)
		}
		if c.Broker.DataSource == "" || c.Broker.QueueSource == "" {
			return fmt.Errorf("broker sources are required: %w", errors.ErrMissingConfig)
		}
	}
	return nil
}
