package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, e.g. BRIDGE_MQTT_BROKER.
const EnvPrefix = "BRIDGE"

// Config mirrors config/bridge.yaml.
type Config struct {
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Store      StoreConfig      `yaml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Log        LogConfig        `yaml:"log"`
}

type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id" split_words:"true"`
	ClientIDPrefix string `yaml:"client_id_prefix" split_words:"true"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	// PersistentSession keeps subscriptions and the QoS 1 backlog on the
	// broker across reconnects. It requires a stable ClientID.
	PersistentSession bool          `yaml:"persistent_session" split_words:"true"`
	QoS               int           `yaml:"qos" envconfig:"QOS"`
	KeepAlive         time.Duration `yaml:"keep_alive" split_words:"true"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout" split_words:"true"`
	PublishTimeout    time.Duration `yaml:"publish_timeout" split_words:"true"`
	TelemetryTopic    string        `yaml:"telemetry_topic" split_words:"true"`
	ControlPrefix     string        `yaml:"control_prefix" split_words:"true"`
}

type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn" envconfig:"DSN"`
	AutoMigrate bool          `yaml:"auto_migrate" split_words:"true"`
	OpTimeout   time.Duration `yaml:"op_timeout" split_words:"true"`
}

type DispatcherConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Addresses     []string      `yaml:"addresses"`
	Database      string        `yaml:"database"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Table         string        `yaml:"table"`
	BatchSize     int           `yaml:"batch_size" split_words:"true"`
	FlushInterval time.Duration `yaml:"flush_interval" split_words:"true"`
	MaxQueueSize  int           `yaml:"max_queue_size" split_words:"true"`
}

type GatewayConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" split_words:"true"`
	CacheTTL     time.Duration `yaml:"cache_ttl" split_words:"true"`
	Slaves       []SlaveConfig `yaml:"slaves" ignored:"true"`
}

type SlaveConfig struct {
	SlaveID      uint8         `yaml:"slave_id"`
	Protocol     string        `yaml:"protocol"` // modbus-tcp | modbus-rtu
	Connection   Connection    `yaml:"connection"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Connection struct {
	// TCP
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// RTU
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	DataBits   int    `yaml:"data_bits"`
	StopBits   int    `yaml:"stop_bits"`
	Parity     string `yaml:"parity"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg := preset()
	applyDefaults(&cfg)
	return cfg
}

// Load reads the YAML file at path (skipped when path is empty), applies
// defaults, then BRIDGE_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := preset()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// preset holds defaults for fields whose zero value is a valid setting to
// reject, so they are set before the file and environment are read.
func preset() Config {
	return Config{MQTT: MQTTConfig{QoS: 1}}
}

func applyDefaults(cfg *Config) {
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "tcp://localhost:1883"
	}
	if cfg.MQTT.KeepAlive <= 0 {
		cfg.MQTT.KeepAlive = 30 * time.Second
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		cfg.MQTT.ConnectTimeout = 10 * time.Second
	}
	if cfg.MQTT.PublishTimeout <= 0 {
		cfg.MQTT.PublishTimeout = 5 * time.Second
	}
	if cfg.MQTT.TelemetryTopic == "" {
		cfg.MQTT.TelemetryTopic = "telemetry/slave/+"
	}
	if cfg.MQTT.ControlPrefix == "" {
		cfg.MQTT.ControlPrefix = "control/slave"
	}
	cfg.MQTT.ControlPrefix = strings.TrimRight(cfg.MQTT.ControlPrefix, "/")

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "data/bridge.sqlite"
	}
	if cfg.Store.OpTimeout <= 0 {
		cfg.Store.OpTimeout = 5 * time.Second
	}

	if cfg.Dispatcher.Interval <= 0 {
		cfg.Dispatcher.Interval = time.Second
	}

	if cfg.Archive.Database == "" {
		cfg.Archive.Database = "power_management"
	}
	if cfg.Archive.Table == "" {
		cfg.Archive.Table = "telemetry"
	}
	if cfg.Archive.BatchSize <= 0 {
		cfg.Archive.BatchSize = 500
	}
	if cfg.Archive.FlushInterval <= 0 {
		cfg.Archive.FlushInterval = 5 * time.Second
	}
	if cfg.Archive.MaxQueueSize <= 0 {
		cfg.Archive.MaxQueueSize = 1000
	}

	if cfg.Gateway.PollInterval <= 0 {
		cfg.Gateway.PollInterval = 5 * time.Second
	}
	if cfg.Gateway.CacheTTL <= 0 {
		cfg.Gateway.CacheTTL = time.Hour
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks settings that have no safe default.
func (c Config) Validate() error {
	var errs []error
	if c.MQTT.QoS < 1 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 1 or 2 for at-least-once delivery, got %d", c.MQTT.QoS))
	}
	if !strings.Contains(c.MQTT.TelemetryTopic, "+") && !strings.Contains(c.MQTT.TelemetryTopic, "#") {
		errs = append(errs, fmt.Errorf("mqtt.telemetry_topic %q has no wildcard", c.MQTT.TelemetryTopic))
	}
	if c.MQTT.PersistentSession && c.MQTT.ClientID == "" {
		errs = append(errs, errors.New("mqtt.client_id is required for a persistent session"))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q not supported", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn must be set"))
	}
	if c.Archive.Enabled && len(c.Archive.Addresses) == 0 {
		errs = append(errs, errors.New("archive.addresses must be set when archive is enabled"))
	}
	for i, s := range c.Gateway.Slaves {
		if s.SlaveID == 0 {
			errs = append(errs, fmt.Errorf("gateway.slaves[%d]: slave_id must be set", i))
		}
	}
	return errors.Join(errs...)
}
