package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config lists the tunable parameters shared by the relay server and bridge.
type Config struct {
	HTTPPort     int    `koanf:"http_port" validate:"min=1,max=65535"`
	MetricsPort  int    `koanf:"metrics_port" validate:"min=0,max=65535"`
	DatabasePath string `koanf:"database_path" validate:"required"`
	LogLevel     string `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat    string `koanf:"log_format" validate:"oneof=json console"`

	// RedisURL, when set, relays fan-out events through Redis so that several
	// server instances reach every connected dashboard.
	RedisURL     string `koanf:"redis_url" validate:"omitempty,url"`
	RedisChannel string `koanf:"redis_channel" validate:"required"`

	MQTT   MQTTConfig   `koanf:"mqtt"`
	Bridge BridgeConfig `koanf:"bridge"`
}

// MQTTConfig describes the broker the bridge reads from and the optional embedded broker.
type MQTTConfig struct {
	Broker      string `koanf:"broker" validate:"required"`
	TopicPrefix string `koanf:"topic_prefix" validate:"required"`
	ClientID    string `koanf:"client_id"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`

	EmbeddedBroker bool   `koanf:"embedded_broker"`
	BindAddress    string `koanf:"bind_address"`
	Advertise      bool   `koanf:"advertise"`
}

// BridgeConfig controls how the bridge forwards merged readings to the server.
type BridgeConfig struct {
	BackendURL       string        `koanf:"backend_url" validate:"required,url"`
	RequestTimeout   time.Duration `koanf:"request_timeout" validate:"gt=0"`
	BreakerFailures  uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerOpenDelay time.Duration `koanf:"breaker_open_delay" validate:"gt=0"`
}

// ConfigPathEnvVar overrides the location of the optional YAML file.
const ConfigPathEnvVar = "RELAY_CONFIG"

const envPrefix = "RELAY_"

// DefaultConfigPaths are searched in order when RELAY_CONFIG is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/agrolink/relay.yaml",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:     5000,
		MetricsPort:  9090,
		DatabasePath: "data/agrolink.db",
		LogLevel:     "info",
		LogFormat:    "json",
		RedisChannel: "agrolink:fanout",
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "dht22/datos",
			BindAddress: ":1883",
		},
		Bridge: BridgeConfig{
			BackendURL:       "http://localhost:5000/datos",
			RequestTimeout:   10 * time.Second,
			BreakerFailures:  5,
			BreakerOpenDelay: 30 * time.Second,
		},
	}
}

// Load layers defaults, the optional YAML file and RELAY_* environment variables, in
// that order of increasing priority.
func Load() (Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MQTT.EmbeddedBroker && c.MQTT.BindAddress == "" {
		return fmt.Errorf("invalid configuration: mqtt.bind_address required with embedded broker")
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps RELAY_MQTT_TOPIC_PREFIX to mqtt.topic_prefix and RELAY_HTTP_PORT to http_port.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	for _, section := range []string{"mqtt", "bridge"} {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}
