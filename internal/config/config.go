// Package config loads the daemon's YAML configuration, applies
// defaults, and validates it before anything dials out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshp123/eightsleep-golang/internal/auth"
)

const (
	DefaultPath         = "/etc/eightsleepd/config.yaml"
	DefaultHTTPAddr     = "0.0.0.0:8181"
	DefaultStatePath    = "/var/lib/eightsleepd/session.json"
	DefaultTimezone     = "UTC"
	DefaultMQTTTopic    = "eightsleep"
	DefaultMQTTPort     = 1883
	DefaultMQTTQoS      = 1
	defaultTelemetrySec = 300
	defaultBaseSec      = 60
)

// Config is the root daemon configuration.
type Config struct {
	CredentialsFile string `yaml:"credentials_file"`
	StatePath       string `yaml:"state_path"`
	Timezone        string `yaml:"timezone"`
	HTTPAddr        string `yaml:"http_addr"`

	Refresh RefreshConfig   `yaml:"refresh"`
	API     APIConfig       `yaml:"api"`
	MQTT    MQTTConfig      `yaml:"mqtt"`
	Blob    auth.BlobConfig `yaml:"blob"`
}

// RefreshConfig sets the two polling cadences, in seconds.
type RefreshConfig struct {
	TelemetrySeconds int `yaml:"telemetry_seconds"`
	BaseSeconds      int `yaml:"base_seconds"`
}

func (r RefreshConfig) TelemetryInterval() time.Duration {
	return time.Duration(r.TelemetrySeconds) * time.Second
}

func (r RefreshConfig) BaseInterval() time.Duration {
	return time.Duration(r.BaseSeconds) * time.Second
}

// APIConfig overrides the vendor endpoints, which tests and staging
// setups point at fakes.
type APIConfig struct {
	ClientURL string `yaml:"client_url"`
	AppURL    string `yaml:"app_url"`
	TokenURL  string `yaml:"token_url"`
}

// MQTTConfig configures the optional state bridge. An empty host
// disables it.
type MQTTConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TLS       bool   `yaml:"tls"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	QoS       int    `yaml:"qos"`
}

func (m MQTTConfig) Enabled() bool { return m.Host != "" }

// Load parses the YAML config file, applies defaults, and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Refresh.TelemetrySeconds == 0 {
		cfg.Refresh.TelemetrySeconds = defaultTelemetrySec
	}
	if cfg.Refresh.BaseSeconds == 0 {
		cfg.Refresh.BaseSeconds = defaultBaseSec
	}
	if cfg.MQTT.Enabled() {
		if cfg.MQTT.Port == 0 {
			cfg.MQTT.Port = DefaultMQTTPort
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "eightsleepd"
		}
		if cfg.MQTT.BaseTopic == "" {
			cfg.MQTT.BaseTopic = DefaultMQTTTopic
		}
		if cfg.MQTT.QoS == 0 {
			cfg.MQTT.QoS = DefaultMQTTQoS
		}
	}
}

// Validate rejects configs that cannot work rather than failing later
// mid-poll.
func Validate(cfg Config) error {
	if cfg.CredentialsFile == "" {
		return fmt.Errorf("credentials_file is required")
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.Refresh.TelemetrySeconds < 0 || cfg.Refresh.BaseSeconds < 0 {
		return fmt.Errorf("refresh intervals must be positive")
	}
	if cfg.MQTT.Enabled() && (cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2) {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	return nil
}
