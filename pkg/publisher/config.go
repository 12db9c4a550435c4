// Package publisher pushes committed usage snapshots to a smart-home
// platform, over MQTT and optionally straight into Home Assistant's HTTP
// API.
package publisher

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the publisher block loaded from the yaml config file.
type Config struct {
	MQTT          MQTTConfig `yaml:"mqtt,omitempty"`
	HomeAssistant HAConfig   `yaml:"home_assistant,omitempty"`
}

// MQTTConfig holds the broker connection settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // host:port
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"`
}

// HAConfig holds Home Assistant HTTP API settings for direct state pushes.
type HAConfig struct {
	Enabled      bool   `yaml:"enabled"`
	URL          string `yaml:"url"`   // e.g. "http://homeassistant.local:8123"
	Token        string `yaml:"token"` // long-lived access token
	EntityPrefix string `yaml:"entity_prefix,omitempty"`
}

// LoadConfig reads the yaml config file. A missing file yields a zero
// Config, which disables publishing entirely.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}
