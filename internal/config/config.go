// Package config handles fungid configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/fungid/config.yaml, /etc/fungid/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fungid", "config.yaml"))
	}

	paths = append(paths, "/etc/fungid/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all fungid configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Predictor PredictorConfig `yaml:"predictor"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OllamaConfig defines the chat-completion backend connection.
type OllamaConfig struct {
	URL   string `yaml:"url"`   // Default: http://localhost:11434
	Model string `yaml:"model"` // Default: llama3.2
	// TimeoutSec caps a single chat completion. Local models on modest
	// hardware can take minutes; default is 300.
	TimeoutSec int `yaml:"timeout_sec"`
}

// Timeout returns the chat request timeout as a duration.
func (c OllamaConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// PredictorConfig defines the yield-prediction service connection.
type PredictorConfig struct {
	URL        string `yaml:"url"` // Default: http://localhost:3002
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the prediction request timeout as a duration.
func (c PredictorConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// MQTTConfig defines the broker connection for chamber telemetry.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix is the root of the fungid topic tree. Chambers publish
	// readings to <prefix>/<chamber>/reading. Default: "fungid".
	TopicPrefix string `yaml:"topic_prefix"`
	// PublishIntervalSec is how often daemon state topics are refreshed.
	// Default: 60.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
	// MaxMessagesPerMin rate-limits inbound readings. Default: 600.
	MaxMessagesPerMin int64 `yaml:"max_messages_per_min"`
}

// SMTPConfig defines outbound mail for alert notifications.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"` // Default: 587
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Configured reports whether SMTP delivery is usable.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.From != ""
}

// Addr returns the host:port dial address.
func (c SMTPConfig) Addr() string {
	port := c.Port
	if port <= 0 {
		port = 587
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// AlertsConfig defines alert evaluation and notification settings.
type AlertsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Recipients receive email notifications for critical transitions.
	Recipients []string `yaml:"recipients"`
	// CooldownMin suppresses repeat notifications for the same chamber
	// and metric. Default: 30.
	CooldownMin int `yaml:"cooldown_min"`
}

// Cooldown returns the notification cooldown as a duration.
func (c AlertsConfig) Cooldown() time.Duration {
	if c.CooldownMin <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.CooldownMin) * time.Minute
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 3001},
		Ollama: OllamaConfig{
			URL:   "http://localhost:11434",
			Model: "llama3.2",
		},
		Predictor: PredictorConfig{
			URL: "http://localhost:3002",
		},
		MQTT: MQTTConfig{
			TopicPrefix:        "fungid",
			PublishIntervalSec: 60,
			MaxMessagesPerMin:  600,
		},
		Alerts:  AlertsConfig{Enabled: true},
		DataDir: "data",
	}
}
