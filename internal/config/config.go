package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI      AMIConfig      `yaml:"ami"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Routing  RoutingConfig  `yaml:"routing"`
	Log      LogConfig      `yaml:"log"`

	// RecordingDir is where the switch writes call recordings. Empty
	// disables recording.
	RecordingDir string `yaml:"recording_dir"`
}

type AMIConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Secret         string        `yaml:"secret"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	ReconnectBase  time.Duration `yaml:"reconnect_base"`
	ReconnectMax   time.Duration `yaml:"reconnect_max"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type HTTPConfig struct {
	Addr           string `yaml:"addr"`
	AllowAnyOrigin bool   `yaml:"allow_any_origin"`
}

type DatabaseConfig struct {
	// URL selects PostgreSQL; empty keeps state in memory.
	URL string `yaml:"url"`
}

type RoutingConfig struct {
	TransferContext  string `yaml:"transfer_context"`
	AIContextPrefix  string `yaml:"ai_context_prefix"`
	HoldingContext   string `yaml:"holding_context"`
	QueuePrefix      string `yaml:"queue_prefix"`
	OriginateContext string `yaml:"originate_context"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// SlogLevel maps the configured level name to a slog.Level.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{
		AMI: AMIConfig{
			Host:           "127.0.0.1",
			Port:           5038,
			ConnectTimeout: 8 * time.Second,
			CommandTimeout: 10 * time.Second,
			ReconnectBase:  5 * time.Second,
			ReconnectMax:   60 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "pbx-bridge",
			TopicPrefix: "pbx",
			QoS:         1,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Routing: RoutingConfig{
			TransferContext: "from-internal",
			AIContextPrefix: "ai-flow-",
			HoldingContext:  "campaign-hold",
			QueuePrefix:     "campaign-",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" {
		return fmt.Errorf("ami.username is required")
	}
	if c.AMI.Secret == "" {
		return fmt.Errorf("ami.secret is required")
	}
	if c.AMI.ConnectTimeout <= 0 {
		return fmt.Errorf("ami.connect_timeout must be positive")
	}
	if c.AMI.CommandTimeout <= 0 {
		return fmt.Errorf("ami.command_timeout must be positive")
	}
	if c.AMI.ReconnectBase <= 0 || c.AMI.ReconnectMax < c.AMI.ReconnectBase {
		return fmt.Errorf("ami.reconnect_base must be positive and not above ami.reconnect_max")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix is required")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Routing.TransferContext == "" {
		return fmt.Errorf("routing.transfer_context is required")
	}
	if c.Routing.HoldingContext == "" {
		return fmt.Errorf("routing.holding_context is required")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
