package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI      AMIConfig      `yaml:"ami"`
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Redis    RedisConfig    `yaml:"redis"`
	Calls    CallsConfig    `yaml:"calls"`
	Lookup   LookupConfig   `yaml:"lookup"`
	Log      LogConfig      `yaml:"log"`
}

type AMIConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	Username            string        `yaml:"username"`
	Secret              string        `yaml:"secret"`
	ReconnectErrorDelay time.Duration `yaml:"reconnect_error_delay"`
	ReconnectCloseDelay time.Duration `yaml:"reconnect_close_delay"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Prefix  string `yaml:"prefix"`
}

type CallsConfig struct {
	EvictionDelay     time.Duration `yaml:"eviction_delay"`
	RecordingTimeout  time.Duration `yaml:"recording_timeout"`
	RecordingVariable string        `yaml:"recording_variable"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	SessionMaxAge     time.Duration `yaml:"session_max_age"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

type LookupConfig struct {
	Normalize bool   `yaml:"normalize"`
	Region    string `yaml:"region"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadDotEnv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		AMI: AMIConfig{
			Host:                "127.0.0.1",
			Port:                5038,
			ReconnectErrorDelay: 10 * time.Second,
			ReconnectCloseDelay: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "postgres",
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "asterisk-crm",
			TopicPrefix: "asterisk",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "asterisk",
		},
		Calls: CallsConfig{
			EvictionDelay:     5 * time.Second,
			RecordingTimeout:  5 * time.Second,
			RecordingVariable: "RECORDED_FILE",
			PublishTimeout:    2 * time.Second,
			SessionMaxAge:     6 * time.Hour,
			SweepInterval:     time.Minute,
		},
		Lookup: LookupConfig{
			Region: "RU",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("AMI_SECRET"); v != "" {
		c.AMI.Secret = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
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
	if c.AMI.ReconnectErrorDelay <= 0 || c.AMI.ReconnectCloseDelay <= 0 {
		return fmt.Errorf("ami reconnect delays must be positive")
	}
	if c.Database.Driver != "postgres" && c.Database.Driver != "sqlite" {
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
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
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Calls.EvictionDelay <= 0 {
		return fmt.Errorf("calls.eviction_delay must be positive")
	}
	if c.Calls.RecordingTimeout <= 0 {
		return fmt.Errorf("calls.recording_timeout must be positive")
	}
	if c.Calls.RecordingVariable == "" {
		return fmt.Errorf("calls.recording_variable is required")
	}
	if c.Calls.PublishTimeout <= 0 {
		return fmt.Errorf("calls.publish_timeout must be positive")
	}
	if c.Calls.SessionMaxAge <= 0 || c.Calls.SweepInterval <= 0 {
		return fmt.Errorf("calls.session_max_age and calls.sweep_interval must be positive")
	}
	if c.Lookup.Normalize && c.Lookup.Region == "" {
		return fmt.Errorf("lookup.region is required when lookup.normalize is set")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
