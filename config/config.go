package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	mu sync.Mutex `yaml:"-"`

	Namespace string `yaml:"namespace"`
	StationID string `yaml:"station_id"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Mapping   MappingConfig   `yaml:"mapping"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Web       WebConfig       `yaml:"web"`
	Messaging MessagingConfig `yaml:"messaging"`
}

// DatabaseConfig selects the SQL backend.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MappingConfig selects where local/global identifier mappings live.
type MappingConfig struct {
	Backend string        `yaml:"backend"` // "sqlite" (the configured database), "redis", "memory" or "disabled"
	Timeout time.Duration `yaml:"timeout"`
}

// AnalyticsConfig defines the remote analytics API.
type AnalyticsConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	Token          string        `yaml:"token"`
	ClusterTable   string        `yaml:"cluster_table"`
	IndexName      string        `yaml:"index_name"`
	ProcessingMode string        `yaml:"processing_mode"`
}

// WebConfig defines the web server settings.
type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// SessionSecret seeds the cookie keys. Empty means a random secret per
	// process, so sessions end on restart.
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	// SecureCookies marks the session cookie HTTPS-only.
	SecureCookies bool `yaml:"secure_cookies"`
}

// MessagingConfig defines the messaging backend.
type MessagingConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Backend             string        `yaml:"backend"` // "mqtt" or "kafka"
	MQTT                MQTTConfig    `yaml:"mqtt"`
	Kafka               KafkaConfig   `yaml:"kafka"`
	WorkflowTopic       string        `yaml:"workflow_topic"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval"`
}

// MQTTConfig defines MQTT broker settings.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

// KafkaConfig defines Kafka broker settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Namespace: "farm-a",
		StationID: "operator-1",
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "agroops.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "agroops",
				User:     "agroops",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Mapping: MappingConfig{
			Backend: "sqlite",
			Timeout: 2 * time.Second,
		},
		Analytics: AnalyticsConfig{
			BaseURL:        "http://localhost:8000/api",
			Timeout:        30 * time.Second,
			ClusterTable:   "clusters",
			IndexName:      "ndvi",
			ProcessingMode: "standard",
		},
		Web: WebConfig{
			Host:       "0.0.0.0",
			Port:       8084,
			SessionTTL: 12 * time.Hour,
		},
		Messaging: MessagingConfig{
			Backend:             "mqtt",
			WorkflowTopic:       "agroops/workflow",
			OutboxDrainInterval: 5 * time.Second,
			MQTT: MQTTConfig{
				Broker: "localhost",
				Port:   1883,
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
			},
		},
	}
}

// Load reads a YAML config file. If the file doesn't exist, defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every setting the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "":
		if c.Database.SQLite.Path == "" {
			errs = append(errs, errors.New("database.sqlite.path is empty"))
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver))
	}
	switch c.Mapping.Backend {
	case "sqlite", "redis", "memory", "disabled", "":
	default:
		errs = append(errs, fmt.Errorf("mapping.backend %q: want sqlite, redis, memory or disabled", c.Mapping.Backend))
	}
	if u, err := url.Parse(c.Analytics.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("analytics.base_url %q is not an absolute URL", c.Analytics.BaseURL))
	}
	if c.Web.SessionTTL < 0 {
		errs = append(errs, errors.New("web.session_ttl is negative"))
	}
	if c.Analytics.Timeout < 0 {
		errs = append(errs, errors.New("analytics.timeout is negative"))
	}
	if c.Messaging.Enabled {
		switch c.Messaging.Backend {
		case "mqtt", "kafka":
		default:
			errs = append(errs, fmt.Errorf("messaging.backend %q: want mqtt or kafka", c.Messaging.Backend))
		}
		if c.Messaging.WorkflowTopic == "" {
			errs = append(errs, errors.New("messaging.workflow_topic is empty"))
		}
	}
	return errors.Join(errs...)
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ClientID returns the MQTT client id, derived from namespace and station when unset.
func (c *Config) ClientID() string {
	if c.Messaging.MQTT.ClientID != "" {
		return c.Messaging.MQTT.ClientID
	}
	return "agroops-" + c.Namespace + "-" + c.StationID
}

// Lock acquires the config mutex for multi-step mutations.
func (c *Config) Lock() { c.mu.Lock() }

// Unlock releases the config mutex.
func (c *Config) Unlock() { c.mu.Unlock() }
