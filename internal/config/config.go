package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Trust    TrustConfig    `yaml:"trust"`
	Events   EventsConfig   `yaml:"events"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "24h" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig holds the consensus deadlines and thresholds.
type EngineConfig struct {
	InitialTimeout  Duration `yaml:"initial_timeout"`
	ReceiveTimeout  Duration `yaml:"receive_timeout"`
	DisputeWindow   Duration `yaml:"dispute_window"`
	EvidenceWindow  Duration `yaml:"evidence_window"`
	AutoApproveMax  float64  `yaml:"auto_approve_max"`
	FreezeGrace     Duration `yaml:"freeze_grace"`
	ConflictRetries int      `yaml:"conflict_retries"`
	SchedulerTick   Duration `yaml:"scheduler_tick"`
}

type TrustConfig struct {
	HistoryCap    int      `yaml:"history_cap"`
	CheckpointTTL Duration `yaml:"checkpoint_ttl"`
	DecayEnabled  bool     `yaml:"decay_enabled"`
}

type EventsConfig struct {
	QueueCap int `yaml:"queue_cap"`
}

type PostgresConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

// Default returns the documented defaults; a config file and the
// environment override it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Engine: EngineConfig{
			InitialTimeout:  Duration(24 * time.Hour),
			ReceiveTimeout:  Duration(48 * time.Hour),
			DisputeWindow:   Duration(72 * time.Hour),
			EvidenceWindow:  Duration(48 * time.Hour),
			AutoApproveMax:  100,
			FreezeGrace:     Duration(2 * time.Hour),
			ConflictRetries: 3,
			SchedulerTick:   Duration(time.Second),
		},
		Trust:  TrustConfig{HistoryCap: 1024, CheckpointTTL: Duration(24 * time.Hour)},
		Events: EventsConfig{QueueCap: 10000},
		// Redis and Pub/Sub stay off until an address is configured.
	}
}

// LoadConfig reads the YAML file at path over the defaults, then
// applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		c.PubSub.ProjectID = v
	}
	if v := os.Getenv("PUBSUB_TOPIC"); v != "" {
		c.PubSub.Topic = v
	}
}
