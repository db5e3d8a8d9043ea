package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	WithdrawalsTopic string   `yaml:"withdrawals_topic"`
	GroupID          string   `yaml:"group_id"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type GatewayConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	// Consecutive transport failures before the breaker opens.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type SchedulerConfig struct {
	ScanInterval    time.Duration `yaml:"scan_interval"`
	BatchSize       int           `yaml:"batch_size"`
	StaleTimeout    time.Duration `yaml:"stale_timeout"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
}

type WorkerConfig struct {
	MaxRetries  uint64        `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Concurrency int           `yaml:"concurrency"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used for any value the file leaves unset.
func Default() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Redis:     RedisConfig{Addr: "localhost:6379"},
		Kafka:     KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "wallet-events", WithdrawalsTopic: "wallet-withdrawals", GroupID: "wallet-worker"},
		RateLimit: RateLimitConfig{RPS: 50, Burst: 100},
		Gateway:   GatewayConfig{URL: "http://localhost:8010/", Timeout: 3 * time.Second, BreakerFailures: 5, BreakerCooldown: 30 * time.Second},
		Scheduler: SchedulerConfig{ScanInterval: 5 * time.Second, BatchSize: 200, StaleTimeout: 10 * time.Minute, ReclaimInterval: time.Minute},
		Worker:    WorkerConfig{MaxRetries: 5, RetryDelay: 5 * time.Second, Concurrency: 4},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml content on top of Default.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(Default())
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if url := os.Getenv("GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
	}
	return &cfg, nil
}

func (c *Config) applyDefaults(d Config) {
	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = d.Redis.Addr
	}
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = d.Kafka.Brokers
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = d.Kafka.Topic
	}
	if c.Kafka.WithdrawalsTopic == "" {
		c.Kafka.WithdrawalsTopic = d.Kafka.WithdrawalsTopic
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = d.Kafka.GroupID
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = d.Gateway.URL
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = d.Gateway.Timeout
	}
	if c.Gateway.BreakerFailures == 0 {
		c.Gateway.BreakerFailures = d.Gateway.BreakerFailures
	}
	if c.Gateway.BreakerCooldown == 0 {
		c.Gateway.BreakerCooldown = d.Gateway.BreakerCooldown
	}
	if c.Scheduler.ScanInterval == 0 {
		c.Scheduler.ScanInterval = d.Scheduler.ScanInterval
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = d.Scheduler.BatchSize
	}
	if c.Scheduler.StaleTimeout == 0 {
		c.Scheduler.StaleTimeout = d.Scheduler.StaleTimeout
	}
	if c.Scheduler.ReclaimInterval == 0 {
		c.Scheduler.ReclaimInterval = d.Scheduler.ReclaimInterval
	}
	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = d.Worker.MaxRetries
	}
	if c.Worker.RetryDelay == 0 {
		c.Worker.RetryDelay = d.Worker.RetryDelay
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = d.Worker.Concurrency
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}
