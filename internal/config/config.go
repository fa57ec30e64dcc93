package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	Call  CallConfig  `mapstructure:"call"`
	Relay RelayConfig `mapstructure:"relay"`
	Mongo MongoConfig `mapstructure:"mongo"`
	Redis RedisConfig `mapstructure:"redis"`
}

type CallConfig struct {
	BatchDelay      time.Duration `mapstructure:"batch_delay"`
	RingTimeout     time.Duration `mapstructure:"ring_timeout"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	QualityInterval time.Duration `mapstructure:"quality_interval"`
	EvictGrace      time.Duration `mapstructure:"evict_grace"`
}

type RelayConfig struct {
	STUNURLs      []string   `mapstructure:"stun_urls"`
	TURNURLs      [][]string `mapstructure:"turn_urls"`
	SharedSecret  string     `mapstructure:"shared_secret"`
	CredentialTTL time.Duration `mapstructure:"credential_ttl"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "ringlet-session-secret")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("call.batch_delay", "100ms")
	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.max_duration", "4h")
	v.SetDefault("call.sweep_interval", "5m")
	v.SetDefault("call.quality_interval", "10s")
	v.SetDefault("call.evict_grace", "30s")

	v.SetDefault("relay.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("relay.shared_secret", "ringlet-dev-secret")
	v.SetDefault("relay.credential_ttl", "1h")

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "ringlet")
	v.SetDefault("redis.url", "redis://localhost:6379")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate catches the misconfigurations that must be fatal at
// startup rather than at call time.
func (c *Config) Validate() error {
	if c.Relay.SharedSecret == "" {
		return fmt.Errorf("relay.shared_secret must be set")
	}
	if c.Relay.CredentialTTL <= 0 {
		return fmt.Errorf("relay.credential_ttl must be positive")
	}
	if c.Call.BatchDelay <= 0 {
		return fmt.Errorf("call.batch_delay must be positive")
	}
	return nil
}
