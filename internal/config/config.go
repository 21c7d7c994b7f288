package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode          string            `mapstructure:"mode"`
	Port          int               `mapstructure:"port"`
	StaticPath    string            `mapstructure:"static_path"`
	ReadLimit     int64             `mapstructure:"read_limit"`
	PingPeriod    time.Duration     `mapstructure:"ping_period"`
	Secret        string            `mapstructure:"secret"`
	LogLevel      string            `mapstructure:"log_level"`
	Store         StoreConfig       `mapstructure:"store"`
	ICEServers    []string          `mapstructure:"ice_servers"`
	Negotiation   NegotiationConfig `mapstructure:"negotiation"`
	RecordingsDir string            `mapstructure:"recordings_dir"`
}

type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend string      `mapstructure:"backend"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NegotiationConfig struct {
	// AwaitTimeout bounds the wait for the counterpart's offer or answer.
	// Zero waits indefinitely.
	AwaitTimeout time.Duration `mapstructure:"await_timeout"`
}

const envPrefix = "PEERCALL"

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). PEERCALL_*
// variables override file values, e.g. PEERCALL_STORE_REDIS_ADDR.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.prefix", "peercall")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("negotiation.await_timeout", "0s")
	v.SetDefault("recordings_dir", "./recordings")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Backend).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port: %d out of range", c.Port)
	}
	if c.Mode == "release" && c.Secret == "" {
		return fmt.Errorf("secret: required in release mode, set PEERCALL_SECRET")
	}
	if c.Negotiation.AwaitTimeout < 0 {
		return fmt.Errorf("negotiation.await_timeout: must not be negative")
	}
	return nil
}
