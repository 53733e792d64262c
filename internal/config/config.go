package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode            string        `mapstructure:"mode"`
	APIBaseURL      string        `mapstructure:"api_base_url"`
	RelayURL        string        `mapstructure:"relay_url"`
	HeartbeatPeriod time.Duration `mapstructure:"heartbeat_period"`
	MaxConnAge      time.Duration `mapstructure:"max_conn_age"`
	IdentityPath    string        `mapstructure:"identity_path"`
	ReadLimit       int64         `mapstructure:"read_limit"`

	// devrelay only
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`
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
	v.SetDefault("api_base_url", "http://localhost:8080")
	v.SetDefault("relay_url", "ws://localhost:8080/ws")
	v.SetDefault("heartbeat_period", "8m")
	v.SetDefault("max_conn_age", "90m")
	v.SetDefault("identity_path", defaultIdentityPath())
	v.SetDefault("read_limit", 32768)
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "dev-secret")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func defaultIdentityPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "identity.json"
	}
	return filepath.Join(dir, "sprintsync", "identity.json")
}
