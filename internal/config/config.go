package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode             string        `mapstructure:"mode"`
	APIURL           string        `mapstructure:"api_url"`
	RelayURL         string        `mapstructure:"relay_url"`
	Email            string        `mapstructure:"email"`
	Password         string        `mapstructure:"password"`
	Session          string        `mapstructure:"session"`
	STUNServers      []string      `mapstructure:"stun_servers"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	PublishTimeout   time.Duration `mapstructure:"publish_timeout"`
	StatusPort       int           `mapstructure:"status_port"`
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
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("relay_url", "ws://localhost:8080/ws")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("reconnect_backoff", "3s")
	v.SetDefault("publish_timeout", "5s")
	v.SetDefault("status_port", 0)

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
