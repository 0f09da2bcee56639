package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	Secret    string `mapstructure:"secret"`
	ReadLimit int64  `mapstructure:"read_limit"`

	// External collaborators.
	BackendBaseURL string `mapstructure:"backend_base_url"`
	RedisAddr      string `mapstructure:"redis_addr"`

	// Media transport.
	AppID       string        `mapstructure:"app_id"`
	STUNServers []string      `mapstructure:"stun_servers"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`

	// Signaling reconnection: bounded attempt count with a fixed delay.
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`

	HistoryLimit int `mapstructure:"history_limit"`
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
	v.SetDefault("read_limit", 32768)
	v.SetDefault("backend_base_url", "http://localhost:8080")
	v.SetDefault("stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("token_ttl", "1h")
	v.SetDefault("join_timeout", "30s")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_delay", "2s")
	v.SetDefault("history_limit", 500)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
