package config

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config carries the runtime settings for the matching API server.
type Config struct {
	Port            string
	DatabasePath    string
	DefaultRuleName string
	PassInterval    time.Duration
	RateLimitRPM    int
}

// LoadConfig reads settings from an optional .env file and the process
// environment. Every field has a workable default so a bare checkout runs.
func LoadConfig() *Config {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.SetDefault("PORT", "8080")
	viper.SetDefault("DATABASE_PATH", "confmatch.db")
	viper.SetDefault("DEFAULT_RULE_NAME", "fx-standard")
	viper.SetDefault("PASS_INTERVAL_SECONDS", 30)
	viper.SetDefault("RATE_LIMIT_RPM", 300)

	if err := viper.ReadInConfig(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, using environment and defaults")
	}

	return &Config{
		Port:            viper.GetString("PORT"),
		DatabasePath:    viper.GetString("DATABASE_PATH"),
		DefaultRuleName: viper.GetString("DEFAULT_RULE_NAME"),
		PassInterval:    time.Duration(viper.GetInt("PASS_INTERVAL_SECONDS")) * time.Second,
		RateLimitRPM:    viper.GetInt("RATE_LIMIT_RPM"),
	}
}
