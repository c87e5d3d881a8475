package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing config file is fine; environment variables and defaults apply.
	}

	// Environment variables: APPLYQ_SERVER_PORT, APPLYQ_DATABASE_URL, etc.
	v.SetEnvPrefix("APPLYQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the default value for every setting so a bare
// environment (plus a database URL) is a working configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Registered empty so AutomaticEnv can bind APPLYQ_DATABASE_URL; there is
	// no usable default for a database URL.
	v.SetDefault("database.url", "")

	v.SetDefault("worker.poll_interval_seconds", 5)
	v.SetDefault("worker.max_concurrent_tasks", 3)
	v.SetDefault("worker.completed_retention_days", 7)

	v.SetDefault("session.max_concurrent_per_owner", 3)
	v.SetDefault("session.max_applies_per_session", 5)
	v.SetDefault("session.idle_timeout_seconds", 3600)
	v.SetDefault("session.keep_disposed_history", 5)
	v.SetDefault("session.cooldown_min_minutes", 15)
	v.SetDefault("session.cooldown_max_minutes", 30)

	v.SetDefault("driver.base_url", "http://localhost:9222")
	v.SetDefault("driver.timeout_seconds", 180)

	v.SetDefault("rate_limit.min_delay_seconds", 60)
	v.SetDefault("rate_limit.max_jitter_seconds", 10)
	v.SetDefault("rate_limit.max_requests_per_session", 20)
	v.SetDefault("rate_limit.initial_backoff_seconds", 2)
	v.SetDefault("rate_limit.max_backoff_seconds", 300)
	v.SetDefault("rate_limit.backoff_multiplier", 2.0)
	v.SetDefault("rate_limit.breaker_threshold", 3)
	v.SetDefault("rate_limit.breaker_pause_minutes", 60)
}
