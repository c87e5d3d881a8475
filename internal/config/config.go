package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"     validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"   validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"     validate:"required"`
	Session   SessionConfig   `mapstructure:"session"    validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Driver    DriverConfig    `mapstructure:"driver"     validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// WorkerConfig tunes the queue polling loop.
type WorkerConfig struct {
	// PollIntervalSeconds is how often the worker checks the queue for
	// eligible tasks.
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"required,gt=0"`

	// MaxConcurrentTasks caps tasks executing at once across the process.
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks" validate:"required,gt=0"`

	// CompletedRetentionDays is how long completed tasks are kept before the
	// cleanup sweep deletes them.
	CompletedRetentionDays int `mapstructure:"completed_retention_days" validate:"required,gt=0"`
}

// SessionConfig tunes the browser-session pool and lifecycle.
type SessionConfig struct {
	// MaxConcurrentPerOwner caps live sessions per owner. Concurrent
	// sessions for one identity are the primary detection signal, so this
	// is never silently exceeded.
	MaxConcurrentPerOwner int `mapstructure:"max_concurrent_per_owner" validate:"required,gt=0"`

	// MaxAppliesPerSession caps applications driven through one session.
	MaxAppliesPerSession int `mapstructure:"max_applies_per_session" validate:"required,gt=0"`

	// IdleTimeoutSeconds is how long an idle session survives before the
	// cleanup sweep disposes it.
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds" validate:"required,gt=0"`

	// KeepDisposedHistory is how many disposed sessions to retain per owner
	// for audit.
	KeepDisposedHistory int `mapstructure:"keep_disposed_history" validate:"required,gt=0"`

	// CooldownMinMinutes and CooldownMaxMinutes bound the randomized
	// cooldown window applied after a critical taint.
	CooldownMinMinutes int `mapstructure:"cooldown_min_minutes" validate:"required,gt=0"`
	CooldownMaxMinutes int `mapstructure:"cooldown_max_minutes" validate:"required,gtefield=CooldownMinMinutes"`
}

// DriverConfig points at the browser automation service that executes
// logins, applications, and scrapes on the worker's behalf.
type DriverConfig struct {
	// BaseURL is the automation service endpoint.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// TimeoutSeconds bounds one driver call. Browser-driven applications are
	// slow, so this defaults well above typical HTTP timeouts.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"required,gt=0"`
}

// RateLimitConfig tunes per-session request pacing.
type RateLimitConfig struct {
	MinDelaySeconds       int     `mapstructure:"min_delay_seconds"        validate:"required,gt=0"`
	MaxJitterSeconds      int     `mapstructure:"max_jitter_seconds"       validate:"gte=0"`
	MaxRequestsPerSession int     `mapstructure:"max_requests_per_session" validate:"required,gt=0"`
	InitialBackoffSeconds int     `mapstructure:"initial_backoff_seconds"  validate:"required,gt=0"`
	MaxBackoffSeconds     int     `mapstructure:"max_backoff_seconds"      validate:"required,gt=0"`
	BackoffMultiplier     float64 `mapstructure:"backoff_multiplier"       validate:"required,gt=1"`
	BreakerThreshold      int     `mapstructure:"breaker_threshold"        validate:"required,gt=0"`
	BreakerPauseMinutes   int     `mapstructure:"breaker_pause_minutes"    validate:"required,gt=0"`
}
