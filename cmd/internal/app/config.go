package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL switches the presence registry to Redis when set.
	// Empty means in-process registry (single node).
	RedisURL string

	// PresenceWindow is how long a connection may go without a heartbeat
	// before the reaper demotes it. PresenceReapInterval is how often the
	// reaper runs.
	PresenceWindow       time.Duration
	PresenceReapInterval time.Duration

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("SHUTTLECHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("SHUTTLECHAT_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("SHUTTLECHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SHUTTLECHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SHUTTLECHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SHUTTLECHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SHUTTLECHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SHUTTLECHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("SHUTTLECHAT_DB_SCHEMA", "shuttlechat"),
		DBMaxConns:  EnvInt32("SHUTTLECHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SHUTTLECHAT_DB_MIN_CONNS", 0),

		RedisURL: EnvString("SHUTTLECHAT_REDIS_URL", ""),

		PresenceWindow:       EnvDuration("SHUTTLECHAT_PRESENCE_WINDOW", 90*time.Second),
		PresenceReapInterval: EnvDuration("SHUTTLECHAT_PRESENCE_REAP_INTERVAL", 30*time.Second),

		ReadinessRequireDB: EnvBool("SHUTTLECHAT_READINESS_REQUIRE_DB", false),
	}
}
