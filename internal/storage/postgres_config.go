package storage

import "time"

// PostgresConfig describes how the store initialises its Postgres connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

func newPostgresConfig(dsn string) PostgresConfig {
	return PostgresConfig{
		DSN:                 dsn,
		MaxConnections:      8,
		MinConnections:      0,
		MaxConnLifetime:     time.Hour,
		MaxConnIdleTime:     30 * time.Minute,
		HealthCheckInterval: time.Minute,
		ConnectTimeout:      10 * time.Second,
		ApplicationName:     "vidgate",
	}
}
