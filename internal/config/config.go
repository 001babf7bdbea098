// Package config reads the core's tunables from the environment once at
// startup, the same flat os.Getenv-plus-fallback pattern the original
// wsserver binary used inline, pulled out into one struct so the
// composition root and tests can both construct it explicitly.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in the external configuration table.
type Config struct {
	ListenAddr     string
	AdvertiseHost  string
	AdvertisePort  int
	ShutdownGrace  time.Duration
	WorkerPoolSize int
	MaxConnections int

	QueueTimeout         time.Duration
	MatchInterval        time.Duration
	QueueCleanupInterval time.Duration
	SessionTTL           time.Duration
	MaxSessionDuration   time.Duration
	SessionSweepInterval time.Duration
	InstanceTTL          time.Duration
	HeartbeatInterval    time.Duration
	PairLockTTL          time.Duration
	SessionLockTTL       time.Duration
	PresenceTTL          time.Duration

	RateWSMsgPerSec   int
	RateQueueJoin     int
	RateQueueJoinWin  time.Duration
	RateConnectPerMin int

	RedisAddr    string
	NATSURL      string
	PostgresDSN  string
	MigrationDir string

	JWTSigningKey string
	JWTIssuer     string

	Modalities []string
}

// FromEnv builds a Config from the process environment, defaulting any
// variable that is unset or unparsable.
func FromEnv() Config {
	host, _ := os.Hostname()
	return Config{
		ListenAddr:     getString("LISTEN_ADDR", ":8080"),
		AdvertiseHost:  getString("ADVERTISE_HOST", host),
		AdvertisePort:  getInt("ADVERTISE_PORT", 8080),
		ShutdownGrace:  getDuration("SHUTDOWN_GRACE", 5*time.Second),
		WorkerPoolSize: getInt("WORKER_POOL_SIZE", 256),
		MaxConnections: getInt("MAX_CONNECTIONS", 100000),

		QueueTimeout:         getDuration("QUEUE_TIMEOUT", 60*time.Second),
		MatchInterval:        getDuration("MATCH_INTERVAL", 2*time.Second),
		QueueCleanupInterval: getDuration("QUEUE_CLEANUP_INTERVAL", 10*time.Second),
		SessionTTL:           getDuration("SESSION_TTL", 2*time.Hour),
		MaxSessionDuration:   getDuration("MAX_SESSION_DURATION", 1*time.Hour),
		SessionSweepInterval: getDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		InstanceTTL:          getDuration("INSTANCE_TTL", 30*time.Second),
		HeartbeatInterval:    getDuration("HEARTBEAT_INTERVAL", 10*time.Second),
		PairLockTTL:          getDuration("PAIR_LOCK_TTL", 5*time.Second),
		SessionLockTTL:       getDuration("SESSION_LOCK_TTL", 3*time.Second),
		PresenceTTL:          getDuration("PRESENCE_TTL", 60*time.Second),

		RateWSMsgPerSec:   getInt("RATE_WS_MSG", 20),
		RateQueueJoin:     getInt("RATE_QUEUE_JOIN", 3),
		RateQueueJoinWin:  getDuration("RATE_QUEUE_JOIN_WINDOW", 5*time.Second),
		RateConnectPerMin: getInt("RATE_CONNECT_PER_MIN", 10),

		RedisAddr:    getString("REDIS_ADDR", "localhost:6379"),
		NATSURL:      getString("NATS_URL", "nats://localhost:4222"),
		PostgresDSN:  getString("POSTGRES_DSN", ""),
		MigrationDir: getString("MIGRATIONS_PATH", "migrations"),

		JWTSigningKey: getString("JWT_SIGNING_KEY", ""),
		JWTIssuer:     getString("JWT_ISSUER", ""),

		Modalities: []string{"video", "audio", "text"},
	}
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
