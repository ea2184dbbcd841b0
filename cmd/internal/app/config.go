package app

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/store"
)

// Store backends selectable through SHIELD_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string

	// GatewayAddr and UpstreamURL enable the guarded reverse proxy when both are set.
	GatewayAddr string
	UpstreamURL string
	TrustProxy  bool

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxAgeDays int
	LogMaxBackups int

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	Store               string
	PersistentBlacklist bool

	DatabaseURL    string
	DatabaseSchema string
	DBMaxConns     int32
	DBMinConns     int32
	DBAutoMigrate  bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	AuditMax      int

	// If true:
	// - /readyz returns 503 unless a persistent store is configured and reachable.
	ReadinessRequireDB bool

	EventLogCapacity  int
	SweepInterval     time.Duration
	BlacklistTTL      time.Duration
	ClassifierURL     string
	ClassifierTimeout time.Duration
	PolicyFile        string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	StreamAllowedOrigins []string
	StreamDevInsecure    bool

	// Security policy:
	// If true, SHIELD_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and token keys are HMAC-based.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("SHIELD_HTTP_ADDR", "0.0.0.0:8080"),

		GatewayAddr: EnvString("SHIELD_GATEWAY_ADDR", ""),
		UpstreamURL: EnvString("SHIELD_UPSTREAM_URL", ""),
		TrustProxy:  EnvBool("SHIELD_TRUST_PROXY", false),

		LogLevel:      EnvString("SHIELD_LOG_LEVEL", "info"),
		LogFormat:     EnvString("SHIELD_LOG_FORMAT", "json"),
		LogFile:       EnvString("SHIELD_LOG_FILE", ""),
		LogMaxSizeMB:  EnvInt("SHIELD_LOG_MAX_SIZE_MB", 100),
		LogMaxAgeDays: EnvInt("SHIELD_LOG_MAX_AGE_DAYS", 14),
		LogMaxBackups: EnvInt("SHIELD_LOG_MAX_BACKUPS", 5),

		ReadHeaderTimeout: EnvDuration("SHIELD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SHIELD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SHIELD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SHIELD_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SHIELD_HTTP_MAX_HEADER_BYTES", 1<<20),

		Store:               strings.ToLower(EnvString("SHIELD_STORE", StoreMemory)),
		PersistentBlacklist: EnvBool("SHIELD_PERSISTENT_BLACKLIST", true),

		DatabaseURL:    EnvString("SHIELD_DATABASE_URL", ""),
		DatabaseSchema: EnvString("SHIELD_DATABASE_SCHEMA", "shield"),
		DBMaxConns:     EnvInt32("SHIELD_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("SHIELD_DB_MIN_CONNS", 0),
		DBAutoMigrate:  EnvBool("SHIELD_DB_AUTO_MIGRATE", false),

		RedisAddr:     EnvString("SHIELD_REDIS_ADDR", ""),
		RedisPassword: EnvString("SHIELD_REDIS_PASSWORD", ""),
		RedisDB:       int(EnvInt32("SHIELD_REDIS_DB", 0)),
		RedisPrefix:   EnvString("SHIELD_REDIS_PREFIX", store.DefaultRedisPrefix),
		AuditMax:      EnvInt("SHIELD_AUDIT_MAX", 10_000),

		ReadinessRequireDB: EnvBool("SHIELD_READINESS_REQUIRE_DB", false),

		EventLogCapacity:  EnvInt("SHIELD_EVENTLOG_CAPACITY", eventlog.DefaultCapacity),
		SweepInterval:     EnvDuration("SHIELD_SWEEP_INTERVAL", 30*time.Second),
		BlacklistTTL:      EnvDuration("SHIELD_BLACKLIST_TTL", blacklist.DefaultTTL),
		ClassifierURL:     EnvString("SHIELD_CLASSIFIER_URL", ""),
		ClassifierTimeout: EnvDuration("SHIELD_CLASSIFIER_TIMEOUT", classifier.DefaultTimeout),
		PolicyFile:        EnvString("SHIELD_POLICY_FILE", ""),

		CORSAllowedOrigins:   EnvCSV("SHIELD_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("SHIELD_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("SHIELD_CORS_MAX_AGE_SECONDS", 600),

		StreamAllowedOrigins: EnvCSV("SHIELD_STREAM_ALLOWED_ORIGINS", nil),
		StreamDevInsecure:    EnvBool("SHIELD_STREAM_DEV_INSECURE", false),

		RequireTokenHMAC: EnvBool("SHIELD_REQUIRE_TOKEN_HMAC", false),
	}
}

// Validate rejects combinations the runtime cannot serve.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: SHIELD_STORE=postgres requires SHIELD_DATABASE_URL")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: SHIELD_STORE=redis requires SHIELD_REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: unknown SHIELD_STORE %q", c.Store)
	}
	if (c.GatewayAddr == "") != (c.UpstreamURL == "") {
		return fmt.Errorf("config: SHIELD_GATEWAY_ADDR and SHIELD_UPSTREAM_URL must be set together")
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: invalid SHIELD_UPSTREAM_URL %q", c.UpstreamURL)
		}
	}
	if c.EventLogCapacity <= 0 {
		return fmt.Errorf("config: SHIELD_EVENTLOG_CAPACITY must be positive")
	}
	return nil
}

// persistent reports whether blacklist and rules go to a durable backend.
func (c Config) persistent() bool {
	return c.PersistentBlacklist && c.Store != StoreMemory
}
