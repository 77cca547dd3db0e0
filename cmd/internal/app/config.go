package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConfig reports an unusable configuration.
var ErrConfig = errors.New("invalid_config")

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Change bus backends.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusWS     = "ws"
	BusMQTT   = "mqtt"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Storage selects where the record lives.
	Storage        string
	StorageKey     string
	FileDir        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Bus selects how contexts hear about each other's writes.
	Bus             string
	RelayURL        string
	RelayOrigin     string
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string

	RelayEnabled       bool
	WSDevInsecure      bool
	WSOriginRequired   bool
	WSAllowedOrigins   []string
	WSSendQueueSize    int
	WSRateEvents       int
	WSRateWindow       time.Duration
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration

	UserID           string
	WatchdogInterval time.Duration
	RedeemHold       time.Duration
	PersistTimeout   time.Duration
	LegacyMigration  bool

	InviteBaseURL string
	InviteTitle   string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SBSTATE_HTTP_ADDR", "127.0.0.1:8080"),
		LogLevel:  EnvString("SBSTATE_LOG_LEVEL", "info"),
		LogFormat: EnvString("SBSTATE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SBSTATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SBSTATE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SBSTATE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SBSTATE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SBSTATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   EnvList("SBSTATE_CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "http://127.0.0.1:*"}),
		CORSAllowCredentials: EnvBool("SBSTATE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("SBSTATE_CORS_MAX_AGE_SECONDS", 600),

		Storage:        strings.ToLower(EnvString("SBSTATE_STORAGE", StorageFile)),
		StorageKey:     EnvString("SBSTATE_STORAGE_KEY", "sb_user_store"),
		FileDir:        EnvString("SBSTATE_FILE_DIR", ".sbstate"),
		RedisAddr:      EnvString("SBSTATE_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:  EnvString("SBSTATE_REDIS_PASSWORD", ""),
		RedisDB:        EnvIndex("SBSTATE_REDIS_DB", 0),
		RedisNamespace: EnvString("SBSTATE_REDIS_NAMESPACE", "sbstate"),

		DatabaseURL: EnvString("SBSTATE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("SBSTATE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SBSTATE_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("SBSTATE_DB_SCHEMA", "sbstate"),

		ReadinessRequireDB: EnvBool("SBSTATE_READINESS_REQUIRE_DB", false),

		Bus:             strings.ToLower(EnvString("SBSTATE_BUS", BusNone)),
		RelayURL:        EnvString("SBSTATE_RELAY_URL", ""),
		RelayOrigin:     EnvString("SBSTATE_RELAY_ORIGIN", "http://localhost"),
		MQTTBroker:      EnvString("SBSTATE_MQTT_BROKER", ""),
		MQTTClientID:    EnvString("SBSTATE_MQTT_CLIENT_ID", ""),
		MQTTUsername:    EnvString("SBSTATE_MQTT_USERNAME", ""),
		MQTTPassword:    EnvString("SBSTATE_MQTT_PASSWORD", ""),
		MQTTTopicPrefix: EnvString("SBSTATE_MQTT_TOPIC_PREFIX", "sbstate/changes"),

		RelayEnabled:       EnvBool("SBSTATE_RELAY_ENABLED", false),
		WSDevInsecure:      EnvBool("SBSTATE_WS_DEV_INSECURE", false),
		WSOriginRequired:   EnvBool("SBSTATE_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:   EnvList("SBSTATE_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSSendQueueSize:    EnvInt("SBSTATE_WS_SEND_QUEUE", 32),
		WSRateEvents:       EnvInt("SBSTATE_WS_RATE_EVENTS", 60),
		WSRateWindow:       EnvDuration("SBSTATE_WS_RATE_WINDOW", 10*time.Second),
		WSHeartbeatEvery:   EnvDuration("SBSTATE_WS_HEARTBEAT_EVERY", 30*time.Second),
		WSHeartbeatTimeout: EnvDuration("SBSTATE_WS_HEARTBEAT_TIMEOUT", 10*time.Second),

		UserID:           EnvString("SBSTATE_USER_ID", ""),
		WatchdogInterval: EnvDuration("SBSTATE_WATCHDOG_INTERVAL", 30*time.Second),
		RedeemHold:       EnvDuration("SBSTATE_REDEEM_HOLD", time.Second),
		PersistTimeout:   EnvDuration("SBSTATE_PERSIST_TIMEOUT", 2*time.Second),
		LegacyMigration:  EnvBool("SBSTATE_LEGACY_MIGRATION", true),

		InviteBaseURL: EnvString("SBSTATE_INVITE_BASE_URL", "http://localhost:5173"),
		InviteTitle:   EnvString("SBSTATE_INVITE_TITLE", "Sport Buddies"),
	}
}

// Validate rejects unknown backends and missing backend settings.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StorageFile:
		if strings.TrimSpace(c.FileDir) == "" {
			return configError("SBSTATE_FILE_DIR is required for file storage")
		}
	case StorageRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return configError("SBSTATE_REDIS_ADDR is required for redis storage")
		}
	case StoragePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return configError("SBSTATE_DATABASE_URL is required for postgres storage")
		}
	default:
		return configError(fmt.Sprintf("unknown storage %q", c.Storage))
	}

	switch c.Bus {
	case BusNone, BusMemory:
	case BusRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return configError("SBSTATE_REDIS_ADDR is required for the redis bus")
		}
	case BusWS:
		if strings.TrimSpace(c.RelayURL) == "" {
			return configError("SBSTATE_RELAY_URL is required for the ws bus")
		}
	case BusMQTT:
		if strings.TrimSpace(c.MQTTBroker) == "" {
			return configError("SBSTATE_MQTT_BROKER is required for the mqtt bus")
		}
	default:
		return configError(fmt.Sprintf("unknown bus %q", c.Bus))
	}

	if strings.TrimSpace(c.StorageKey) == "" {
		return configError("SBSTATE_STORAGE_KEY must not be empty")
	}
	if c.ReadinessRequireDB && strings.TrimSpace(c.DatabaseURL) == "" {
		return configError("SBSTATE_READINESS_REQUIRE_DB=true but SBSTATE_DATABASE_URL is empty")
	}
	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}
