package app

import (
	"fmt"
	"time"

	"parley/cmd/internal/realtime"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every configuration variable (PARLEY_HTTP_ADDR, ...).
const EnvPrefix = "PARLEY"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:"0.0.0.0:8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"` // json | pretty

	ReadHeaderTimeout time.Duration `envconfig:"HTTP_READ_HEADER_TIMEOUT" default:"5s"`
	ReadTimeout       time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes    int           `envconfig:"HTTP_MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000,http://127.0.0.1:3000"`

	// Storage: Postgres wins over Badger; with neither, messages live in memory.
	DatabaseURL        string `envconfig:"DATABASE_URL"`
	DBSchema           string `envconfig:"DB_SCHEMA" default:"public"`
	DBMaxOpenConns     int    `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	DBMaxIdleConns     int    `envconfig:"DB_MAX_IDLE_CONNS" default:"2"`
	DBEnsureSchema     bool   `envconfig:"DB_ENSURE_SCHEMA" default:"true"`
	BadgerPath         string `envconfig:"BADGER_PATH"`
	ReadinessRequireDB bool   `envconfig:"READINESS_REQUIRE_DB" default:"false"`

	// Multi-node delivery over Redis pub/sub. Empty keeps delivery local.
	RedisURL     string `envconfig:"REDIS_URL"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"parley:deliver"`
	NodeID       string `envconfig:"NODE_ID"`

	// Authentication. With RequireAuth the JWT secret is mandatory (>= 32 bytes).
	JWTSecret     string        `envconfig:"JWT_SECRET"`
	JWTIssuer     string        `envconfig:"JWT_ISSUER" default:"parley"`
	JWTTTL        time.Duration `envconfig:"JWT_TTL" default:"15m"`
	RequireAuth   bool          `envconfig:"REQUIRE_AUTH" default:"false"`
	DevHeaderAuth bool          `envconfig:"DEV_HEADER_AUTH" default:"false"`

	UndoWindow time.Duration `envconfig:"UNDO_WINDOW" default:"120s"`

	WSAllowedOrigins     []string      `envconfig:"WS_ALLOWED_ORIGINS" default:"http://localhost,http://127.0.0.1"`
	WSOriginRequired     bool          `envconfig:"WS_ORIGIN_REQUIRED" default:"true"`
	WSDevInsecure        bool          `envconfig:"WS_DEV_INSECURE" default:"false"`
	WSSendQueue          int           `envconfig:"WS_SEND_QUEUE" default:"256"`
	WSWriteTimeout       time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"5s"`
	WSReadIdleTimeout    time.Duration `envconfig:"WS_READ_IDLE_TIMEOUT" default:"2m"`
	WSHeartbeatInterval  time.Duration `envconfig:"WS_HEARTBEAT_INTERVAL" default:"25s"`
	WSHeartbeatTimeout   time.Duration `envconfig:"WS_HEARTBEAT_TIMEOUT" default:"5s"`
	WSRateEvents         int           `envconfig:"WS_RATE_EVENTS" default:"120"`
	WSRateWindow         time.Duration `envconfig:"WS_RATE_WINDOW" default:"10s"`
	WSCloseStaleOnRebind bool          `envconfig:"WS_CLOSE_STALE_ON_REBIND" default:"true"`
	WSOpTimeout          time.Duration `envconfig:"WS_OP_TIMEOUT" default:"10s"`
}

// LoadConfig loads an optional .env file and then Config from PARLEY_* variables.
// Variables already set in the environment win over .env.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Gateway maps the WS_* settings onto the realtime gateway policy.
func (c Config) Gateway() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		AllowedOrigins:     c.WSAllowedOrigins,
		OriginRequired:     c.WSOriginRequired,
		DevInsecure:        c.WSDevInsecure,
		SendQueue:          c.WSSendQueue,
		WriteTimeout:       c.WSWriteTimeout,
		ReadIdleTimeout:    c.WSReadIdleTimeout,
		HeartbeatInterval:  c.WSHeartbeatInterval,
		HeartbeatTimeout:   c.WSHeartbeatTimeout,
		RateEvents:         c.WSRateEvents,
		RateWindow:         c.WSRateWindow,
		CloseStaleOnRebind: c.WSCloseStaleOnRebind,
		OpTimeout:          c.WSOpTimeout,
	}
}
