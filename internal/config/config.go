package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
)

const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config contains all runtime settings for the lobby daemon and CLI.
type Config struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"lobbykit"`
	AllowAnyOrigin   bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Backend        string `env:"LOBBY_BACKEND" envDefault:"auto"`
	PlayerID       string `env:"LOBBY_PLAYER_ID"`
	DisplayName    string `env:"LOBBY_DISPLAY_NAME"`
	IdentitySuffix string `env:"LOBBY_IDENTITY_SUFFIX"`
	JoinCodeLength int    `env:"LOBBY_JOIN_CODE_LENGTH" envDefault:"6"`
	BucketID       string `env:"LOBBY_BUCKET_ID"`
	SessionLimit   int    `env:"LOBBY_SESSION_LIMIT" envDefault:"0"`

	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"LOBBY_REDIS_KEY_PREFIX" envDefault:"lobby:"`

	DatabaseURL string `env:"DATABASE_URL"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"lobbyd"`
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.PlayerID = strings.TrimSpace(cfg.PlayerID)
	cfg.IdentitySuffix = strings.TrimSpace(cfg.IdentitySuffix)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if cfg.PlayerID == "" {
		cfg.PlayerID = "player-" + uuid.NewString()[:8]
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = cfg.PlayerID
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be at least 1s")
	}
	if c.JoinCodeLength < 4 || c.JoinCodeLength > 8 {
		return fmt.Errorf("LOBBY_JOIN_CODE_LENGTH must be between 4 and 8")
	}
	if c.SessionLimit < 0 {
		return fmt.Errorf("LOBBY_SESSION_LIMIT must be >= 0")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("REDIS_DB must be >= 0")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json|console")
	}
	switch c.Backend {
	case BackendAuto, BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when LOBBY_BACKEND=redis")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when LOBBY_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("LOBBY_BACKEND must be one of: auto|memory|redis|postgres")
	}
	return nil
}

// ResolvedBackend reports the backend an auto configuration selects.
func (c Config) ResolvedBackend() string {
	if c.Backend != BackendAuto && c.Backend != "" {
		return c.Backend
	}
	switch {
	case c.DatabaseURL != "":
		return BackendPostgres
	case c.RedisAddr != "":
		return BackendRedis
	default:
		return BackendMemory
	}
}
