package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Sink       SinkConfig       `yaml:"sink" mapstructure:"sink"`
	Scraper    ScraperConfig    `yaml:"scraper" mapstructure:"scraper"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Session    SessionConfig    `yaml:"session" mapstructure:"session"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Audit      AuditConfig      `yaml:"audit" mapstructure:"audit"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	SitesFile  string           `yaml:"sites_file" mapstructure:"sites_file"`
}

// StoreConfig configures the session state backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SinkConfig configures where validated records are delivered.
type SinkConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // http or postgres
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ScraperConfig configures the scraper-worker client the site adapters use.
type ScraperConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxPages    int    `yaml:"max_pages" mapstructure:"max_pages"`
}

// RetryConfig mirrors resilience.RetryConfig in config-file units.
type RetryConfig struct {
	MaxAttempts            int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs       int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs           int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier             float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction         float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	RateLimitedMaxAttempts int     `yaml:"rate_limited_max_attempts" mapstructure:"rate_limited_max_attempts"`
	RateLimitDelayMs       int     `yaml:"rate_limit_delay_ms" mapstructure:"rate_limit_delay_ms"`
}

// CircuitConfig configures the per-site circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	WindowSecs       int `yaml:"window_secs" mapstructure:"window_secs"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	MaxCooldownSecs  int `yaml:"max_cooldown_secs" mapstructure:"max_cooldown_secs"`
}

// SessionConfig configures session scheduling.
type SessionConfig struct {
	SiteConcurrency int     `yaml:"site_concurrency" mapstructure:"site_concurrency"`
	MaxRoomHotels   int     `yaml:"max_room_hotels" mapstructure:"max_room_hotels"`
	FlushThreshold  int     `yaml:"flush_threshold" mapstructure:"flush_threshold"`
	PacePerSecond   float64 `yaml:"pace_per_second" mapstructure:"pace_per_second"`
	PaceBurst       int     `yaml:"pace_burst" mapstructure:"pace_burst"`
	CancelPollSecs  int     `yaml:"cancel_poll_secs" mapstructure:"cancel_poll_secs"`
}

// RegistryConfig configures the active-session registry.
type RegistryConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // memory or redis
	RedisAddr   string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB     int    `yaml:"redis_db" mapstructure:"redis_db"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// AuditConfig configures where attempt events go.
type AuditConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"` // log or redis
	RedisAddr string `yaml:"redis_addr" mapstructure:"redis_addr"`
	Stream    string `yaml:"stream" mapstructure:"stream"`
	MaxLen    int64  `yaml:"max_len" mapstructure:"max_len"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	PartialRateThreshold float64 `yaml:"partial_rate_threshold" mapstructure:"partial_rate_threshold"`
	RecordErrorThreshold int     `yaml:"record_error_threshold" mapstructure:"record_error_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RATEHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rate-harvest.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("sink.driver", "http")
	v.SetDefault("sink.schema", "public")
	v.SetDefault("sink.batch_size", 100)
	v.SetDefault("sink.timeout_secs", 30)
	v.SetDefault("scraper.base_url", "http://localhost:3000")
	v.SetDefault("scraper.timeout_secs", 120)
	v.SetDefault("scraper.max_pages", 20)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("retry.rate_limited_max_attempts", 2)
	v.SetDefault("retry.rate_limit_delay_ms", 30000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.window_secs", 300)
	v.SetDefault("circuit.reset_timeout_secs", 120)
	v.SetDefault("circuit.max_cooldown_secs", 1800)
	v.SetDefault("session.site_concurrency", 2)
	v.SetDefault("session.max_room_hotels", 10)
	v.SetDefault("session.flush_threshold", 200)
	v.SetDefault("session.pace_per_second", 1.0)
	v.SetDefault("session.pace_burst", 1)
	v.SetDefault("session.cancel_poll_secs", 2)
	v.SetDefault("registry.driver", "memory")
	v.SetDefault("registry.redis_addr", "localhost:6379")
	v.SetDefault("registry.lock_ttl_secs", 600)
	v.SetDefault("audit.driver", "log")
	v.SetDefault("audit.redis_addr", "localhost:6379")
	v.SetDefault("audit.stream", "rate-harvest:attempts")
	v.SetDefault("audit.max_len", 100000)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.partial_rate_threshold", 0.5)
	v.SetDefault("monitoring.record_error_threshold", 500)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present and sane.
// mode is "extract" for one-shot CLI runs and "serve" for the HTTP server.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "extract", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch c.Sink.Driver {
	case "http":
		if c.Sink.BaseURL == "" {
			errs = append(errs, "sink.base_url is required for the http sink")
		}
	case "postgres":
		if c.Sink.DatabaseURL == "" && c.Store.Driver != "postgres" {
			errs = append(errs, "sink.database_url is required for the postgres sink")
		}
	default:
		errs = append(errs, "sink.driver must be http or postgres")
	}

	if c.Scraper.BaseURL == "" {
		errs = append(errs, "scraper.base_url is required")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}
	if c.Retry.JitterFraction < 0 || (c.Retry.Multiplier > 1 && c.Retry.JitterFraction >= c.Retry.Multiplier-1) {
		errs = append(errs, "retry.jitter_fraction must be >= 0 and below multiplier-1")
	}
	if c.Session.SiteConcurrency < 1 || c.Session.SiteConcurrency > 50 {
		errs = append(errs, "session.site_concurrency must be between 1 and 50")
	}
	if c.Session.MaxRoomHotels < 1 {
		errs = append(errs, "session.max_room_hotels must be >= 1")
	}

	switch c.Registry.Driver {
	case "memory":
	case "redis":
		if c.Registry.RedisAddr == "" {
			errs = append(errs, "registry.redis_addr is required for the redis registry")
		}
	default:
		errs = append(errs, "registry.driver must be memory or redis")
	}

	switch c.Audit.Driver {
	case "log", "redis":
	default:
		errs = append(errs, "audit.driver must be log or redis")
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Monitoring.Enabled {
			if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
				errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
			}
			if c.Monitoring.PartialRateThreshold < 0 || c.Monitoring.PartialRateThreshold > 1 {
				errs = append(errs, "monitoring.partial_rate_threshold must be between 0 and 1")
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
