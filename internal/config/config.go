package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Ingest       IngestConfig       `yaml:"ingest" mapstructure:"ingest"`
	CourtScraper CourtScraperConfig `yaml:"court_scraper" mapstructure:"court_scraper"`
	JudicialAPI  JudicialAPIConfig  `yaml:"judicial_api" mapstructure:"judicial_api"`
	Retry        RetryConfig        `yaml:"retry" mapstructure:"retry"`
	Bidding      BiddingConfig      `yaml:"bidding" mapstructure:"bidding"`
	Events       EventsConfig       `yaml:"events" mapstructure:"events"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP seam.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// IngestConfig configures the scheduled ingestion run and case lifecycle.
type IngestConfig struct {
	BiddingWindowHours int    `yaml:"bidding_window_hours" mapstructure:"bidding_window_hours"`
	CloseGraceHours    int    `yaml:"close_grace_hours" mapstructure:"close_grace_hours"`
	Resume             bool   `yaml:"resume" mapstructure:"resume"`
	MaxPages           int    `yaml:"max_pages" mapstructure:"max_pages"`
	Lock               string `yaml:"lock" mapstructure:"lock"` // local, postgres, redis
	RedisURL           string `yaml:"redis_url" mapstructure:"redis_url"`
	LockTTLMinutes     int    `yaml:"lock_ttl_minutes" mapstructure:"lock_ttl_minutes"`
	DefaultCity        string `yaml:"default_city" mapstructure:"default_city"`
}

// BiddingWindow returns the configured bidding window.
func (c IngestConfig) BiddingWindow() time.Duration {
	return time.Duration(c.BiddingWindowHours) * time.Hour
}

// CloseGrace returns how long an expired case stays expired before closing.
func (c IngestConfig) CloseGrace() time.Duration {
	return time.Duration(c.CloseGraceHours) * time.Hour
}

// CourtScraperConfig configures the court-records scraper source.
type CourtScraperConfig struct {
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string   `yaml:"base_url" mapstructure:"base_url"`
	ListingPath   string   `yaml:"listing_path" mapstructure:"listing_path"`
	MinIntervalMs int      `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	TimeoutSecs   int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	DaysBack      int      `yaml:"days_back" mapstructure:"days_back"`
	Render        string   `yaml:"render" mapstructure:"render"` // http, chrome
	UserAgent     string   `yaml:"user_agent" mapstructure:"user_agent"`
	Keywords      []string `yaml:"keywords" mapstructure:"keywords"`
}

// JudicialAPIConfig configures the national judicial API source.
type JudicialAPIConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	Index         string `yaml:"index" mapstructure:"index"`
	APIKey        string `yaml:"api_key" mapstructure:"api_key"`
	PageSize      int    `yaml:"page_size" mapstructure:"page_size"`
	MinIntervalMs int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ClassCodes    []int  `yaml:"class_codes" mapstructure:"class_codes"`
	SubjectCodes  []int  `yaml:"subject_codes" mapstructure:"subject_codes"`
}

// RetryConfig configures transient-failure retry for source fetches.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// AmountBounds is an inclusive bid range in minor currency units.
type AmountBounds struct {
	Min int64 `yaml:"min" mapstructure:"min"`
	Max int64 `yaml:"max" mapstructure:"max"`
}

// BiddingConfig configures bid validation.
type BiddingConfig struct {
	MinAmount       int64                   `yaml:"min_amount" mapstructure:"min_amount"`
	MaxAmount       int64                   `yaml:"max_amount" mapstructure:"max_amount"`
	DuplicatePolicy string                  `yaml:"duplicate_policy" mapstructure:"duplicate_policy"` // replace, reject
	Specialties     map[string]AmountBounds `yaml:"specialties" mapstructure:"specialties"`
}

// EventsConfig configures domain event publishing.
type EventsConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// MonitoringConfig configures run alerts.
type MonitoringConfig struct {
	WebhookURL     string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token" mapstructure:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id" mapstructure:"telegram_chat_id"`
	AlertOnPartial bool   `yaml:"alert_on_partial" mapstructure:"alert_on_partial"`

	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JURIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("ingest.bidding_window_hours", 72)
	v.SetDefault("ingest.close_grace_hours", 168)
	v.SetDefault("ingest.resume", true)
	v.SetDefault("ingest.max_pages", 200)
	v.SetDefault("ingest.lock", "postgres")
	v.SetDefault("ingest.redis_url", "")
	v.SetDefault("ingest.lock_ttl_minutes", 120)
	v.SetDefault("ingest.default_city", "Belo Horizonte")
	v.SetDefault("court_scraper.enabled", true)
	v.SetDefault("court_scraper.base_url", "https://www.tjmg.jus.br")
	v.SetDefault("court_scraper.listing_path", "/portal-tjmg/jurisprudencia/consulta")
	v.SetDefault("court_scraper.min_interval_ms", 2000)
	v.SetDefault("court_scraper.timeout_secs", 30)
	v.SetDefault("court_scraper.days_back", 1)
	v.SetDefault("court_scraper.render", "http")
	v.SetDefault("court_scraper.user_agent", "jurishealth/1.0")
	v.SetDefault("court_scraper.keywords", []string{})
	v.SetDefault("judicial_api.enabled", true)
	v.SetDefault("judicial_api.base_url", "https://api-publica.datajud.cnj.jus.br")
	v.SetDefault("judicial_api.index", "api_publica_tjmg")
	v.SetDefault("judicial_api.api_key", "")
	v.SetDefault("judicial_api.page_size", 100)
	v.SetDefault("judicial_api.min_interval_ms", 500)
	v.SetDefault("judicial_api.timeout_secs", 30)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 10000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)
	v.SetDefault("bidding.min_amount", 10000)
	v.SetDefault("bidding.max_amount", 100000000)
	v.SetDefault("bidding.duplicate_policy", "replace")
	v.SetDefault("events.brokers", []string{})
	v.SetDefault("events.topic", "jurishealth.events")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.telegram_token", "")
	v.SetDefault("monitoring.telegram_chat_id", 0)
	v.SetDefault("monitoring.alert_on_partial", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 48)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.stale_after_hours", 26)

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	if c.Bidding.MinAmount <= 0 {
		return eris.New("config: bidding.min_amount must be positive")
	}
	if c.Bidding.MaxAmount < c.Bidding.MinAmount {
		return eris.New("config: bidding.max_amount must be >= bidding.min_amount")
	}
	for name, b := range c.Bidding.Specialties {
		if b.Min <= 0 || b.Max < b.Min {
			return eris.Errorf("config: invalid bounds for specialty %s", name)
		}
	}
	switch c.Bidding.DuplicatePolicy {
	case "replace", "reject":
	default:
		return eris.Errorf("config: unknown bidding.duplicate_policy %q", c.Bidding.DuplicatePolicy)
	}
	switch c.Ingest.Lock {
	case "local", "postgres", "redis":
	default:
		return eris.Errorf("config: unknown ingest.lock %q", c.Ingest.Lock)
	}
	if c.Ingest.BiddingWindowHours <= 0 {
		return eris.New("config: ingest.bidding_window_hours must be positive")
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
