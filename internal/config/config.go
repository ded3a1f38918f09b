package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Source   SourceConfig   `yaml:"source" mapstructure:"source"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Schedule ScheduleConfig `yaml:"schedule" mapstructure:"schedule"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Alert    AlertConfig    `yaml:"alert" mapstructure:"alert"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the price store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SourceConfig configures the upstream price-reporting API.
type SourceConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string  `yaml:"api_key" mapstructure:"api_key"`
	PageSize       int     `yaml:"page_size" mapstructure:"page_size"`
	PageTimeoutSec int     `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec     float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
}

// PageTimeout returns the per-page fetch timeout as a duration.
func (c SourceConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSec) * time.Second
}

// IngestConfig configures pipeline behavior.
type IngestConfig struct {
	BatchSize     int  `yaml:"batch_size" mapstructure:"batch_size"`
	DefaultLimit  int  `yaml:"default_limit" mapstructure:"default_limit"`
	PipelinePages bool `yaml:"pipeline_pages" mapstructure:"pipeline_pages"`
	MaxRejects    int  `yaml:"max_rejects_stored" mapstructure:"max_rejects_stored"`
}

// ScheduleConfig configures the cron cadence.
type ScheduleConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Cron    string `yaml:"cron" mapstructure:"cron"`
}

// ServerConfig configures the HTTP trigger/status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// AlertConfig configures failure notifications and health thresholds.
type AlertConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RejectRateThreshold  float64 `yaml:"reject_rate_threshold" mapstructure:"reject_rate_threshold"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackHours        int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MANDISYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("source.base_url", "https://api.data.gov.in/resource/9ef84268-d588-465a-a308-a864a43d0070")
	v.SetDefault("source.page_size", 500)
	v.SetDefault("source.page_timeout_secs", 10)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.rate_per_sec", 5)
	v.SetDefault("source.user_agent", "mandisync/1.0")
	v.SetDefault("ingest.batch_size", 500)
	v.SetDefault("ingest.default_limit", 10000)
	v.SetDefault("ingest.pipeline_pages", false)
	v.SetDefault("ingest.max_rejects_stored", 200)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "0 0 * * *")
	v.SetDefault("server.port", 8080)
	v.SetDefault("alert.failure_rate_threshold", 0.5)
	v.SetDefault("alert.reject_rate_threshold", 0.25)
	v.SetDefault("alert.stale_after_hours", 48)
	v.SetDefault("alert.check_interval_secs", 300)
	v.SetDefault("alert.lookback_hours", 24)
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
