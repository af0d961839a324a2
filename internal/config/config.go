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
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Scan      ScanConfig      `yaml:"scan" mapstructure:"scan"`
	Client    ClientConfig    `yaml:"client" mapstructure:"client"`
	Keywords  KeywordsConfig  `yaml:"keywords" mapstructure:"keywords"`
	Platforms PlatformsConfig `yaml:"platforms" mapstructure:"platforms"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// PlatformsConfig holds per-site base URLs.
type PlatformsConfig struct {
	GridbayURL   string `yaml:"gridbay_url" mapstructure:"gridbay_url"`
	LokalmartURL string `yaml:"lokalmart_url" mapstructure:"lokalmart_url"`
	SouqplazaURL string `yaml:"souqplaza_url" mapstructure:"souqplaza_url"`
}

// StoreConfig configures the detection store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ScanConfig configures the orchestrator's concurrency and failure policy.
type ScanConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	CycleDeadline    time.Duration `yaml:"cycle_deadline" mapstructure:"cycle_deadline"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	FallbackTimeout  time.Duration `yaml:"fallback_timeout" mapstructure:"fallback_timeout"`
	Interval         time.Duration `yaml:"interval" mapstructure:"interval"`
	APITimeout       time.Duration `yaml:"api_timeout" mapstructure:"api_timeout"`
	HTMLTimeout      time.Duration `yaml:"html_timeout" mapstructure:"html_timeout"`
	BrowserTimeout   time.Duration `yaml:"browser_timeout" mapstructure:"browser_timeout"`
	PlatformTimeouts map[string]time.Duration `yaml:"platform_timeouts" mapstructure:"platform_timeouts"`
}

// ClientConfig configures the shared network/browser client.
type ClientConfig struct {
	MaxConns       int     `yaml:"max_conns" mapstructure:"max_conns"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	BrowserProxy   string  `yaml:"browser_proxy" mapstructure:"browser_proxy"`
}

// KeywordsConfig configures the keyword batch for each cycle.
type KeywordsConfig struct {
	File   string `yaml:"file" mapstructure:"file"`
	Window int    `yaml:"window" mapstructure:"window"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("MARKETSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "marketscan.db")
	v.SetDefault("scan.max_concurrent", 4)
	v.SetDefault("scan.cycle_deadline", "5m")
	v.SetDefault("scan.max_attempts", 3)
	v.SetDefault("scan.initial_backoff", "1s")
	v.SetDefault("scan.max_backoff", "8s")
	v.SetDefault("scan.fallback_timeout", "20s")
	v.SetDefault("scan.interval", "15m")
	v.SetDefault("scan.api_timeout", "15s")
	v.SetDefault("scan.html_timeout", "30s")
	v.SetDefault("scan.browser_timeout", "90s")
	v.SetDefault("client.max_conns", 8)
	v.SetDefault("client.requests_per_sec", 2.0)
	v.SetDefault("client.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	v.SetDefault("keywords.file", "keywords.yaml")
	v.SetDefault("keywords.window", 5)
	v.SetDefault("platforms.gridbay_url", "https://www.gridbay.example")
	v.SetDefault("platforms.lokalmart_url", "https://www.lokalmart.example")
	v.SetDefault("platforms.souqplaza_url", "https://www.souqplaza.example")
	v.SetDefault("server.port", 8080)
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
