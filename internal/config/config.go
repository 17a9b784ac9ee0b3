package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/bidgov/internal/resilience"
	"github.com/sells-group/bidgov/internal/variance"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig         `yaml:"store" mapstructure:"store"`
	Variance   variance.Thresholds `yaml:"variance" mapstructure:"variance"`
	Pricing    PricingConfig       `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig        `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig    `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig           `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PricingConfig configures the pricing recalculation collaborator. Retry and
// circuit breaker keys sit directly under pricing.
type PricingConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	AuthToken   string `yaml:"auth_token" mapstructure:"auth_token"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`

	resilience.Settings `yaml:",inline" mapstructure:",squash"`

	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	DrainBatch  int     `yaml:"drain_batch" mapstructure:"drain_batch"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures variance and outbox alerting.
type MonitoringConfig struct {
	WebhookURL            string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs     int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	CriticalItemThreshold int    `yaml:"critical_item_threshold" mapstructure:"critical_item_threshold"`
	OutboxDepthThreshold  int    `yaml:"outbox_depth_threshold" mapstructure:"outbox_depth_threshold"`
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
	v.SetEnvPrefix("BIDGOV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("variance.minor_pct", variance.DefaultMinorPct)
	v.SetDefault("variance.moderate_pct", variance.DefaultModeratePct)
	v.SetDefault("variance.major_pct", variance.DefaultMajorPct)
	v.SetDefault("variance.critical_pct", variance.DefaultCriticalPct)
	v.SetDefault("pricing.webhook_url", "")
	v.SetDefault("pricing.auth_token", "")
	v.SetDefault("pricing.timeout_secs", 10)
	v.SetDefault("pricing.max_attempts", 3)
	v.SetDefault("pricing.initial_backoff_ms", 500)
	v.SetDefault("pricing.max_backoff_ms", 30000)
	v.SetDefault("pricing.multiplier", 2.0)
	v.SetDefault("pricing.jitter_fraction", 0.25)
	v.SetDefault("pricing.failure_threshold", 5)
	v.SetDefault("pricing.reset_timeout_secs", 30)
	v.SetDefault("pricing.max_retries", 10)
	v.SetDefault("pricing.rate_per_sec", 5.0)
	v.SetDefault("pricing.concurrency", 4)
	v.SetDefault("pricing.drain_batch", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.critical_item_threshold", 0)
	v.SetDefault("monitoring.outbox_depth_threshold", 25)
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

// Validation modes.
const (
	ModeCLI   = "cli"
	ModeServe = "serve"
)

// Validate rejects settings the engine cannot run with. mode adds the
// checks of the serve command.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be postgres or sqlite", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres")
	}
	if err := c.Variance.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Pricing.RatePerSec < 0 || c.Pricing.Concurrency < 0 || c.Pricing.MaxRetries < 0 {
		errs = append(errs, "pricing drain settings must be >= 0")
	}

	switch mode {
	case ModeCLI:
	case ModeServe:
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
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
