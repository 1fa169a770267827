package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the worker.
type Config struct {
	App              AppConfig              `mapstructure:"app"`
	HTTP             HTTPConfig             `mapstructure:"http"`
	Database         DatabaseConfig         `mapstructure:"database"`
	Redis            RedisConfig            `mapstructure:"redis"`
	Broker           BrokerConfig           `mapstructure:"broker"`
	Blob             BlobConfig             `mapstructure:"blob"`
	SMTP             SMTPConfig             `mapstructure:"smtp"`
	Render           RenderConfig           `mapstructure:"render"`
	Fx               FxConfig               `mapstructure:"fx"`
	Concurrency      ConcurrencyConfig      `mapstructure:"concurrency"`
	Retry            RetryConfig            `mapstructure:"retry"`
	DLQ              DLQConfig              `mapstructure:"dlq"`
	Pdf              PdfConfig              `mapstructure:"pdf"`
	Cron             CronConfig             `mapstructure:"cron"`
	Idempotency      IdempotencyConfig      `mapstructure:"idempotency"`
	DocumentApproval DocumentApprovalConfig `mapstructure:"document_approval"`
	Observability    ObservabilityConfig    `mapstructure:"observability"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type HTTPConfig struct {
	Address             string `mapstructure:"address"`
	QueueDepthThreshold int    `mapstructure:"queue_depth_threshold"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Enabled  bool   `mapstructure:"enabled"`
}

type BlobConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	URLPrefix string `mapstructure:"url_prefix"`
}

type SMTPConfig struct {
	Addr       string `mapstructure:"addr"`
	From       string `mapstructure:"from"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	AdminEmail string `mapstructure:"admin_email"`
}

type RenderConfig struct {
	URL string `mapstructure:"url"`
}

type FxConfig struct {
	PrimaryURL          string              `mapstructure:"primary_url"`
	PrimaryAPIKey       string              `mapstructure:"primary_api_key"`
	FallbackURL         string              `mapstructure:"fallback_url"`
	FallbackAPIKey      string              `mapstructure:"fallback_api_key"`
	BaseCurrency        string              `mapstructure:"base_currency"`
	TargetCurrencies    []string            `mapstructure:"target_currencies"`
	StalenessThresholds StalenessThresholds `mapstructure:"staleness_thresholds"`
}

// StalenessThresholds are rate ages in minutes, ordered
// warning < acceptable < critical.
type StalenessThresholds struct {
	Warning    int `mapstructure:"warning"`
	Acceptable int `mapstructure:"acceptable"`
	Critical   int `mapstructure:"critical"`
}

type ConcurrencyConfig struct {
	DefaultPerFunction int `mapstructure:"default_per_function"`
	Global             int `mapstructure:"global"`
}

type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	Factor    float64       `mapstructure:"factor"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    string        `mapstructure:"jitter"`
}

type DLQConfig struct {
	RetentionDays     int      `mapstructure:"retention_days"`
	CriticalFunctions []string `mapstructure:"critical_functions"`
}

type PdfConfig struct {
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

type CronConfig struct {
	CatchUpBudget int    `mapstructure:"catch_up_budget"`
	Timezone      string `mapstructure:"timezone"`
}

type IdempotencyConfig struct {
	Window time.Duration `mapstructure:"window"`
}

type DocumentApprovalConfig struct {
	MaxReminders            int `mapstructure:"max_reminders"`
	DefaultReminderInterval int `mapstructure:"default_reminder_interval_hours"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
	Enabled      bool   `mapstructure:"enabled"`
}

// Load loads configuration from config files and environment variables.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/accounts-worker")

	setDefaults()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// App defaults
	viper.SetDefault("app.name", "accounts-worker")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("app.environment", "development")

	// HTTP defaults
	viper.SetDefault("http.address", ":8080")
	viper.SetDefault("http.queue_depth_threshold", 1000)

	// Database defaults
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	viper.SetDefault("redis.db", 0)

	// Broker defaults
	viper.SetDefault("broker.exchange", "worker.events")
	viper.SetDefault("broker.enabled", false)

	// Blob defaults
	viper.SetDefault("blob.base_dir", "./data/blobs")
	viper.SetDefault("blob.url_prefix", "http://localhost:8080/blobs")

	// FX defaults
	viper.SetDefault("fx.base_currency", "MYR")
	viper.SetDefault("fx.target_currencies", []string{"USD", "EUR", "GBP", "SGD", "JPY"})
	viper.SetDefault("fx.staleness_thresholds.warning", 240)
	viper.SetDefault("fx.staleness_thresholds.acceptable", 480)
	viper.SetDefault("fx.staleness_thresholds.critical", 1440)

	// Concurrency defaults
	viper.SetDefault("concurrency.default_per_function", 10)
	viper.SetDefault("concurrency.global", 25)

	// Retry defaults
	viper.SetDefault("retry.base_delay", "1s")
	viper.SetDefault("retry.factor", 2.0)
	viper.SetDefault("retry.max_delay", "10m")
	viper.SetDefault("retry.jitter", "full")

	// DLQ defaults
	viper.SetDefault("dlq.retention_days", 30)
	viper.SetDefault("dlq.critical_functions", []string{"fx-rate-ingestion", "payment-processing"})

	// PDF defaults
	viper.SetDefault("pdf.step_timeout", "45s")

	// Cron defaults
	viper.SetDefault("cron.catch_up_budget", 1)
	viper.SetDefault("cron.timezone", "UTC")

	// Idempotency defaults
	viper.SetDefault("idempotency.window", "24h")

	// Document approval defaults
	viper.SetDefault("document_approval.max_reminders", 10)
	viper.SetDefault("document_approval.default_reminder_interval_hours", 24)

	// Observability defaults
	viper.SetDefault("observability.otlp_endpoint", "localhost:4317")
	viper.SetDefault("observability.service_name", "accounts-worker")
	viper.SetDefault("observability.enabled", false)
}

func bindEnvVars() {
	viper.BindEnv("app.environment", "APP_ENV")

	viper.BindEnv("http.address", "HTTP_ADDR")

	viper.BindEnv("database.url", "POSTGRES_URL")
	viper.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	viper.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")

	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("broker.url", "RABBITMQ_URL")
	viper.BindEnv("broker.enabled", "BROKER_MIRROR_ENABLED")

	viper.BindEnv("blob.base_dir", "BLOB_BASE_DIR")
	viper.BindEnv("blob.url_prefix", "BLOB_URL_PREFIX")

	viper.BindEnv("smtp.addr", "SMTP_ADDR")
	viper.BindEnv("smtp.from", "SMTP_FROM")
	viper.BindEnv("smtp.username", "SMTP_USERNAME")
	viper.BindEnv("smtp.password", "SMTP_PASSWORD")
	viper.BindEnv("smtp.admin_email", "ADMIN_EMAIL")

	viper.BindEnv("render.url", "PDF_RENDER_URL")

	viper.BindEnv("fx.primary_url", "FX_PRIMARY_URL")
	viper.BindEnv("fx.primary_api_key", "FX_PRIMARY_API_KEY")
	viper.BindEnv("fx.fallback_url", "FX_FALLBACK_URL")
	viper.BindEnv("fx.fallback_api_key", "FX_FALLBACK_API_KEY")

	viper.BindEnv("concurrency.global", "WORKER_CONCURRENCY")

	viper.BindEnv("observability.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("observability.service_name", "OTEL_SERVICE_NAME")
}

// Validate rejects configurations the worker cannot run with.
func Validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Concurrency.Global <= 0 {
		return fmt.Errorf("concurrency.global must be greater than 0")
	}
	if cfg.Concurrency.DefaultPerFunction <= 0 {
		return fmt.Errorf("concurrency.default_per_function must be greater than 0")
	}
	t := cfg.Fx.StalenessThresholds
	if !(t.Warning < t.Acceptable && t.Acceptable < t.Critical) {
		return fmt.Errorf("fx.staleness_thresholds must be ordered warning < acceptable < critical")
	}
	if cfg.Retry.Jitter != "none" && cfg.Retry.Jitter != "full" {
		return fmt.Errorf("retry.jitter must be one of none, full")
	}
	if cfg.Cron.CatchUpBudget < 0 {
		return fmt.Errorf("cron.catch_up_budget cannot be negative")
	}
	return nil
}
