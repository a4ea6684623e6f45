package config

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"bidledger/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Mailer     MailerConfig     `mapstructure:"mailer"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Events     EventsConfig     `mapstructure:"events"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects the in-memory ledger.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AdminToken      string        `mapstructure:"admin_token"`
}

// SchedulerConfig governs the deadline sweeper cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// SettlementConfig sets the currency and processing fee formula.
type SettlementConfig struct {
	Currency        string          `mapstructure:"currency"`
	FeeRate         decimal.Decimal `mapstructure:"fee_rate"`
	FixedFeeMinor   int64           `mapstructure:"fixed_fee_minor"`
	CoverFeeDefault bool            `mapstructure:"cover_fee_default"`
}

// ProcessorConfig covers the external payment processor.
type ProcessorConfig struct {
	APIBase           string        `mapstructure:"api_base"`
	SecretKey         string        `mapstructure:"secret_key"`
	AccountID         string        `mapstructure:"account_id"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	WebhookTolerance  time.Duration `mapstructure:"webhook_tolerance"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxNetworkRetries int64         `mapstructure:"max_network_retries"`
}

// MailerConfig covers the transactional email API.
type MailerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	APIBase string        `mapstructure:"api_base"`
	APIKey  string        `mapstructure:"api_key"`
	From    string        `mapstructure:"from"`
	SiteURL string        `mapstructure:"site_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotifyConfig bounds notification retries.
type NotifyConfig struct {
	Workers      int           `mapstructure:"workers"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// EventsConfig selects the live event fan-out.
type EventsConfig struct {
	Driver        string      `mapstructure:"driver"`
	SubjectPrefix string      `mapstructure:"subject_prefix"`
	Redis         RedisConfig `mapstructure:"redis"`
	NATS          NATSConfig  `mapstructure:"nats"`
}

// RedisConfig for the redis publisher.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig for the nats publisher.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxItems int `mapstructure:"max_items"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BIDLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, DecodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bidledger")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.max_retries", 3)
	v.SetDefault("database.migrate_on_start", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.admin_token", "")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x62696473))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("settlement.currency", "usd")
	v.SetDefault("settlement.fee_rate", "0.029")
	v.SetDefault("settlement.fixed_fee_minor", 30)
	v.SetDefault("settlement.cover_fee_default", false)

	v.SetDefault("processor.api_base", "https://api.stripe.com")
	v.SetDefault("processor.secret_key", "")
	v.SetDefault("processor.account_id", "")
	v.SetDefault("processor.webhook_secret", "")
	v.SetDefault("processor.webhook_tolerance", "5m")
	v.SetDefault("processor.timeout", "15s")
	v.SetDefault("processor.max_network_retries", 2)

	v.SetDefault("mailer.enabled", false)
	v.SetDefault("mailer.api_base", "https://api.resend.com")
	v.SetDefault("mailer.api_key", "")
	v.SetDefault("mailer.from", "")
	v.SetDefault("mailer.site_url", "http://localhost:8080")
	v.SetDefault("mailer.timeout", "10s")

	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.retry_backoff", "1m")
	v.SetDefault("notify.max_attempts", 5)

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.subject_prefix", "auction")
	v.SetDefault("events.redis.addr", "localhost:6379")
	v.SetDefault("events.redis.password", "")
	v.SetDefault("events.redis.db", 0)
	v.SetDefault("events.nats.url", "nats://localhost:4222")

	v.SetDefault("export.max_items", 1000)
}

// DecodeHook is the viper decoding used for configuration and for operator input files:
// durations, RFC 3339 times, comma separated slices and decimals.
func DecodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			return decimal.NewFromString(strings.TrimSpace(value))
		case float64:
			return decimal.NewFromFloat(value), nil
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		}
		return data, nil
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("database.max_retries cannot be negative")
	}
	if c.Settlement.Currency == "" {
		return fmt.Errorf("settlement.currency is required")
	}
	if c.Settlement.FeeRate.IsNegative() || c.Settlement.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("settlement.fee_rate must be in [0, 1)")
	}
	if c.Settlement.FixedFeeMinor < 0 {
		return fmt.Errorf("settlement.fixed_fee_minor cannot be negative")
	}
	if c.Notify.Workers <= 0 {
		return fmt.Errorf("notify.workers must be greater than zero")
	}
	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be greater than zero")
	}
	if c.Export.MaxItems <= 0 {
		return fmt.Errorf("export.max_items must be greater than zero")
	}
	if c.Mailer.Enabled {
		if c.Mailer.APIKey == "" {
			return fmt.Errorf("mailer.api_key is required when mailer is enabled")
		}
		if c.Mailer.From == "" {
			return fmt.Errorf("mailer.from is required when mailer is enabled")
		}
	}
	if _, err := url.Parse(c.Processor.APIBase); err != nil {
		return fmt.Errorf("processor.api_base: %w", err)
	}
	if c.Processor.MaxNetworkRetries < 0 {
		return fmt.Errorf("processor.max_network_retries must not be negative")
	}
	switch strings.ToLower(c.Events.Driver) {
	case "", "none", "redis", "nats":
	default:
		return fmt.Errorf("events.driver must be one of none, redis, nats")
	}
	return nil
}

// ResolveMaxItems returns either the CLI override or config default.
func (c *Config) ResolveMaxItems(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxItems
}
