package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/example/ledger-core/internal/money"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the daemon configuration.
type Config struct {
	Environment string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	StoreDriver     string `mapstructure:"STORE_DRIVER"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConn int32  `mapstructure:"DATABASE_MAX_CONNS"`
	SQLitePath      string `mapstructure:"SQLITE_PATH"`
	RedisURL        string `mapstructure:"REDIS_URL"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	GatewayEventExchange string `mapstructure:"GATEWAY_EVENT_EXCHANGE"`
	GatewayEventQueue    string `mapstructure:"GATEWAY_EVENT_QUEUE"`
	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`
	GatewayBaseURL       string `mapstructure:"GATEWAY_BASE_URL"`
	GatewayAPIKey        string `mapstructure:"GATEWAY_API_KEY"`

	LockTimeout          time.Duration `mapstructure:"LOCK_TIMEOUT"`
	MaxCommitAttempts    int           `mapstructure:"MAX_COMMIT_ATTEMPTS"`
	RetryBackoff         time.Duration `mapstructure:"RETRY_BACKOFF"`
	IdempotencyRetention time.Duration `mapstructure:"IDEMPOTENCY_RETENTION"`

	InterestRateAnnual string `mapstructure:"INTEREST_RATE_ANNUAL"`
	InterestSchedule   string `mapstructure:"INTEREST_SCHEDULE"`
	MonthlyFee         string `mapstructure:"MONTHLY_FEE"`
	FeeSchedule        string `mapstructure:"FEE_SCHEDULE"`
	PurgeSchedule      string `mapstructure:"PURGE_SCHEDULE"`

	CardBIN          string `mapstructure:"CARD_BIN"`
	CardDeclineLimit int    `mapstructure:"CARD_DECLINE_LIMIT"`
	KMSKeyPath       string `mapstructure:"KMS_KEY_PATH"`
	KMSKeyID         string `mapstructure:"KMS_KEY_ID"`
	AuditLogPath     string `mapstructure:"AUDIT_LOG_PATH"`

	OpsAddr         string `mapstructure:"OPS_ADDR"`
	OTLPEndpoint    string `mapstructure:"OTLP_ENDPOINT"`
	DefaultCurrency string `mapstructure:"DEFAULT_CURRENCY"`
}

var defaults = map[string]any{
	"APP_ENV":                "development",
	"LOG_LEVEL":              "info",
	"STORE_DRIVER":           DriverMemory,
	"DATABASE_URL":           "",
	"DATABASE_MAX_CONNS":     10,
	"SQLITE_PATH":            "ledger.db",
	"REDIS_URL":              "",
	"RABBITMQ_URL":           "",
	"GATEWAY_EVENT_EXCHANGE": "payments",
	"GATEWAY_EVENT_QUEUE":    "ledger.gateway-events",
	"NOTIFICATION_EXCHANGE":  "ledger.events",
	"GATEWAY_BASE_URL":       "",
	"GATEWAY_API_KEY":        "",
	"LOCK_TIMEOUT":           "5s",
	"MAX_COMMIT_ATTEMPTS":    5,
	"RETRY_BACKOFF":          "5ms",
	"IDEMPOTENCY_RETENTION":  "2160h",
	"INTEREST_RATE_ANNUAL":   "0",
	"INTEREST_SCHEDULE":      "@daily",
	"MONTHLY_FEE":            "0",
	"FEE_SCHEDULE":           "0 0 1 * *",
	"PURGE_SCHEDULE":         "30 3 * * *",
	"CARD_BIN":               "400000",
	"CARD_DECLINE_LIMIT":     3,
	"KMS_KEY_PATH":           "./keys",
	"KMS_KEY_ID":             "master-1",
	"AUDIT_LOG_PATH":         "",
	"OPS_ADDR":               ":9090",
	"OTLP_ENDPOINT":          "",
	"DEFAULT_CURRENCY":       "USD",
}

// Load reads defaults, then the optional env file at path, then the process
// environment, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable. Production and staging
// additionally require durable storage and the external brokers.
func (c *Config) Validate() error {
	var missing []string

	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres; got %q", c.StoreDriver)
	}
	if c.KMSKeyPath == "" {
		missing = append(missing, "KMS_KEY_PATH")
	}
	if c.KMSKeyID == "" {
		missing = append(missing, "KMS_KEY_ID")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.IsProduction() {
		if c.StoreDriver == DriverMemory {
			return errors.New("STORE_DRIVER=memory is not allowed in " + c.Environment)
		}
		if c.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
		if c.RabbitMQURL == "" {
			missing = append(missing, "RABBITMQ_URL")
		}
		if c.AuditLogPath == "" {
			missing = append(missing, "AUDIT_LOG_PATH")
		}
		if len(missing) > 0 {
			return errors.New("missing required environment variables for " + c.Environment + ": " + strings.Join(missing, ", "))
		}
	}

	if c.LockTimeout <= 0 {
		return errors.New("LOCK_TIMEOUT must be positive")
	}
	if c.MaxCommitAttempts < 1 {
		return errors.New("MAX_COMMIT_ATTEMPTS must be at least 1")
	}
	if c.CardDeclineLimit < 1 {
		return errors.New("CARD_DECLINE_LIMIT must be at least 1")
	}
	if !money.ValidCurrency(c.DefaultCurrency) {
		return fmt.Errorf("DEFAULT_CURRENCY %q is not a currency code", c.DefaultCurrency)
	}
	if _, err := c.InterestRate(); err != nil {
		return err
	}
	if _, err := c.Fee(); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether the stricter checks apply.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

func (c *Config) InterestRate() (decimal.Decimal, error) {
	return nonNegative("INTEREST_RATE_ANNUAL", c.InterestRateAnnual)
}

func (c *Config) Fee() (decimal.Decimal, error) {
	return nonNegative("MONTHLY_FEE", c.MonthlyFee)
}

func nonNegative(key, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal: %w", key, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", key)
	}
	return d, nil
}
