/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file. Every component receives its settings from the returned Config.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	defaultPollerSchedule       = "@every 30s"
	defaultFallbackSchedule     = "@every 60s"
	defaultDispatchMaxAttempts  = 5
	defaultDispatchRetrySeconds = 3
	defaultDispatchConcurrency  = 4
)

// Config holds all the configuration variables for the payout reconciler.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisURL               string `mapstructure:"REDIS_URL"`
	DispatchLockPrefix     string `mapstructure:"DISPATCH_LOCK_PREFIX"`
	DispatchLockTTLSeconds int    `mapstructure:"DISPATCH_LOCK_TTL_SECONDS"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	DepositEventsExchange string `mapstructure:"DEPOSIT_EVENTS_EXCHANGE"`
	DepositEventQueue     string `mapstructure:"DEPOSIT_EVENT_QUEUE"`

	DepixAPIBaseURL         string  `mapstructure:"DEPIX_API_BASE_URL"`
	DepixAPIToken           string  `mapstructure:"DEPIX_API_TOKEN"`
	DepixWebhookSecret      string  `mapstructure:"DEPIX_WEBHOOK_SECRET"`
	DepixHTTPTimeoutSeconds int     `mapstructure:"DEPIX_HTTP_TIMEOUT_SECONDS"`
	DepixRateLimitPerSecond float64 `mapstructure:"DEPIX_RATE_LIMIT_PER_SECOND"`

	PayoutAPIBaseURL           string `mapstructure:"PAYOUT_API_BASE_URL"`
	PayoutAPIKey               string `mapstructure:"PAYOUT_API_KEY"`
	PayoutHTTPTimeoutSeconds   int    `mapstructure:"PAYOUT_HTTP_TIMEOUT_SECONDS"`
	PayoutTransportRetries     int    `mapstructure:"PAYOUT_TRANSPORT_RETRIES"`
	PayoutRetryIntervalSeconds int    `mapstructure:"PAYOUT_RETRY_INTERVAL_SECONDS"`

	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	SupportContact   string `mapstructure:"SUPPORT_CONTACT"`
	InternalAPIKey   string `mapstructure:"INTERNAL_API_KEY"`

	PollerSchedule               string `mapstructure:"POLLER_SCHEDULE"`
	FallbackSchedule             string `mapstructure:"FALLBACK_SCHEDULE"`
	PollerBatchLimit             int    `mapstructure:"POLLER_BATCH_LIMIT"`
	FallbackBatchLimit           int    `mapstructure:"FALLBACK_BATCH_LIMIT"`
	FallbackMaxAgeHours          int    `mapstructure:"FALLBACK_MAX_AGE_HOURS"`
	DispatchMaxAttempts          int    `mapstructure:"DISPATCH_MAX_ATTEMPTS"`
	DispatchRetryIntervalSeconds int    `mapstructure:"DISPATCH_RETRY_INTERVAL_SECONDS"`
	DispatchConcurrency          int    `mapstructure:"DISPATCH_CONCURRENCY"`
	EscalationEnabled            bool   `mapstructure:"ESCALATION_ENABLED"`
	InteractiveNetworks          string `mapstructure:"INTERACTIVE_NETWORKS"`
}

var boundKeys = []string{
	"SERVER_PORT", "LOG_LEVEL", "LOG_FORMAT", "STORE_DRIVER", "DATABASE_URL",
	"REDIS_URL", "DISPATCH_LOCK_PREFIX", "DISPATCH_LOCK_TTL_SECONDS",
	"RABBITMQ_URL", "DEPOSIT_EVENTS_EXCHANGE", "DEPOSIT_EVENT_QUEUE",
	"DEPIX_API_BASE_URL", "DEPIX_API_TOKEN", "DEPIX_WEBHOOK_SECRET",
	"DEPIX_HTTP_TIMEOUT_SECONDS", "DEPIX_RATE_LIMIT_PER_SECOND",
	"PAYOUT_API_BASE_URL", "PAYOUT_API_KEY", "PAYOUT_HTTP_TIMEOUT_SECONDS",
	"PAYOUT_TRANSPORT_RETRIES", "PAYOUT_RETRY_INTERVAL_SECONDS",
	"TELEGRAM_BOT_TOKEN", "SUPPORT_CONTACT", "INTERNAL_API_KEY",
	"POLLER_SCHEDULE", "FALLBACK_SCHEDULE", "POLLER_BATCH_LIMIT",
	"FALLBACK_BATCH_LIMIT", "FALLBACK_MAX_AGE_HOURS",
	"DISPATCH_MAX_ATTEMPTS", "DISPATCH_RETRY_INTERVAL_SECONDS",
	"DISPATCH_CONCURRENCY", "ESCALATION_ENABLED", "INTERACTIVE_NETWORKS",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("DISPATCH_LOCK_PREFIX", "payout:dispatch_lock")
	viper.SetDefault("DISPATCH_LOCK_TTL_SECONDS", 60)
	viper.SetDefault("DEPOSIT_EVENTS_EXCHANGE", "deposit_events")
	viper.SetDefault("DEPOSIT_EVENT_QUEUE", "payout_reconciler.deposit_confirmed")
	viper.SetDefault("DEPIX_HTTP_TIMEOUT_SECONDS", 10)
	viper.SetDefault("DEPIX_RATE_LIMIT_PER_SECOND", 5)
	viper.SetDefault("PAYOUT_HTTP_TIMEOUT_SECONDS", 30)
	viper.SetDefault("PAYOUT_TRANSPORT_RETRIES", 2)
	viper.SetDefault("PAYOUT_RETRY_INTERVAL_SECONDS", 2)
	viper.SetDefault("SUPPORT_CONTACT", "@suporte")
	viper.SetDefault("POLLER_SCHEDULE", defaultPollerSchedule)
	viper.SetDefault("FALLBACK_SCHEDULE", defaultFallbackSchedule)
	viper.SetDefault("POLLER_BATCH_LIMIT", 100)
	viper.SetDefault("FALLBACK_BATCH_LIMIT", 100)
	viper.SetDefault("FALLBACK_MAX_AGE_HOURS", 48)
	viper.SetDefault("DISPATCH_MAX_ATTEMPTS", defaultDispatchMaxAttempts)
	viper.SetDefault("DISPATCH_RETRY_INTERVAL_SECONDS", defaultDispatchRetrySeconds)
	viper.SetDefault("DISPATCH_CONCURRENCY", defaultDispatchConcurrency)
	viper.SetDefault("ESCALATION_ENABLED", true)
	viper.SetDefault("INTERACTIVE_NETWORKS", "lightning")

	// Bind explicitly so Unmarshal sees env values without a config file.
	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("PORT")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			logrus.WithField("component", "config").WithError(err).Warn("failed to read config file; using environment values")
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	err = config.validate()
	return
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.DepixAPIBaseURL = strings.TrimRight(strings.TrimSpace(c.DepixAPIBaseURL), "/")
	c.PayoutAPIBaseURL = strings.TrimRight(strings.TrimSpace(c.PayoutAPIBaseURL), "/")
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.DepixWebhookSecret = strings.TrimSpace(c.DepixWebhookSecret)

	if strings.TrimSpace(c.PollerSchedule) == "" {
		c.PollerSchedule = defaultPollerSchedule
	}
	if strings.TrimSpace(c.FallbackSchedule) == "" {
		c.FallbackSchedule = defaultFallbackSchedule
	}
	if c.DispatchMaxAttempts <= 0 {
		c.DispatchMaxAttempts = defaultDispatchMaxAttempts
	}
	if c.DispatchRetryIntervalSeconds < 0 {
		c.DispatchRetryIntervalSeconds = defaultDispatchRetrySeconds
	}
	if c.DispatchConcurrency <= 0 {
		c.DispatchConcurrency = defaultDispatchConcurrency
	}
	if c.DepixHTTPTimeoutSeconds <= 0 {
		c.DepixHTTPTimeoutSeconds = 10
	}
	if c.PayoutHTTPTimeoutSeconds <= 0 {
		c.PayoutHTTPTimeoutSeconds = 30
	}
	if c.PayoutTransportRetries < 0 {
		c.PayoutTransportRetries = 0
	}
	if c.PayoutRetryIntervalSeconds <= 0 {
		c.PayoutRetryIntervalSeconds = 2
	}
	if c.DepixRateLimitPerSecond <= 0 {
		c.DepixRateLimitPerSecond = 5
	}
	if c.PollerBatchLimit <= 0 {
		c.PollerBatchLimit = 100
	}
	if c.FallbackBatchLimit <= 0 {
		c.FallbackBatchLimit = 100
	}
	if c.FallbackMaxAgeHours <= 0 {
		c.FallbackMaxAgeHours = 48
	}
	if c.DispatchLockTTLSeconds <= 0 {
		c.DispatchLockTTLSeconds = 60
	}
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DepixAPIBaseURL == "" {
		return fmt.Errorf("DEPIX_API_BASE_URL is required")
	}
	if c.PayoutAPIBaseURL == "" {
		return fmt.Errorf("PAYOUT_API_BASE_URL is required")
	}
	return nil
}

// InteractiveNetworkSet returns the networks that need a customer-supplied
// destination before payout.
func (c Config) InteractiveNetworkSet() map[string]bool {
	set := make(map[string]bool)
	for _, n := range strings.Split(c.InteractiveNetworks, ",") {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set[n] = true
		}
	}
	return set
}

func (c Config) DispatchRetryInterval() time.Duration {
	return time.Duration(c.DispatchRetryIntervalSeconds) * time.Second
}

func (c Config) DispatchLockTTL() time.Duration {
	return time.Duration(c.DispatchLockTTLSeconds) * time.Second
}

func (c Config) DepixHTTPTimeout() time.Duration {
	return time.Duration(c.DepixHTTPTimeoutSeconds) * time.Second
}

func (c Config) PayoutHTTPTimeout() time.Duration {
	return time.Duration(c.PayoutHTTPTimeoutSeconds) * time.Second
}

func (c Config) PayoutRetryInterval() time.Duration {
	return time.Duration(c.PayoutRetryIntervalSeconds) * time.Second
}

func (c Config) FallbackMaxAge() time.Duration {
	return time.Duration(c.FallbackMaxAgeHours) * time.Hour
}
