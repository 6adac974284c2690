// Package config loads application configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	Environment string
	HTTPAddr    string
	SiteURL     string
	MediaDir    string

	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	// Payment gateway selection and credentials. The provider key picks
	// a registered gateway client implementation.
	PaymentProvider     string
	PaymentAPIURL       string
	PaymentClientID     string
	PaymentClientSecret string

	// External collaborators.
	SettlementAPIURL string
	BillingAPIURL    string
	UsageAPIURL      string
	OrderingAPIURL   string

	AMQPURL string

	// ChargeTimeout bounds how long a redirected customer has to approve
	// a charge before the pending payment is rolled back.
	ChargeTimeout time.Duration
	// PayoutPollInterval is the payout watcher polling period.
	PayoutPollInterval time.Duration

	RenewalCronSpec   string
	UsageCronSpec     string
	PayoutCronSpec    string
	CDRResendCronSpec string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "charging"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8006"),
		SiteURL:     getenv("SITE_URL", "http://localhost:8006"),
		MediaDir:    getenv("MEDIA_DIR", "./media"),

		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "charging"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		PaymentProvider:     getenv("PAYMENT_PROVIDER", "paypal"),
		PaymentAPIURL:       getenv("PAYMENT_API_URL", "https://api.sandbox.paypal.com"),
		PaymentClientID:     strings.TrimSpace(getenv("PAYMENT_CLIENT_ID", "")),
		PaymentClientSecret: strings.TrimSpace(getenv("PAYMENT_CLIENT_SECRET", "")),

		SettlementAPIURL: getenv("SETTLEMENT_API_URL", "http://localhost:8080/rss"),
		BillingAPIURL:    getenv("BILLING_API_URL", "http://localhost:8637"),
		UsageAPIURL:      getenv("USAGE_API_URL", "http://localhost:8638"),
		OrderingAPIURL:   getenv("ORDERING_API_URL", "http://localhost:8639"),

		AMQPURL: getenv("AMQP_URL", ""),

		ChargeTimeout:      getenvDuration("CHARGE_TIMEOUT", 5*time.Minute),
		PayoutPollInterval: getenvDuration("PAYOUT_POLL_INTERVAL", time.Second),

		RenewalCronSpec:   getenv("RENEWAL_CRON", "0 5 * * *"),
		UsageCronSpec:     getenv("USAGE_CRON", "30 5 * * *"),
		PayoutCronSpec:    getenv("PAYOUT_CRON", "0 6 * * 1"),
		CDRResendCronSpec: getenv("CDR_RESEND_CRON", "*/15 * * * *"),
	}
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

var Module = fx.Module("config",
	fx.Provide(Load),
)
