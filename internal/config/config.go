package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/congo-pay/giftwallet/internal/money"
)

const (
	defaultAppName           = "GiftWallet"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultCurrency          = "USD"
	defaultPlatformAccountID = "platform:commission"
	defaultFundingThreshold  = "5.00"
	defaultIssuerTimeout     = 10 * time.Second
	defaultKafkaTopic        = "wallet-events"
	defaultEventsChannel     = "wallet:events"
	defaultCardRequestRate   = 5
	idemTTLSecondsEnvVar     = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar         = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	JWTSecret      string
	MigrationsDir  string

	Currency          string
	PlatformAccountID string
	FundingThreshold  money.Money
	IssuerTimeout     time.Duration
	CardRequestRate   int

	Stripe           StripeConfig
	FakeIssuerSecret string

	KafkaBrokers  []string
	KafkaTopic    string
	EventsChannel string
}

// StripeConfig holds Stripe Issuing credentials. An empty SecretKey selects
// the in-process fake processor.
type StripeConfig struct {
	SecretKey         string
	WebhookSecret     string
	APIURL            string
	BillingLine1      string
	BillingCity       string
	BillingPostalCode string
	BillingCountry    string
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		ShutdownPeriod:    defaultShutdownDelay,
		IdempotencyTTL:    defaultIdempotencyTTL,
		JWTSecret:         os.Getenv("JWT_SECRET"),
		MigrationsDir:     os.Getenv("MIGRATIONS_DIR"),
		Currency:          strings.ToUpper(getEnv("CURRENCY", defaultCurrency)),
		PlatformAccountID: getEnv("PLATFORM_ACCOUNT_ID", defaultPlatformAccountID),
		IssuerTimeout:     defaultIssuerTimeout,
		CardRequestRate:   defaultCardRequestRate,
		Stripe: StripeConfig{
			SecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
			APIURL:            os.Getenv("STRIPE_API_URL"),
			BillingLine1:      os.Getenv("STRIPE_BILLING_LINE1"),
			BillingCity:       os.Getenv("STRIPE_BILLING_CITY"),
			BillingPostalCode: os.Getenv("STRIPE_BILLING_POSTAL_CODE"),
			BillingCountry:    os.Getenv("STRIPE_BILLING_COUNTRY"),
		},
		FakeIssuerSecret: os.Getenv("FAKE_ISSUER_WEBHOOK_SECRET"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		EventsChannel:    getEnv("EVENTS_CHANNEL", defaultEventsChannel),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.IssuerTimeout, err = durationEnv("", "ISSUER_TIMEOUT", cfg.IssuerTimeout); err != nil {
		return Config{}, err
	}

	threshold, err := money.Parse(getEnv("CARD_FUNDING_THRESHOLD", defaultFundingThreshold))
	if err != nil || !threshold.IsPositive() {
		return Config{}, fmt.Errorf("invalid CARD_FUNDING_THRESHOLD: must be a positive amount")
	}
	cfg.FundingThreshold = threshold

	if v := os.Getenv("CARD_REQUEST_RATE_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid CARD_REQUEST_RATE_PER_MIN: %q", v)
		}
		cfg.CardRequestRate = n
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set")
		}
		// outside development only Stripe may issue cards
		if cfg.Stripe.SecretKey == "" {
			return Config{}, fmt.Errorf("STRIPE_SECRET_KEY must be set")
		}
		if cfg.Stripe.WebhookSecret == "" {
			return Config{}, fmt.Errorf("STRIPE_WEBHOOK_SECRET must be set")
		}
		return cfg, nil
	}

	if cfg.Stripe.SecretKey != "" && cfg.Stripe.WebhookSecret == "" {
		return Config{}, fmt.Errorf("STRIPE_WEBHOOK_SECRET must be set with STRIPE_SECRET_KEY")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.FakeIssuerSecret == "" {
		cfg.FakeIssuerSecret = "whsec_dev"
	}

	return cfg, nil
}

// IsDev reports whether in-memory fallbacks are allowed.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// durationEnv reads whole seconds from secondsKey, falling back to a Go
// duration string in durationKey.
func durationEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
