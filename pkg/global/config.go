package global

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	PaymentProviderStripe = "stripe"
	PaymentProviderMock   = "mock"
)

type MongoConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	Address    string
	Password   string
	ProductTTL time.Duration
}

type PaymentConfig struct {
	Provider      string
	SecretKey     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

type CheckoutConfig struct {
	ShippingFlatRate   decimal.Decimal
	SnapshotSigningKey string
	SettlementLease    time.Duration
	SettlementTimeout  time.Duration
}

type AuthConfig struct {
	JWTSecret  string
	Issuer     string
	AdminEmail string
}

type KafkaConfig struct {
	Brokers    []string
	OrderTopic string
}

type LogConfig struct {
	Level  string
	Format string
}

// Config is read once at startup from the environment (after .env is loaded)
type Config struct {
	Env            string
	Port           string
	AllowedOrigins []string
	Mongo          MongoConfig
	Redis          RedisConfig
	Payment        PaymentConfig
	Checkout       CheckoutConfig
	Auth           AuthConfig
	Kafka          KafkaConfig
	Log            LogConfig
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Env:  GetEnvOrDefault("ENV", "development"),
		Port: GetEnvOrDefault("PORT", "8000"),
		AllowedOrigins: GetListOrDefault("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),
		Log: LogConfig{
			Level:  GetEnvOrDefault("LOG_LEVEL", "info"),
			Format: GetEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	var err error

	// Mongo
	if cfg.Mongo.URI, err = GetRequiredEnv("MONGODB_URI"); err != nil {
		return nil, err
	}
	cfg.Mongo.Database = GetEnvOrDefault("MONGODB_DATABASE", "storefront")
	if cfg.Mongo.Timeout, err = GetDurationOrDefault("DB_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	// Redis
	cfg.Redis.Address = GetEnvOrDefault("REDIS_ADDRESS", "localhost:6379")
	cfg.Redis.Password = GetEnvOrDefault("REDIS_PASSWORD", "")
	if cfg.Redis.ProductTTL, err = GetDurationOrDefault("PRODUCT_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}

	// Payment processor
	cfg.Payment.Provider = strings.ToLower(GetEnvOrDefault("PAYMENT_PROVIDER", PaymentProviderStripe))
	cfg.Payment.Currency = strings.ToLower(GetEnvOrDefault("PAYMENT_CURRENCY", "usd"))
	cfg.Payment.SecretKey = GetEnvOrDefault("STRIPE_SECRET_KEY", "")
	if cfg.Payment.WebhookSecret, err = GetRequiredEnv("STRIPE_WEBHOOK_SECRET"); err != nil {
		return nil, err
	}
	if cfg.Payment.Timeout, err = GetDurationOrDefault("PROCESSOR_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	switch cfg.Payment.Provider {
	case PaymentProviderStripe:
		if cfg.Payment.SecretKey == "" {
			return nil, errors.New("STRIPE_SECRET_KEY is required when PAYMENT_PROVIDER=stripe")
		}
	case PaymentProviderMock:
	default:
		return nil, errors.Errorf("unknown PAYMENT_PROVIDER %q", cfg.Payment.Provider)
	}

	// Checkout and settlement
	if cfg.Checkout.ShippingFlatRate, err = GetDecimalOrDefault("SHIPPING_FLAT_RATE", decimal.NewFromInt(10)); err != nil {
		return nil, err
	}
	if cfg.Checkout.SnapshotSigningKey, err = GetRequiredEnv("SNAPSHOT_SIGNING_KEY"); err != nil {
		return nil, err
	}
	if cfg.Checkout.SettlementLease, err = GetDurationOrDefault("SETTLEMENT_LEASE", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Checkout.SettlementTimeout, err = GetDurationOrDefault("SETTLEMENT_TIMEOUT", 20*time.Second); err != nil {
		return nil, err
	}
	// A delivery must give up before its lease can pass to a redelivery
	if cfg.Checkout.SettlementTimeout >= cfg.Checkout.SettlementLease {
		return nil, errors.Errorf("SETTLEMENT_TIMEOUT %s must be shorter than SETTLEMENT_LEASE %s",
			cfg.Checkout.SettlementTimeout, cfg.Checkout.SettlementLease)
	}

	// Identity provider
	if cfg.Auth.JWTSecret, err = GetRequiredEnv("AUTH_JWT_SECRET"); err != nil {
		return nil, err
	}
	cfg.Auth.Issuer = GetEnvOrDefault("AUTH_JWT_ISSUER", "")
	cfg.Auth.AdminEmail = strings.ToLower(GetEnvOrDefault("ADMIN_EMAIL", ""))

	// Kafka is optional; no brokers disables event publishing
	cfg.Kafka.Brokers = GetListOrDefault("KAFKA_BROKERS", nil)
	cfg.Kafka.OrderTopic = GetEnvOrDefault("KAFKA_ORDER_TOPIC", "storefront.orders")

	return cfg, nil
}
