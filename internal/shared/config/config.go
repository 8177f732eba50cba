package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Credit   CreditConfig   `mapstructure:"credit"`
	Fx       FxConfig       `mapstructure:"fx"`
	Payment  PaymentConfig  `mapstructure:"payment"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	CronSecret string `mapstructure:"cron_secret"`
}

// CreditConfig holds credit accounting configuration.
// Amounts are in KES; balances are whole days of access.
type CreditConfig struct {
	DailyRateKES    float64 `mapstructure:"daily_rate_kes"`
	FreeTrialDays   int     `mapstructure:"free_trial_days"`
	MonthlyCapKES   float64 `mapstructure:"monthly_cap_kes"`
	MaxPrepayMonths int     `mapstructure:"max_prepay_months"`
	MinPaymentKES   float64 `mapstructure:"min_payment_kes"`
}

// FxConfig holds exchange rate configuration.
type FxConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	FallbackRate float64       `mapstructure:"fallback_rate"`
}

// PaymentConfig holds payment provider configuration.
type PaymentConfig struct {
	// CallbackBaseURL is the public base URL webhooks are delivered to.
	CallbackBaseURL   string            `mapstructure:"callback_base_url"`
	AllowTestPayments bool              `mapstructure:"allow_test_payments"`
	Mpesa             MpesaConfig       `mapstructure:"mpesa"`
	Pesapal           PesapalConfig     `mapstructure:"pesapal"`
	Cybersource       CybersourceConfig `mapstructure:"cybersource"`
	Stripe            StripeConfig      `mapstructure:"stripe"`
	GooglePay         GooglePayConfig   `mapstructure:"google_pay"`
}

// MpesaConfig holds Daraja API configuration.
type MpesaConfig struct {
	Environment    string `mapstructure:"environment"` // sandbox, production
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	Shortcode      string `mapstructure:"shortcode"`
	Passkey        string `mapstructure:"passkey"`
}

// PesapalConfig holds PesaPal API v3 configuration.
type PesapalConfig struct {
	Environment    string `mapstructure:"environment"` // sandbox, production
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	CallbackURL    string `mapstructure:"callback_url"`
}

// CybersourceConfig holds CyberSource REST API configuration.
type CybersourceConfig struct {
	Environment   string `mapstructure:"environment"` // sandbox, production
	MerchantID    string `mapstructure:"merchant_id"`
	APIKeyID      string `mapstructure:"api_key_id"`
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	TargetOrigin  string `mapstructure:"target_origin"`
}

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// GooglePayConfig holds Google Pay configuration.
// Google Pay tokens are charged through one of the card processors.
type GooglePayConfig struct {
	Processor string `mapstructure:"processor"` // cybersource, stripe
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/kilekitabu")

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	// Read from environment variables
	v.SetEnvPrefix("KILEKITABU")
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	if secret := os.Getenv("KILEKITABU_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if secret := os.Getenv("KILEKITABU_CRON_SECRET"); secret != "" {
		cfg.Auth.CronSecret = secret
	}
	if password := os.Getenv("KILEKITABU_DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}
	if password := os.Getenv("KILEKITABU_REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if secret := os.Getenv("KILEKITABU_MPESA_CONSUMER_SECRET"); secret != "" {
		cfg.Payment.Mpesa.ConsumerSecret = secret
	}
	if secret := os.Getenv("KILEKITABU_PESAPAL_CONSUMER_SECRET"); secret != "" {
		cfg.Payment.Pesapal.ConsumerSecret = secret
	}
	if secret := os.Getenv("KILEKITABU_CYBERSOURCE_SECRET_KEY"); secret != "" {
		cfg.Payment.Cybersource.SecretKey = secret
	}
	if key := os.Getenv("KILEKITABU_STRIPE_API_KEY"); key != "" {
		cfg.Payment.Stripe.APIKey = key
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "kilekitabu")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Credit defaults
	v.SetDefault("credit.daily_rate_kes", 5.0)
	v.SetDefault("credit.free_trial_days", 7)
	v.SetDefault("credit.monthly_cap_kes", 150.0)
	v.SetDefault("credit.max_prepay_months", 12)
	v.SetDefault("credit.min_payment_kes", 10.0)

	// Exchange rate defaults
	v.SetDefault("fx.cache_ttl", time.Hour)
	v.SetDefault("fx.fallback_rate", 130.0)

	// Payment defaults
	v.SetDefault("payment.allow_test_payments", false)
	v.SetDefault("payment.mpesa.environment", "sandbox")
	v.SetDefault("payment.pesapal.environment", "sandbox")
	v.SetDefault("payment.cybersource.environment", "sandbox")
	v.SetDefault("payment.google_pay.processor", "cybersource")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
