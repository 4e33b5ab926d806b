/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the entitlement service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`

	MpesaAPIKey              string `mapstructure:"MPESA_API_KEY"`
	MpesaPublicKey           string `mapstructure:"MPESA_PUBLIC_KEY"`
	MpesaServiceProviderCode string `mapstructure:"MPESA_SERVICE_PROVIDER_CODE"`
	MpesaAddress             string `mapstructure:"MPESA_ADDRESS"`
	MpesaEnvironment         string `mapstructure:"MPESA_ENVIRONMENT"`
	MpesaCountry             string `mapstructure:"MPESA_COUNTRY"`
	MpesaCurrency            string `mapstructure:"MPESA_CURRENCY"`

	DefaultCountryCode                string `mapstructure:"DEFAULT_COUNTRY_CODE"`
	RateLimitWindowSeconds            int    `mapstructure:"RATE_LIMIT_WINDOW_SECONDS"`
	RateLimitMaxRequests              int    `mapstructure:"RATE_LIMIT_MAX_REQUESTS"`
	PaymentTimeoutMinutes             int    `mapstructure:"PAYMENT_TIMEOUT_MINUTES"`
	PendingSubscriptionTimeoutMinutes int    `mapstructure:"PENDING_SUBSCRIPTION_TIMEOUT_MINUTES"`
	ReaperIntervalMinutes             int    `mapstructure:"REAPER_INTERVAL_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "entitlement:rate_limit")
	viper.SetDefault("DEFAULT_COUNTRY_CODE", "255")
	viper.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 3600)
	viper.SetDefault("RATE_LIMIT_MAX_REQUESTS", 10)
	viper.SetDefault("PAYMENT_TIMEOUT_MINUTES", 30)
	viper.SetDefault("PENDING_SUBSCRIPTION_TIMEOUT_MINUTES", 60)
	viper.SetDefault("REAPER_INTERVAL_MINUTES", 5)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ENTITLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET", "JWT_SECRET", "JWT_SECRET_KEY")
	_ = viper.BindEnv("MPESA_API_KEY")
	_ = viper.BindEnv("MPESA_PUBLIC_KEY")
	_ = viper.BindEnv("MPESA_SERVICE_PROVIDER_CODE")
	_ = viper.BindEnv("MPESA_ADDRESS")
	_ = viper.BindEnv("MPESA_ENVIRONMENT")
	_ = viper.BindEnv("MPESA_COUNTRY")
	_ = viper.BindEnv("MPESA_CURRENCY")
	_ = viper.BindEnv("DEFAULT_COUNTRY_CODE")
	_ = viper.BindEnv("RATE_LIMIT_WINDOW_SECONDS")
	_ = viper.BindEnv("RATE_LIMIT_MAX_REQUESTS")
	_ = viper.BindEnv("PAYMENT_TIMEOUT_MINUTES")
	_ = viper.BindEnv("PENDING_SUBSCRIPTION_TIMEOUT_MINUTES")
	_ = viper.BindEnv("REAPER_INTERVAL_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// PORT (set by most PaaS providers) wins over SERVER_PORT.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "entitlement:rate_limit"
	}

	if config.RateLimitWindowSeconds <= 0 {
		config.RateLimitWindowSeconds = 3600
	}
	if config.RateLimitMaxRequests <= 0 {
		config.RateLimitMaxRequests = 10
	}
	if config.PaymentTimeoutMinutes <= 0 {
		config.PaymentTimeoutMinutes = 30
	}
	if config.PendingSubscriptionTimeoutMinutes <= 0 {
		config.PendingSubscriptionTimeoutMinutes = 60
	}
	if config.ReaperIntervalMinutes <= 0 {
		config.ReaperIntervalMinutes = 5
	}
	if strings.TrimSpace(config.DefaultCountryCode) == "" {
		config.DefaultCountryCode = "255"
	}

	return
}
