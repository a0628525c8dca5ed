/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables, with an
 * optional .env file for local development.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the flowsure-backend.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                  string `mapstructure:"SERVER_PORT"`
	DatabaseURL                 string `mapstructure:"DATABASE_URL"`
	RedisURL                    string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix        string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                 string `mapstructure:"RABBITMQ_URL"`
	ActionEventExchange         string `mapstructure:"ACTION_EVENT_EXCHANGE"`
	FlowGatewayURL              string `mapstructure:"FLOW_GATEWAY_URL"`
	FlowGatewayAPIKey           string `mapstructure:"FLOW_GATEWAY_API_KEY"`
	RecipientListServiceURL     string `mapstructure:"RECIPIENT_LIST_SERVICE_URL"`
	SessionJWTSecret            string `mapstructure:"SESSION_JWT_SECRET"`
	TransferDispatchJobSchedule string `mapstructure:"TRANSFER_DISPATCH_JOB_SCHEDULE"`
	ActionAttemptJobSchedule    string `mapstructure:"ACTION_ATTEMPT_JOB_SCHEDULE"`
	CompensationJobSchedule     string `mapstructure:"COMPENSATION_JOB_SCHEDULE"`
	RetryBackoffBaseSeconds     int    `mapstructure:"RETRY_BACKOFF_BASE_SECONDS"`
	RetryBackoffCapSeconds      int    `mapstructure:"RETRY_BACKOFF_CAP_SECONDS"`
	AttemptClaimTTLSeconds      int    `mapstructure:"ATTEMPT_CLAIM_TTL_SECONDS"`
	CompensationAmount          int64  `mapstructure:"COMPENSATION_AMOUNT"`
	EstimateHorizonCapDays      int    `mapstructure:"ESTIMATE_HORIZON_CAP_DAYS"`
	TransferBatchSize           int    `mapstructure:"TRANSFER_BATCH_SIZE"`
	AttemptBatchSize            int    `mapstructure:"ATTEMPT_BATCH_SIZE"`
	MaxConcurrentAttempts       int    `mapstructure:"MAX_CONCURRENT_ATTEMPTS"`
	MaxInFlightPerUser          int    `mapstructure:"MAX_IN_FLIGHT_PER_USER"`
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
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "flowsure:rate_limit")
	viper.SetDefault("ACTION_EVENT_EXCHANGE", "flowsure.action_events")
	viper.SetDefault("TRANSFER_DISPATCH_JOB_SCHEDULE", "* * * * *")  // Every minute.
	viper.SetDefault("ACTION_ATTEMPT_JOB_SCHEDULE", "* * * * *")     // Every minute.
	viper.SetDefault("COMPENSATION_JOB_SCHEDULE", "*/5 * * * *")     // Every five minutes.
	viper.SetDefault("RETRY_BACKOFF_BASE_SECONDS", 30)
	viper.SetDefault("RETRY_BACKOFF_CAP_SECONDS", 3600)
	viper.SetDefault("ATTEMPT_CLAIM_TTL_SECONDS", 300)
	viper.SetDefault("COMPENSATION_AMOUNT", 1000000000) // 10 FLOW in 1e-8 units.
	viper.SetDefault("ESTIMATE_HORIZON_CAP_DAYS", 365)
	viper.SetDefault("TRANSFER_BATCH_SIZE", 100)
	viper.SetDefault("ATTEMPT_BATCH_SIZE", 200)
	viper.SetDefault("MAX_CONCURRENT_ATTEMPTS", 16)
	viper.SetDefault("MAX_IN_FLIGHT_PER_USER", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "FLOWSURE_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("ACTION_EVENT_EXCHANGE")
	_ = viper.BindEnv("FLOW_GATEWAY_URL")
	_ = viper.BindEnv("FLOW_GATEWAY_API_KEY")
	_ = viper.BindEnv("RECIPIENT_LIST_SERVICE_URL")
	_ = viper.BindEnv("SESSION_JWT_SECRET")
	_ = viper.BindEnv("TRANSFER_DISPATCH_JOB_SCHEDULE")
	_ = viper.BindEnv("ACTION_ATTEMPT_JOB_SCHEDULE")
	_ = viper.BindEnv("COMPENSATION_JOB_SCHEDULE")
	_ = viper.BindEnv("RETRY_BACKOFF_BASE_SECONDS")
	_ = viper.BindEnv("RETRY_BACKOFF_CAP_SECONDS")
	_ = viper.BindEnv("ATTEMPT_CLAIM_TTL_SECONDS")
	_ = viper.BindEnv("COMPENSATION_AMOUNT")
	_ = viper.BindEnv("COMPENSATION_AMOUNT_FLOW")
	_ = viper.BindEnv("ESTIMATE_HORIZON_CAP_DAYS")
	_ = viper.BindEnv("TRANSFER_BATCH_SIZE")
	_ = viper.BindEnv("ATTEMPT_BATCH_SIZE")
	_ = viper.BindEnv("MAX_CONCURRENT_ATTEMPTS")
	_ = viper.BindEnv("MAX_IN_FLIGHT_PER_USER")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "flowsure:rate_limit"
	}

	// Allow specifying the compensation payout in whole FLOW via
	// COMPENSATION_AMOUNT_FLOW.
	if viper.IsSet("COMPENSATION_AMOUNT_FLOW") {
		amountStr := strings.TrimSpace(viper.GetString("COMPENSATION_AMOUNT_FLOW"))
		if amountStr != "" {
			amountValue, parseErr := strconv.ParseFloat(amountStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid COMPENSATION_AMOUNT_FLOW\" value=%q err=%v", amountStr, parseErr)
			} else {
				config.CompensationAmount = int64(math.Round(amountValue * 1e8))
			}
		}
	}

	if config.CompensationAmount < 0 {
		log.Printf("level=warn component=config msg=\"negative compensation amount configured; coercing to zero\" amount=%d", config.CompensationAmount)
		config.CompensationAmount = 0
	}

	if config.RetryBackoffBaseSeconds <= 0 {
		config.RetryBackoffBaseSeconds = 30
	}
	if config.RetryBackoffCapSeconds <= 0 {
		config.RetryBackoffCapSeconds = 3600
	}
	if config.AttemptClaimTTLSeconds <= 0 {
		config.AttemptClaimTTLSeconds = 300
	}
	if config.EstimateHorizonCapDays <= 0 {
		config.EstimateHorizonCapDays = 365
	}
	if config.TransferBatchSize <= 0 {
		config.TransferBatchSize = 100
	}
	if config.AttemptBatchSize <= 0 {
		config.AttemptBatchSize = 200
	}
	if config.MaxConcurrentAttempts <= 0 {
		config.MaxConcurrentAttempts = 16
	}
	if config.MaxInFlightPerUser <= 0 {
		config.MaxInFlightPerUser = 10
	}

	return
}
