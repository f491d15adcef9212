// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Shared velocity window (optional, per-process window if not set)

	// Event bus
	KafkaBrokers        []string
	KafkaTopicDecisions string
	KafkaTopicAlerts    string
	EventQueueSize      int

	// Tracing
	OTLPEndpoint string

	// Prediction backend
	PredictorBackend string // "none", "remote", "tree", "graph"
	PredictorURL     string
	ModelPath        string
	ModelFormat      string // "xgboost" or "lightgbm"
	EncodersPath     string
	ONNXLibraryPath  string

	// Fraud screening
	FraudVelocityThreshold int
	FraudVelocityWindow    time.Duration
	FraudRuleTimeout       time.Duration
	FraudAlertCooldown     time.Duration
	FraudBidPriceMultiple  float64

	// Bidding
	BatchConcurrency   int
	RateStreamInterval time.Duration
	OpenRTBSeat        string
	OpenRTBCampaign    string // used when an impression names no campaign

	// Security
	RateLimitRPM int
	CORSOrigins  []string
	AdminSecret  string // guards model reload
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultKafkaTopicDecisions    = "bid-decisions"
	DefaultKafkaTopicAlerts       = "fraud-alerts"
	DefaultEventQueueSize         = 1024
	DefaultPredictorBackend       = "none"
	DefaultModelFormat            = "xgboost"
	DefaultFraudVelocityThreshold = 10
	DefaultFraudVelocityWindow    = time.Minute
	DefaultFraudRuleTimeout       = 50 * time.Millisecond
	DefaultFraudAlertCooldown     = 10 * time.Minute
	DefaultFraudBidPriceMultiple  = 10.0
	DefaultBatchConcurrency       = 16
	DefaultRateStreamInterval     = 5 * time.Second
	DefaultOpenRTBSeat            = "bidengine"
	DefaultRateLimit              = 600
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		KafkaBrokers:           getEnvList("KAFKA_BROKERS", nil),
		KafkaTopicDecisions:    getEnv("KAFKA_TOPIC_DECISIONS", DefaultKafkaTopicDecisions),
		KafkaTopicAlerts:       getEnv("KAFKA_TOPIC_ALERTS", DefaultKafkaTopicAlerts),
		EventQueueSize:         int(getEnvInt64("EVENT_QUEUE_SIZE", DefaultEventQueueSize)),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		PredictorBackend:       strings.ToLower(getEnv("PREDICTOR_BACKEND", DefaultPredictorBackend)),
		PredictorURL:           os.Getenv("PREDICTOR_URL"),
		ModelPath:              os.Getenv("MODEL_PATH"),
		ModelFormat:            strings.ToLower(getEnv("MODEL_FORMAT", DefaultModelFormat)),
		EncodersPath:           os.Getenv("ENCODERS_PATH"),
		ONNXLibraryPath:        os.Getenv("ONNX_LIBRARY_PATH"),
		FraudVelocityThreshold: int(getEnvInt64("FRAUD_VELOCITY_THRESHOLD", DefaultFraudVelocityThreshold)),
		FraudVelocityWindow:    getEnvDuration("FRAUD_VELOCITY_WINDOW", DefaultFraudVelocityWindow),
		FraudRuleTimeout:       getEnvDuration("FRAUD_RULE_TIMEOUT", DefaultFraudRuleTimeout),
		FraudAlertCooldown:     getEnvDuration("FRAUD_ALERT_COOLDOWN", DefaultFraudAlertCooldown),
		FraudBidPriceMultiple:  getEnvFloat("FRAUD_BID_PRICE_MULTIPLE", DefaultFraudBidPriceMultiple),
		BatchConcurrency:       int(getEnvInt64("BATCH_CONCURRENCY", DefaultBatchConcurrency)),
		RateStreamInterval:     getEnvDuration("RATE_STREAM_INTERVAL", DefaultRateStreamInterval),
		OpenRTBSeat:            getEnv("OPENRTB_SEAT", DefaultOpenRTBSeat),
		OpenRTBCampaign:        os.Getenv("OPENRTB_DEFAULT_CAMPAIGN"),
		RateLimitRPM:           int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		CORSOrigins:            getEnvList("CORS_ORIGINS", []string{"*"}),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.PredictorBackend {
	case "none":
	case "remote":
		if c.PredictorURL == "" {
			return fmt.Errorf("PREDICTOR_URL is required for the remote backend")
		}
	case "tree", "graph":
		if c.ModelPath == "" {
			return fmt.Errorf("MODEL_PATH is required for the %s backend", c.PredictorBackend)
		}
		if c.EncodersPath == "" {
			return fmt.Errorf("ENCODERS_PATH is required for the %s backend", c.PredictorBackend)
		}
	default:
		return fmt.Errorf("PREDICTOR_BACKEND must be one of none, remote, tree, graph (got %q)", c.PredictorBackend)
	}

	if c.PredictorBackend == "tree" && c.ModelFormat != "xgboost" && c.ModelFormat != "lightgbm" {
		return fmt.Errorf("MODEL_FORMAT must be xgboost or lightgbm (got %q)", c.ModelFormat)
	}

	if c.FraudVelocityThreshold <= 0 {
		return fmt.Errorf("FRAUD_VELOCITY_THRESHOLD must be positive")
	}
	if c.FraudVelocityWindow <= 0 || c.FraudRuleTimeout <= 0 {
		return fmt.Errorf("FRAUD_VELOCITY_WINDOW and FRAUD_RULE_TIMEOUT must be positive durations")
	}
	if c.FraudBidPriceMultiple <= 1 {
		return fmt.Errorf("FRAUD_BID_PRICE_MULTIPLE must be greater than 1")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration strings ("90s", "5m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
