package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:                    DefaultEnv,
		PredictorBackend:       "none",
		ModelFormat:            DefaultModelFormat,
		FraudVelocityThreshold: DefaultFraudVelocityThreshold,
		FraudVelocityWindow:    DefaultFraudVelocityWindow,
		FraudRuleTimeout:       DefaultFraudRuleTimeout,
		FraudBidPriceMultiple:  DefaultFraudBidPriceMultiple,
		RateLimitRPM:           DefaultRateLimit,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PREDICTOR_BACKEND", "")
	setEnv(t, "ENV", "")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultPredictorBackend, cfg.PredictorBackend)
	assert.Equal(t, DefaultFraudVelocityWindow, cfg.FraudVelocityWindow)
	assert.Equal(t, DefaultFraudRuleTimeout, cfg.FraudRuleTimeout)
	assert.Equal(t, DefaultKafkaTopicDecisions, cfg.KafkaTopicDecisions)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_PredictorSettings(t *testing.T) {
	setEnv(t, "PREDICTOR_BACKEND", "Tree")
	setEnv(t, "MODEL_PATH", "/models/xgb_v3.json")
	setEnv(t, "ENCODERS_PATH", "/models/encoders.json")
	setEnv(t, "MODEL_FORMAT", "LightGBM")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	setEnv(t, "FRAUD_VELOCITY_WINDOW", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tree", cfg.PredictorBackend)
	assert.Equal(t, "lightgbm", cfg.ModelFormat)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.FraudVelocityWindow)
}

func TestLoad_RemoteWithoutURL(t *testing.T) {
	setEnv(t, "PREDICTOR_BACKEND", "remote")
	setEnv(t, "PREDICTOR_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREDICTOR_URL is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {}, ""},
		{"remote with url", func(c *Config) { c.PredictorBackend = "remote"; c.PredictorURL = "http://ml:5000" }, ""},
		{"unknown backend", func(c *Config) { c.PredictorBackend = "torch" }, "PREDICTOR_BACKEND must be one of"},
		{"graph without model", func(c *Config) { c.PredictorBackend = "graph"; c.EncodersPath = "e.json" }, "MODEL_PATH is required"},
		{"tree without encoders", func(c *Config) { c.PredictorBackend = "tree"; c.ModelPath = "m.json" }, "ENCODERS_PATH is required"},
		{"tree with bad format", func(c *Config) {
			c.PredictorBackend = "tree"
			c.ModelPath = "m.json"
			c.EncodersPath = "e.json"
			c.ModelFormat = "catboost"
		}, "MODEL_FORMAT must be"},
		{"zero velocity threshold", func(c *Config) { c.FraudVelocityThreshold = 0 }, "FRAUD_VELOCITY_THRESHOLD"},
		{"zero rule timeout", func(c *Config) { c.FraudRuleTimeout = 0 }, "FRAUD_RULE_TIMEOUT"},
		{"price multiple too small", func(c *Config) { c.FraudBidPriceMultiple = 1 }, "FRAUD_BID_PRICE_MULTIPLE"},
		{"zero rate limit", func(c *Config) { c.RateLimitRPM = 0 }, "RATE_LIMIT_RPM"},
		{"production without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET is required"},
		{"production with admin secret", func(c *Config) { c.Env = "production"; c.AdminSecret = "s3cret" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvParsers(t *testing.T) {
	setEnv(t, "TEST_FLOAT", "2.5")
	setEnv(t, "TEST_DURATION", "250ms")
	setEnv(t, "TEST_BAD_DURATION", "5 minutes")
	setEnv(t, "TEST_LIST", " a ,b,,c ")
	setEnv(t, "TEST_EMPTY_LIST", " , ")

	assert.Equal(t, 2.5, getEnvFloat("TEST_FLOAT", 1))
	assert.Equal(t, 1.0, getEnvFloat("NONEXISTENT_VAR", 1))
	assert.Equal(t, 250*time.Millisecond, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DURATION", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("TEST_EMPTY_LIST", []string{"x"}))
}
