// Package config loads environment-first configuration shared by the
// marketplace binaries.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`

	OTLPEndpoint string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSample  float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	// APIKeys maps api key -> user id; the middleware resolves the actor
	// from the directory. Format: key1:user1,key2:user2
	APIKeys map[string]string `mapstructure:"-"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	EmailBridgeURL string        `mapstructure:"EMAIL_BRIDGE_URL"`
	EmailBridgeKey string        `mapstructure:"EMAIL_BRIDGE_KEY"`
	SMSBridgeURL   string        `mapstructure:"SMS_BRIDGE_URL"`
	SMSBridgeKey   string        `mapstructure:"SMS_BRIDGE_KEY"`
	BridgeTimeout  time.Duration `mapstructure:"BRIDGE_TIMEOUT"`

	DispatchWorkers int           `mapstructure:"DISPATCH_WORKERS"`
	DeliveryTimeout time.Duration `mapstructure:"DELIVERY_TIMEOUT"`

	NotifyStoreWait time.Duration `mapstructure:"NOTIFY_STORE_WAIT"`

	AlertEvalInterval time.Duration `mapstructure:"ALERT_EVAL_INTERVAL"`
	AlertWindow       time.Duration `mapstructure:"ALERT_WINDOW"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BRIDGE_TIMEOUT", "10s")
	v.SetDefault("DISPATCH_WORKERS", 50)
	v.SetDefault("DELIVERY_TIMEOUT", "15s")
	v.SetDefault("NOTIFY_STORE_WAIT", "30s")
	v.SetDefault("ALERT_EVAL_INTERVAL", "1m")
	v.SetDefault("ALERT_WINDOW", "15m")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"KAFKA_BROKERS", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "API_KEYS",
		"CORS_ORIGINS", "EMAIL_BRIDGE_URL", "EMAIL_BRIDGE_KEY",
		"SMS_BRIDGE_URL", "SMS_BRIDGE_KEY", "BRIDGE_TIMEOUT",
		"DISPATCH_WORKERS", "DELIVERY_TIMEOUT", "NOTIFY_STORE_WAIT",
		"ALERT_EVAL_INTERVAL", "ALERT_WINDOW",
		"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.KafkaBrokers == nil {
		if brokers := v.GetString("KAFKA_BROKERS"); brokers != "" {
			cfg.KafkaBrokers = strings.Split(brokers, ",")
		}
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.APIKeys = parseAPIKeys(v.GetString("API_KEYS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.IsProduction() && len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("API_KEYS is required in production")
	}

	return cfg, nil
}

// parseAPIKeys parses "key:userID,key:userID" pairs.
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, userID, ok := strings.Cut(pair, ":")
		if !ok || key == "" || userID == "" {
			continue
		}
		keys[key] = userID
	}
	return keys
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
