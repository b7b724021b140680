package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rxmarket_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if !cfg.IsDev() {
		t.Errorf("Env = %s, want development by default", cfg.Env)
	}
	if cfg.DBMaxConns != 20 || cfg.DBMinConns != 5 {
		t.Errorf("pool bounds = %d/%d, want 20/5", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.DeliveryTimeout != 15*time.Second {
		t.Errorf("DeliveryTimeout = %s, want 15s", cfg.DeliveryTimeout)
	}
	if cfg.AlertEvalInterval != time.Minute || cfg.AlertWindow != 15*time.Minute {
		t.Errorf("alert cadence = %s/%s, want 1m/15m", cfg.AlertEvalInterval, cfg.AlertWindow)
	}
	if cfg.OutboxBatchSize != 100 || cfg.OutboxPollInterval != 100*time.Millisecond {
		t.Errorf("outbox = %d/%s, want 100/100ms", cfg.OutboxBatchSize, cfg.OutboxPollInterval)
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without DATABASE_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db:5432/rx")
	t.Setenv("PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("CORS_ORIGINS", "https://app.example.com,https://admin.example.com")
	t.Setenv("DISPATCH_WORKERS", "8")
	t.Setenv("OUTBOX_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %s, want 9090", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "broker-2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.DispatchWorkers != 8 {
		t.Errorf("DispatchWorkers = %d, want 8", cfg.DispatchWorkers)
	}
	if cfg.OutboxPollInterval != 250*time.Millisecond {
		t.Errorf("OutboxPollInterval = %s, want 250ms", cfg.OutboxPollInterval)
	}
}

func TestProductionRequiresAPIKeys(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db:5432/rx")
	t.Setenv("ENV", "production")
	t.Setenv("API_KEYS", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error in production without API keys")
	}

	t.Setenv("API_KEYS", "sk-abc:user-1, sk-def:user-2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction should be true")
	}
	if cfg.APIKeys["sk-abc"] != "user-1" || cfg.APIKeys["sk-def"] != "user-2" {
		t.Errorf("APIKeys = %v", cfg.APIKeys)
	}
}

func TestParseAPIKeysSkipsMalformed(t *testing.T) {
	keys := parseAPIKeys("good:u1,,:missing-key,missing-user:,also-good:u2")
	if len(keys) != 2 {
		t.Fatalf("keys = %v, want the two well-formed pairs", keys)
	}
	if keys["good"] != "u1" || keys["also-good"] != "u2" {
		t.Errorf("keys = %v", keys)
	}
}
