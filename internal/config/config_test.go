package config

import "testing"

func TestLoadDefaultsWhenEnvUnset(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	if cfg.BrokerURL != "ws://127.0.0.1:7000/broker" {
		t.Errorf("unexpected default BrokerURL: %q", cfg.BrokerURL)
	}
	if cfg.Pool.FreeWorkers != 4 {
		t.Errorf("unexpected default FreeWorkers: %d", cfg.Pool.FreeWorkers)
	}
	if cfg.NoReuseWorkers {
		t.Error("expected NoReuseWorkers to default false")
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_URL", "ws://example.test/broker")
	t.Setenv("POOL_FREE_WORKERS", "9")
	t.Setenv("NO_REUSE_WORKERS", "true")
	t.Setenv("REDIS_DATABASE", "3")

	cfg := Load()
	if cfg.BrokerURL != "ws://example.test/broker" {
		t.Errorf("expected overridden BrokerURL, got %q", cfg.BrokerURL)
	}
	if cfg.Pool.FreeWorkers != 9 {
		t.Errorf("expected overridden FreeWorkers, got %d", cfg.Pool.FreeWorkers)
	}
	if !cfg.NoReuseWorkers {
		t.Error("expected NoReuseWorkers to be true")
	}
	if cfg.Redis.Database != 3 {
		t.Errorf("expected overridden Redis.Database, got %d", cfg.Redis.Database)
	}
}

func TestLoadFallsBackOnUnparseableInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("POOL_BASIC_WORKERS", "not-a-number")

	cfg := Load()
	if cfg.Pool.BasicWorkers != 2 {
		t.Errorf("expected fallback default for an unparseable int, got %d", cfg.Pool.BasicWorkers)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BROKER_URL", "SQLITE_PATH", "ADMIN_ADDR",
		"REDIS_ADDRESS", "REDIS_PASSWORD", "REDIS_DATABASE", "REDIS_PREFIX",
		"NATS_ADDRESS", "NATS_CHANNEL", "NATS_CLUSTER", "NATS_CLIENT",
		"POOL_FREE_WORKERS", "POOL_BASIC_WORKERS", "POOL_PREMIUM_WORKERS",
		"NO_REUSE_WORKERS",
	} {
		t.Setenv(key, "")
	}
}
