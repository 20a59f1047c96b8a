// Package config loads the scheduler/worker processes' Configuration: a
// nested, json-tagged struct per subsystem, overlaid from a .env file
// then process environment, matching the teacher's gateway/manager.go
// Configuration shape (nested Redis/Nats sub-structs) and the pack's
// godotenv.Load()-before-flag-parsing convention.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// RedisConfig mirrors gateway/manager.go's Configuration.Redis.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	Database int    `json:"database"`
	Prefix   string `json:"prefix"`
}

// NatsConfig mirrors gateway/manager.go's Configuration.Nats.
type NatsConfig struct {
	Address   string `json:"address"`
	Channel   string `json:"channel"`
	ClusterID string `json:"cluster"`
	ClientID  string `json:"client"`
}

// PoolConfig describes the worker pool's premium-tier partitioning.
type PoolConfig struct {
	FreeWorkers    int `json:"free_workers"`
	BasicWorkers   int `json:"basic_workers"`
	PremiumWorkers int `json:"premium_workers"`
}

// Configuration is the top-level process config loaded by cmd/scheduler;
// cmd/worker takes its settings from command-line flags instead.
type Configuration struct {
	BrokerURL  string `json:"broker_url"`
	SqlitePath string `json:"sqlite_path"`
	AdminAddr  string `json:"admin_addr"`

	Redis RedisConfig `json:"redis"`
	Nats  NatsConfig  `json:"nats"`
	Pool  PoolConfig  `json:"pool"`

	NoReuseWorkers bool `json:"no_reuse_workers"`
}

// Load reads a .env file (if present; godotenv.Load never overwrites an
// already-set env var) and then populates Configuration from the
// process environment.
func Load() Configuration {
	_ = godotenv.Load()

	return Configuration{
		BrokerURL:  getenv("BROKER_URL", "ws://127.0.0.1:7000/broker"),
		SqlitePath: getenv("SQLITE_PATH", "guildscheduler.db"),
		AdminAddr:  getenv("ADMIN_ADDR", "127.0.0.1:7010"),
		Redis: RedisConfig{
			Address:  getenv("REDIS_ADDRESS", "127.0.0.1:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			Database: getenvInt("REDIS_DATABASE", 0),
			Prefix:   getenv("REDIS_PREFIX", "guildscheduler"),
		},
		Nats: NatsConfig{
			Address:   getenv("NATS_ADDRESS", "nats://127.0.0.1:4222"),
			Channel:   getenv("NATS_CHANNEL", "guildscheduler"),
			ClusterID: getenv("NATS_CLUSTER", "guildscheduler-cluster"),
			ClientID:  getenv("NATS_CLIENT", "guildscheduler-scheduler"),
		},
		Pool: PoolConfig{
			FreeWorkers:    getenvInt("POOL_FREE_WORKERS", 4),
			BasicWorkers:   getenvInt("POOL_BASIC_WORKERS", 2),
			PremiumWorkers: getenvInt("POOL_PREMIUM_WORKERS", 1),
		},
		NoReuseWorkers: getenvBool("NO_REUSE_WORKERS", false),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
