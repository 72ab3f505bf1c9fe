// Package config loads process configuration from RECORDSTORE_*
// environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/openclin/recordstore/internal/db"
	"github.com/openclin/recordstore/internal/jobs"
	"github.com/openclin/recordstore/internal/poolmon"
	"github.com/openclin/recordstore/internal/validation"
)

// Config is the top-level process configuration.
type Config struct {
	ListenAddr string
	DB         *db.Config
	Cache      *validation.CacheConfig
	Jobs       *jobs.Config
	PoolMon    *poolmon.Config
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		DB:         db.DefaultConfig(),
		Cache:      validation.DefaultCacheConfig(),
		Jobs:       jobs.DefaultConfig(),
		PoolMon:    poolmon.DefaultConfig(),
	}
}

// FromEnv loads configuration from the environment on top of defaults.
func FromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("RECORDSTORE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RECORDSTORE_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("RECORDSTORE_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DB.MaxOpenConns = n
		}
	}
	if v := os.Getenv("RECORDSTORE_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.DB.MaxIdleConns = n
		}
	}
	if v := os.Getenv("RECORDSTORE_DB_LOG_QUERIES"); v != "" {
		cfg.DB.LogQueries, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("RECORDSTORE_CACHE_CAPACITY_PER_TYPE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.CapacityPerType = n
		}
	}
	if v := os.Getenv("RECORDSTORE_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Cache.TTL = time.Duration(n) * time.Second
		}
	}

	cfg.Jobs = jobs.ConfigFromEnv()
	cfg.PoolMon = poolmon.ConfigFromEnv()
	return cfg
}
