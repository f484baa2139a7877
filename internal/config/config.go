// Package config loads the engine configuration from a YAML file with
// environment variable overrides for containerized deployments.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the trade engine.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Trading  Trading  `yaml:"trading"`
	Margin   Margin   `yaml:"margin"`
}

// Server holds the network listener configuration.
type Server struct {
	Port string `yaml:"port"`
}

// Database holds the PostgreSQL connection settings. An empty URL selects
// the in-memory store.
type Database struct {
	URL string `yaml:"url"`
}

// Redis holds the cache layer settings. An empty URL disables the cache.
type Redis struct {
	URL             string `yaml:"url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// Trading defines execution parameters. Rates are fractions, not percents.
type Trading struct {
	StartingCash          float64 `yaml:"starting_cash"`
	FeeRate               float64 `yaml:"fee_rate"`
	InitialMarginRate     float64 `yaml:"initial_margin_rate"`
	MaintenanceMarginRate float64 `yaml:"maintenance_margin_rate"`
	MaxStockPct           float64 `yaml:"max_stock_pct"`
	MaxCommodityPct       float64 `yaml:"max_commodity_pct"`
	MaxSectorPct          float64 `yaml:"max_sector_pct"`
}

// Margin defines the monitor thresholds. Levels are percentages.
type Margin struct {
	WarningLevel     float64 `yaml:"warning_level"`
	MaintenanceLevel float64 `yaml:"maintenance_level"`
	SuppressSeconds  int     `yaml:"suppress_seconds"`
}

// Default returns the standard competition configuration.
func Default() *Config {
	return &Config{
		Server: Server{Port: "8080"},
		Redis:  Redis{CacheTTLSeconds: 30},
		Trading: Trading{
			StartingCash:          500000,
			FeeRate:               0.001,
			InitialMarginRate:     0.25,
			MaintenanceMarginRate: 0.15,
			MaxStockPct:           0.20,
			MaxCommodityPct:       0.25,
			MaxSectorPct:          0.40,
		},
		Margin: Margin{
			WarningLevel:     18,
			MaintenanceLevel: 15,
			SuppressSeconds:  60,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing path loads defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
}
