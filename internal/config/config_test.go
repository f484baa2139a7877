package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Trading.StartingCash != 500000 {
		t.Errorf("expected starting cash 500000, got %v", cfg.Trading.StartingCash)
	}
	if cfg.Trading.FeeRate != 0.001 {
		t.Errorf("expected fee rate 0.001, got %v", cfg.Trading.FeeRate)
	}
	if cfg.Margin.WarningLevel != 18 || cfg.Margin.MaintenanceLevel != 15 {
		t.Errorf("unexpected margin levels: %v / %v", cfg.Margin.WarningLevel, cfg.Margin.MaintenanceLevel)
	}
	if cfg.Margin.SuppressSeconds != 60 {
		t.Errorf("expected suppress window 60s, got %d", cfg.Margin.SuppressSeconds)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: "9090"
database:
  url: "postgres://localhost/arena"
trading:
  starting_cash: 100000
margin:
  suppress_seconds: 120
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://localhost/arena" {
		t.Errorf("unexpected database url: %s", cfg.Database.URL)
	}
	if cfg.Trading.StartingCash != 100000 {
		t.Errorf("expected starting cash 100000, got %v", cfg.Trading.StartingCash)
	}
	// Untouched fields keep their defaults.
	if cfg.Trading.FeeRate != 0.001 {
		t.Errorf("expected default fee rate, got %v", cfg.Trading.FeeRate)
	}
	if cfg.Margin.SuppressSeconds != 120 {
		t.Errorf("expected suppress window 120s, got %d", cfg.Margin.SuppressSeconds)
	}
}

func TestLoad_MissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://db/override")
	t.Setenv("REDIS_URL", "redis://cache:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("expected env port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://db/override" {
		t.Errorf("unexpected database url: %s", cfg.Database.URL)
	}
	if cfg.Redis.URL != "redis://cache:6379" {
		t.Errorf("unexpected redis url: %s", cfg.Redis.URL)
	}
}
