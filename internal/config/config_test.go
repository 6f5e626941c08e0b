package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	env := map[string]string{
		"NODE_ENV":                 "development",
		"BNB_RPC_URL":              "https://bsc-dataseed.example.org",
		"PRIVATE_KEY":              "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		"ORACLE_REGISTRY_ADDRESS":  "0x1111111111111111111111111111111111111111",
		"PROPOSAL_MANAGER_ADDRESS": "0x2222222222222222222222222222222222222222",
		"STAKING_MANAGER_ADDRESS":  "0x3333333333333333333333333333333333333333",
		"REDIS_HOST":               "localhost",
		"POSTGRES_HOST":            "localhost",
		"POSTGRES_USER":            "oracle",
		"POSTGRES_PASSWORD":        "secret",
		"POSTGRES_NAME":            "oracle",
		"EVENT_MANAGER_URL":        "http://localhost:4001",
		"PROPOSAL_SERVICE_URL":     "http://localhost:4002",
		"DISPUTE_SERVICE_URL":      "http://localhost:4003",
		"REWARD_SERVICE_URL":       "http://localhost:4004",
		"NOTIFICATION_SERVICE_URL": "http://localhost:4005",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoadFromEnv(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.RPCURL != "https://bsc-dataseed.example.org" {
		t.Errorf("env override not applied: %q", cfg.Chain.RPCURL)
	}
	if cfg.Chain.LivenessWindow() != 2*time.Hour {
		t.Errorf("expected default liveness window 2h, got %v", cfg.Chain.LivenessWindow())
	}
	if cfg.Indexer.Interval() != 10*time.Second {
		t.Errorf("expected default indexer interval 10s, got %v", cfg.Indexer.Interval())
	}
	if cfg.Indexer.SeedLookback != 100 {
		t.Errorf("expected default seed lookback 100, got %d", cfg.Indexer.SeedLookback)
	}
}

func TestLoadMissingRequiredIsFatal(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EVENT_MANAGER_URL", "")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for missing EVENT_MANAGER_URL")
	}
	if !strings.Contains(err.Error(), "EVENT_MANAGER_URL") {
		t.Errorf("error should name the missing key: %v", err)
	}
}

func TestLoadYAMLFileWithEnvOverride(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
log:
  level: debug
  format: text
chain:
  rpc_url: https://from-file.example.org
  liveness_window_secs: 3600
redis:
  port: 6380
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// env beats file
	if cfg.Chain.RPCURL != "https://bsc-dataseed.example.org" {
		t.Errorf("env should override file, got %q", cfg.Chain.RPCURL)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("file values not applied: %+v", cfg.Log)
	}
	if cfg.Chain.LivenessWindow() != time.Hour {
		t.Errorf("file liveness window not applied: %v", cfg.Chain.LivenessWindow())
	}
	if cfg.Redis.Addr() != "localhost:6380" {
		t.Errorf("unexpected redis addr: %q", cfg.Redis.Addr())
	}
}

func TestLoadNegativeLivenessWindowRejected(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("chain:\n  liveness_window_secs: -300\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative liveness window")
	}
}

func TestProduction(t *testing.T) {
	c := &Config{Env: "production"}
	if !c.Production() {
		t.Error("expected production mode")
	}
	c.Env = "development"
	if c.Production() {
		t.Error("expected development mode")
	}
}
