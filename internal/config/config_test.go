package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tradedesk/ledger-engine/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port: got %d, want 8080", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level: got %q, want info", cfg.Logging.Level)
	}
	if cfg.Trading.MaxTxRetries != 3 {
		t.Errorf("max retries: got %d, want 3", cfg.Trading.MaxTxRetries)
	}
	if cfg.Storage.CacheTTLSec != 30 {
		t.Errorf("cache ttl: got %d, want 30", cfg.Storage.CacheTTLSec)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  host: 127.0.0.1
  port: 9090
storage:
  sqlite_path: /tmp/ledger.db
  cache_ttl_seconds: 60
logging:
  level: debug
trading:
  max_tx_retries: 5
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9090 {
		t.Errorf("server: %+v", cfg.Server)
	}
	if cfg.Storage.SQLitePath != "/tmp/ledger.db" || cfg.Storage.CacheTTLSec != 60 {
		t.Errorf("storage: %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level: got %q, want debug", cfg.Logging.Level)
	}
	if cfg.Trading.MaxTxRetries != 5 {
		t.Errorf("max retries: got %d, want 5", cfg.Trading.MaxTxRetries)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://ledger:pw@localhost/ledger")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port: env should win over file, got %d", cfg.Server.Port)
	}
	if cfg.Storage.DatabaseURL != "postgres://ledger:pw@localhost/ledger" {
		t.Errorf("database url: got %q", cfg.Storage.DatabaseURL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level: got %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port: got %d, want default 8080", cfg.Server.Port)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}
