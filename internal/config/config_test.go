package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/park285/cheese-othello/internal/obslog"
)

func TestDotenvReachesLoggerOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LOG_LEVEL=debug\nLOG_FORMAT=json\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	// restored on cleanup, unset so the file can fill them
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("LOG_FORMAT", "")
	_ = os.Unsetenv("LOG_LEVEL")
	_ = os.Unsetenv("LOG_FORMAT")

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if o := obslog.OptionsFromEnv(); o.Level != "debug" || o.Format != "json" {
		t.Fatalf("logger options = %+v", o)
	}
	if err := LoadDotenv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OTHELLO_CONFIG_FILE", "")
	t.Setenv("GRACE_PERIOD", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.Grace != 30*time.Second || cfg.QueueSize != 64 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("OTHELLO_CONFIG_FILE", "")
	t.Setenv("OTHELLO_ADDR", ":9000")
	t.Setenv("GRACE_PERIOD", "45")
	t.Setenv("SESSION_IDLE_TIMEOUT", "5m")
	t.Setenv("WS_ORIGINS", "example.com, *.example.org ,")
	t.Setenv("SESSION_QUEUE_SIZE", "128")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Grace != 45*time.Second || cfg.IdleTimeout != 5*time.Minute {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.WSOrigins) != 2 || cfg.WSOrigins[1] != "*.example.org" {
		t.Fatalf("origins = %q", cfg.WSOrigins)
	}
	if cfg.QueueSize != 128 {
		t.Fatalf("queue size = %d", cfg.QueueSize)
	}
}

func TestYAMLOverlayWinsOverEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "othello.yaml")
	body := "addr: \":7000\"\ngrace: 10s\ndaily:\n  sqlite_path: /tmp/daily.db\n  http_retry: 5\ntoken_secret: abcdefghijklmnopqrstuvwxyz\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("OTHELLO_ADDR", ":9000")
	t.Setenv("GRACE_PERIOD", "45s")
	t.Setenv("OTHELLO_CONFIG_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7000" || cfg.Grace != 10*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.DailySQLitePath != "/tmp/daily.db" || cfg.DailyHTTPRetry != 5 {
		t.Fatalf("daily = %q %d", cfg.DailySQLitePath, cfg.DailyHTTPRetry)
	}
}

func TestInvalidValues(t *testing.T) {
	t.Setenv("OTHELLO_CONFIG_FILE", "")
	for _, tc := range []struct{ key, val string }{
		{"GRACE_PERIOD", "soon"},
		{"GRACE_PERIOD", "0"},
		{"SESSION_QUEUE_SIZE", "many"},
		{"TOKEN_SECRET", "short"},
	} {
		t.Run(tc.key+"="+tc.val, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}

	t.Setenv("OTHELLO_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("missing config file must fail")
	}
}
