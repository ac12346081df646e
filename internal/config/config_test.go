package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rlm.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	t.Setenv("RLM_TEST_KEY", "sk-secret")
	path := writeConfig(t, `
default_provider: openai
providers:
  openai:
    base_url: https://api.example.com/v1/
    api_key: ${RLM_TEST_KEY}
    models:
      default: big-model
      sub: small-model
repl:
  timeout: 5s
  max_output_bytes: 2048
rlm:
  max_iterations: 7
log:
  level: debug
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	p, err := cfg.Provider("")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	if p.APIKey != "sk-secret" {
		t.Errorf("APIKey = %q, want expanded env value", p.APIKey)
	}
	if p.Model("") != "big-model" || p.Model("sub") != "small-model" || p.Model("other") != "other" {
		t.Errorf("model aliases resolved wrong: %v", p.Models)
	}
	if cfg.Repl.Timeout != 5*time.Second || cfg.Repl.MaxOutputBytes != 2048 {
		t.Errorf("Repl = %+v", cfg.Repl)
	}
	if cfg.Repl.MaxCallStack != 1024 {
		t.Errorf("MaxCallStack default = %d", cfg.Repl.MaxCallStack)
	}
	if cfg.RLM.MaxIterations != 7 || cfg.RLM.MaxContextTokens != 32000 {
		t.Errorf("RLM = %+v", cfg.RLM)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel())
	}
}

func TestUnknownProvider(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "default_provider: none\n"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := cfg.Provider(""); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
