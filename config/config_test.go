package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugrun.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app_name: plugrun-test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppName != "plugrun-test" {
		t.Errorf("app name = %q, want plugrun-test", cfg.AppName)
	}
	if cfg.RunMode != ModeDevelopment {
		t.Errorf("run mode = %q, want development default", cfg.RunMode)
	}
	if cfg.Logger.Format != "text" {
		t.Errorf("development logger format = %q, want text", cfg.Logger.Format)
	}
	if !cfg.Loader.HotReload {
		t.Error("development default must enable hot reload")
	}
	if cfg.Loader.RequireSignature {
		t.Error("development default must not require signatures")
	}

	ec := cfg.Engine.EngineConfig()
	if ec.MaxMemoryPages != 1024 {
		t.Errorf("max memory pages = %d, want 1024", ec.MaxMemoryPages)
	}
	if ec.CompileTimeout != 30*time.Second {
		t.Errorf("compile timeout = %v, want 30s", ec.CompileTimeout)
	}

	mc := cfg.Monitor.MonitorConfig()
	if mc.Thresholds.MaxMemoryBytes != 512*1024*1024 {
		t.Errorf("max memory bytes = %d, want 512 MiB", mc.Thresholds.MaxMemoryBytes)
	}
}

func TestLoadProductionDefaults(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := writeConfig(t, `
run_mode: production
loader:
  trusted_keys:
    - `+base64.StdEncoding.EncodeToString(pub)+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logger.Format != "json" {
		t.Errorf("production logger format = %q, want json", cfg.Logger.Format)
	}
	if !cfg.Loader.RequireSignature {
		t.Error("production default must require signatures")
	}
	if cfg.Loader.HotReload {
		t.Error("production default must disable hot reload")
	}

	lc := cfg.Loader.LoaderConfig()
	if len(lc.TrustedKeys) != 1 {
		t.Fatalf("trusted keys = %d, want 1", len(lc.TrustedKeys))
	}
	if !lc.TrustedKeys[0].Equal(pub) {
		t.Error("decoded trusted key does not match")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
engine:
  compile_timeout: "soon"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadRejectsBadTrustedKey(t *testing.T) {
	path := writeConfig(t, `
loader:
  trusted_keys: ["not base64!!"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed trusted key")
	}
}

func TestLoadRejectsSignatureWithoutKeys(t *testing.T) {
	path := writeConfig(t, `
run_mode: production
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when signatures required without trusted keys")
	}
}

func TestLoadRejectsUnknownRunMode(t *testing.T) {
	path := writeConfig(t, "run_mode: staging\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown run mode")
	}
}
