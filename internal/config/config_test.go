package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gpec.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
[general]
workspace = "/tmp/gpec-test"
state_db = "/tmp/gpec-test/gpec.db"
log_level = "info"

[governance.Advisory]
max_workers = 8
max_tokens = 200000
max_cost_cents = 500
max_runtime_ms = 600000
max_parallel = 2

[api]
bind = "127.0.0.1:8081"

[model_proxy]
backend = "fixture"
fixture_content = "ok"
timeout = "30s"
`

func TestLoadValidConfigAppliesDefaultsForOmittedGovernanceLevels(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.General.LogLevel)
	}
	if _, ok := cfg.Governance["Strict"]; !ok {
		t.Error("expected Strict governance defaults to be filled in")
	}
	if _, ok := cfg.Governance["Regulated"]; !ok {
		t.Error("expected Regulated governance defaults to be filled in")
	}
	if cfg.Governance["Advisory"].MaxWorkers != 8 {
		t.Errorf("explicit Advisory override lost: got %d", cfg.Governance["Advisory"].MaxWorkers)
	}
}

func TestLoadRejectsUnknownGovernanceLevel(t *testing.T) {
	path := writeTestConfig(t, validConfig+"\n[governance.Bogus]\nmax_workers = 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown governance level")
	}
}

func TestLoadRejectsFixtureBackendWithoutContent(t *testing.T) {
	bad := `
[general]
workspace = "/tmp/gpec-test"

[model_proxy]
backend = "fixture"
`
	path := writeTestConfig(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for fixture backend with empty fixture_content")
	}
}

func TestLoadRejectsSecurityEnabledWithoutTokens(t *testing.T) {
	bad := `
[general]
workspace = "/tmp/gpec-test"

[api.security]
enabled = true
`
	path := writeTestConfig(t, bad)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for security enabled with no tenant_tokens")
	}
}

func TestResolveTenantMapsBearerTokenToTenantID(t *testing.T) {
	withTokens := validConfig + "\n[api.security]\nenabled = true\ntenant_tokens = { \"abcdefghijklmnopqrst\" = \"tenant-a\" }\n"
	path := writeTestConfig(t, withTokens)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tenantID, ok := cfg.ResolveTenant("abcdefghijklmnopqrst")
	if !ok || tenantID != "tenant-a" {
		t.Fatalf("ResolveTenant = (%q, %v), want (tenant-a, true)", tenantID, ok)
	}
	if _, ok := cfg.ResolveTenant("unknown-token"); ok {
		t.Error("expected unknown token to not resolve")
	}
}

func TestCapsForReturnsOverrideOrFalse(t *testing.T) {
	path := writeTestConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	caps, ok := cfg.CapsFor("Advisory")
	if !ok || caps.MaxWorkers != 8 {
		t.Fatalf("CapsFor(Advisory) = (%+v, %v)", caps, ok)
	}
	if _, ok := (&Config{}).CapsFor("Advisory"); ok {
		t.Error("expected nil governance map to report not-configured")
	}
}
