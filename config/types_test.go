package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEffectiveTokenTTLCapsAtEightHours(t *testing.T) {
	cfg := &AppConfig{Auth: AuthConfig{TokenTTL: 24 * time.Hour}}
	if got := cfg.EffectiveTokenTTL(); got != 8*time.Hour {
		t.Fatalf("expected 8h, got %s", got)
	}
	cfg.Auth.TokenTTL = time.Hour
	if got := cfg.EffectiveTokenTTL(); got != time.Hour {
		t.Fatalf("expected 1h, got %s", got)
	}
	var nilCfg *AppConfig
	if got := nilCfg.EffectiveTokenTTL(); got != 8*time.Hour {
		t.Fatalf("expected default 8h for nil config, got %s", got)
	}
}

func TestEffectiveCodeTTLDefaultsToThirtyMinutes(t *testing.T) {
	cfg := &AppConfig{}
	if got := cfg.EffectiveCodeTTL(); got != 30*time.Minute {
		t.Fatalf("expected 30m, got %s", got)
	}
}

func TestValidateRequiresSecretOutsideDev(t *testing.T) {
	cfg := &AppConfig{
		DBDriver:  "postgres",
		AppEnv:    "prod",
		Evidence:  EvidenceConfig{Backend: "fs", MaxBytes: 1},
		RateLimit: RateLimitConfig{Enabled: true, Requests: 100, Window: time.Minute},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing jwt secret")
	}
	cfg.AppEnv = "dev"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected dev config to validate, got %v", err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := &AppConfig{DBDriver: "mongo", AppEnv: "dev", Evidence: EvidenceConfig{Backend: "fs", MaxBytes: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestLoadReadsYAMLAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "db_driver: sqlite\ndb_url: " + filepath.Join(dir, "x.db") + "\napp_env: dev\nauth:\n  jwt_secret: s3cret\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("IDESK_CONFIG", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBDriver != "sqlite" || cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.RateLimit.Requests != 100 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("expected rate limit defaults 100/1m, got %d/%s", cfg.RateLimit.Requests, cfg.RateLimit.Window)
	}
	if cfg.Evidence.MaxBytes != 20*1024*1024 {
		t.Fatalf("expected 20MB evidence cap, got %d", cfg.Evidence.MaxBytes)
	}
	if cfg.Codes.TTL != 30*time.Minute {
		t.Fatalf("expected 30m code ttl, got %s", cfg.Codes.TTL)
	}
}
