// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kms.
//
// go-kms is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v, want nil", err)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: text
storage:
  backend: file
  path: /var/lib/kms
hsm:
  provider: vault
  vault:
    address: https://vault.example.com:8200
    token: unit-test-token
    mount: kms-transit
rotation:
  check_interval: 30m
  kek:
    interval: 2160h
    grace_period: 168h
    retention: 720h
audit:
  directory: /var/lib/kms/audit
fips:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v, want debug/text", cfg.Logging)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.Path != "/var/lib/kms" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.HSM.Provider != "vault" {
		t.Errorf("hsm provider = %s, want vault", cfg.HSM.Provider)
	}
	if cfg.HSM.Vault == nil || cfg.HSM.Vault.Mount != "kms-transit" {
		t.Errorf("vault config = %+v", cfg.HSM.Vault)
	}
	if cfg.Rotation.CheckInterval != 30*time.Minute {
		t.Errorf("check_interval = %v, want 30m", cfg.Rotation.CheckInterval)
	}
	if cfg.Rotation.KEK == nil || cfg.Rotation.KEK.Interval != 2160*time.Hour {
		t.Errorf("kek policy = %+v", cfg.Rotation.KEK)
	}
	if !cfg.FIPS.Enabled {
		t.Error("fips should be enabled")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
hsm:
  provider: vault
  vault:
    address: https://config-file:8200
    token: from-file
audit:
  directory: audit
`)

	t.Setenv("KMS_LOG_LEVEL", "warn")
	t.Setenv("VAULT_ADDR", "https://env-override:8200")
	t.Setenv("VAULT_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %s, want warn", cfg.Logging.Level)
	}
	if cfg.HSM.Vault.Address != "https://env-override:8200" {
		t.Errorf("vault address = %s, want env override", cfg.HSM.Vault.Address)
	}
	if cfg.HSM.Vault.Token != "from-env" {
		t.Errorf("vault token = %s, want env override", cfg.HSM.Vault.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"file storage without path", func(c *Config) { c.Storage.Backend = "file" }, true},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "redis" }, true},
		{"unknown hsm provider", func(c *Config) { c.HSM.Provider = "softhsm" }, true},
		{"pkcs11 without section", func(c *Config) { c.HSM.Provider = "pkcs11" }, true},
		{"vault without section", func(c *Config) { c.HSM.Provider = "vault" }, true},
		{"unknown algorithm", func(c *Config) { c.Keys.Algorithm = "AES-128-CBC" }, true},
		{"chacha under fips", func(c *Config) {
			c.FIPS.Enabled = true
			c.Keys.Algorithm = "ChaCha20-Poly1305"
		}, true},
		{"chacha without fips", func(c *Config) { c.Keys.Algorithm = "ChaCha20-Poly1305" }, false},
		{"negative check interval", func(c *Config) { c.Rotation.CheckInterval = -time.Minute }, true},
		{"empty audit directory", func(c *Config) { c.Audit.Directory = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
