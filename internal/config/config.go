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

// Package config loads and validates the go-kms service configuration from
// YAML with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-kms/pkg/hsm/awscloudhsm"
	"github.com/jeremyhahn/go-kms/pkg/hsm/azurekv"
	"github.com/jeremyhahn/go-kms/pkg/hsm/gcpkms"
	"github.com/jeremyhahn/go-kms/pkg/hsm/pkcs11"
	"github.com/jeremyhahn/go-kms/pkg/hsm/vault"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Config represents the complete service configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
	HSM      HSMConfig      `yaml:"hsm"`
	Keys     KeysConfig     `yaml:"keys"`
	Rotation RotationConfig `yaml:"rotation"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Audit    AuditConfig    `yaml:"audit"`
	FIPS     FIPSConfig     `yaml:"fips"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StorageConfig selects the key-value store for key and ceremony metadata.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, file
	Path    string `yaml:"path"`    // file backend root directory
}

// HSMConfig selects the HSM provider and carries per-provider settings.
// Exactly the configured provider is constructed at startup; a provider
// name with no matching section is a configuration error.
type HSMConfig struct {
	Provider string `yaml:"provider"` // mock, pkcs11, aws-cloudhsm, gcp-kms, azure-keyvault, vault

	PKCS11      *pkcs11.Config      `yaml:"pkcs11,omitempty"`
	AWSCloudHSM *awscloudhsm.Config `yaml:"aws_cloudhsm,omitempty"`
	GCPKMS      *gcpkms.Config      `yaml:"gcp_kms,omitempty"`
	AzureKV     *azurekv.Config     `yaml:"azure_keyvault,omitempty"`
	Vault       *vault.Config       `yaml:"vault,omitempty"`
}

// KeysConfig controls the key hierarchy.
type KeysConfig struct {
	// Algorithm is the wrapping and data cipher. Empty selects the
	// platform-preferred AEAD; FIPS mode forces AES-256-GCM.
	Algorithm string `yaml:"algorithm"`

	// RetiredRetention is how long retired KEKs remain readable.
	RetiredRetention time.Duration `yaml:"retired_retention"`
}

// RotationPolicyConfig is a per-key-type rotation policy.
type RotationPolicyConfig struct {
	Interval    time.Duration `yaml:"interval"`
	GracePeriod time.Duration `yaml:"grace_period"`
	MaxUsage    uint64        `yaml:"max_usage"`
	Retention   time.Duration `yaml:"retention"`
}

// RotationConfig controls the rotation manager and scheduler.
type RotationConfig struct {
	// CheckInterval is the scheduler sweep cadence. Zero disables the
	// background scheduler.
	CheckInterval time.Duration `yaml:"check_interval"`

	KEK *RotationPolicyConfig `yaml:"kek,omitempty"`
	DEK *RotationPolicyConfig `yaml:"dek,omitempty"`
}

// RecoveryConfig controls share and ceremony lifetimes.
type RecoveryConfig struct {
	ShareTTL    time.Duration `yaml:"share_ttl"`
	CeremonyTTL time.Duration `yaml:"ceremony_ttl"`
}

// AuditConfig controls the audit ledger.
type AuditConfig struct {
	Directory           string `yaml:"directory"`
	MaxEventsPerSegment int    `yaml:"max_events_per_segment"`
}

// FIPSConfig controls the FIPS algorithm gate.
type FIPSConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig controls Prometheus metrics collection.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a development configuration: in-memory storage,
// mock HSM, metrics on, FIPS off.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Backend: "memory"},
		HSM:     HSMConfig{Provider: string(types.ProviderMock)},
		Rotation: RotationConfig{
			CheckInterval: time.Hour,
		},
		Audit:   AuditConfig{Directory: "audit"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads configuration from a YAML file, applies environment variable
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Secrets are
// expected to arrive this way rather than through the config file.
func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("KMS_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("KMS_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if dataDir := os.Getenv("KMS_DATA_DIR"); dataDir != "" {
		cfg.Storage.Path = dataDir
	}
	if auditDir := os.Getenv("KMS_AUDIT_DIR"); auditDir != "" {
		cfg.Audit.Directory = auditDir
	}
	if provider := os.Getenv("KMS_HSM_PROVIDER"); provider != "" {
		cfg.HSM.Provider = provider
	}

	if cfg.HSM.PKCS11 != nil {
		if lib := os.Getenv("PKCS11_LIBRARY"); lib != "" {
			cfg.HSM.PKCS11.Library = lib
		}
		if pin := os.Getenv("PKCS11_PIN"); pin != "" {
			cfg.HSM.PKCS11.PIN = pin
		}
	}
	if cfg.HSM.Vault != nil {
		if addr := os.Getenv("VAULT_ADDR"); addr != "" {
			cfg.HSM.Vault.Address = addr
		}
		if token := os.Getenv("VAULT_TOKEN"); token != "" {
			cfg.HSM.Vault.Token = token
		}
	}
	if cfg.HSM.AzureKV != nil {
		if vaultURL := os.Getenv("AZURE_KEYVAULT_URL"); vaultURL != "" {
			cfg.HSM.AzureKV.VaultURL = vaultURL
		}
	}
	if cfg.HSM.AWSCloudHSM != nil {
		if region := os.Getenv("AWS_REGION"); region != "" {
			cfg.HSM.AWSCloudHSM.Region = region
		}
	}
	if cfg.HSM.GCPKMS != nil {
		if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
			cfg.HSM.GCPKMS.CredentialsFile = credsFile
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}

	provider, err := types.ParseProviderType(c.HSM.Provider)
	if err != nil {
		return err
	}
	switch provider {
	case types.ProviderPKCS11:
		if c.HSM.PKCS11 == nil {
			return fmt.Errorf("hsm provider %s selected but no pkcs11 section configured", provider)
		}
	case types.ProviderAWSCloudHSM:
		if c.HSM.AWSCloudHSM == nil {
			return fmt.Errorf("hsm provider %s selected but no aws_cloudhsm section configured", provider)
		}
	case types.ProviderGCPKMS:
		if c.HSM.GCPKMS == nil {
			return fmt.Errorf("hsm provider %s selected but no gcp_kms section configured", provider)
		}
	case types.ProviderAzureKV:
		if c.HSM.AzureKV == nil {
			return fmt.Errorf("hsm provider %s selected but no azure_keyvault section configured", provider)
		}
	case types.ProviderVault:
		if c.HSM.Vault == nil {
			return fmt.Errorf("hsm provider %s selected but no vault section configured", provider)
		}
	}

	if c.Keys.Algorithm != "" {
		switch types.Algorithm(c.Keys.Algorithm) {
		case types.AlgorithmAES256GCM, types.AlgorithmChaCha20Poly1305:
		default:
			return fmt.Errorf("unknown key algorithm: %s", c.Keys.Algorithm)
		}
	}
	if c.FIPS.Enabled && types.Algorithm(c.Keys.Algorithm) == types.AlgorithmChaCha20Poly1305 {
		return fmt.Errorf("%s is not available in fips mode", c.Keys.Algorithm)
	}

	if c.Rotation.CheckInterval < 0 {
		return fmt.Errorf("rotation check_interval must not be negative")
	}
	if c.Audit.Directory == "" {
		return fmt.Errorf("audit directory must be specified")
	}
	return nil
}
