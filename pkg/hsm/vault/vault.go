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

// Package vault provides a types.Backend over HashiCorp Vault's transit
// secrets engine. Key material stays inside Vault; ciphertext is Vault's
// versioned "vault:vN:..." format carried opaquely in the envelope.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Config describes the Vault server and transit mount.
type Config struct {
	// Address is the Vault server URL.
	Address string `yaml:"address"`

	// Token authenticates the client.
	Token string `yaml:"token"`

	// Mount is the transit engine mount path. Defaults to "transit".
	Mount string `yaml:"mount,omitempty"`
}

// Validate checks the configuration for startup errors.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("vault: nil config: %w", types.ErrConfiguration)
	}
	if c.Address == "" {
		return fmt.Errorf("vault: address required: %w", types.ErrConfiguration)
	}
	if c.Token == "" {
		return fmt.Errorf("vault: token required: %w", types.ErrConfiguration)
	}
	return nil
}

// Backend is a Vault transit backend.
type Backend struct {
	cfg    *Config
	client *api.Client
	mount  string
	logger *logging.Logger
}

// New connects the Vault API client.
func New(cfg *Config, logger *logging.Logger) (types.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address
	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: connect: %v: %w", err, types.ErrHSMOperation)
	}
	client.SetToken(cfg.Token)

	mount := cfg.Mount
	if mount == "" {
		mount = "transit"
	}

	return &Backend{cfg: cfg, client: client, mount: mount, logger: logger}, nil
}

// Type returns the vault provider identifier.
func (b *Backend) Type() types.ProviderType {
	return types.ProviderVault
}

// Capabilities returns the transit engine capability set. Transit is a
// software service; Hardware is false.
func (b *Backend) Capabilities() types.Capabilities {
	return types.SoftwareCapabilities()
}

// GenerateKey creates an aes256-gcm96 transit key.
func (b *Backend) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	if keyType != types.HSMKeyAES256 {
		return nil, fmt.Errorf("vault: key type %s: %w", keyType, types.ErrNotSupported)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("vault: id generation: %w", err)
	}
	handle := fmt.Sprintf("transit-%s-%s", label, hex.EncodeToString(suffix))

	_, err := b.client.Logical().WriteWithContext(ctx, path.Join(b.mount, "keys", handle),
		map[string]any{"type": "aes256-gcm96"})
	if err != nil {
		return nil, fmt.Errorf("vault: create key: %v: %w", err, types.ErrHSMOperation)
	}

	b.logger.Debug("created transit key", "handle", handle)
	return &types.HSMKeyMetadata{
		KeyID:       handle,
		KeyType:     keyType,
		Provider:    types.ProviderVault,
		KeyHandle:   handle,
		Label:       label,
		Extractable: false,
		Tags:        map[string]string{"mount": b.mount},
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Encrypt encrypts plaintext through the transit engine.
func (b *Backend) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	payload := map[string]any{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(aad) > 0 {
		payload["associated_data"] = base64.StdEncoding.EncodeToString(aad)
	}

	secret, err := b.client.Logical().WriteWithContext(ctx,
		path.Join(b.mount, "encrypt", handle), payload)
	if err != nil {
		return nil, fmt.Errorf("vault: encrypt: %v: %w", err, types.ErrHSMOperation)
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault: encrypt response missing ciphertext: %w", types.ErrHSMOperation)
	}

	return &types.EncryptedData{
		Ciphertext:  []byte(ciphertext),
		Algorithm:   types.AlgorithmAES256GCM,
		KeyVersion:  handle,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt decrypts transit ciphertext. Vault rejects tampered ciphertext,
// which surfaces as types.ErrAuthenticationFailure.
func (b *Backend) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	payload := map[string]any{
		"ciphertext": string(data.Ciphertext),
	}
	if len(aad) > 0 {
		payload["associated_data"] = base64.StdEncoding.EncodeToString(aad)
	}

	secret, err := b.client.Logical().WriteWithContext(ctx,
		path.Join(b.mount, "decrypt", handle), payload)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %v: %w", err, types.ErrAuthenticationFailure)
	}

	encoded, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("vault: decrypt response missing plaintext: %w", types.ErrHSMOperation)
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault: decode plaintext: %w", err)
	}
	return plaintext, nil
}

// WrapKey encrypts raw key material through the transit engine.
func (b *Backend) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	return b.Encrypt(ctx, handle, material, []byte("wrap:"+handle))
}

// UnwrapKey decrypts wrapped key material through the transit engine.
func (b *Backend) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	return b.Decrypt(ctx, handle, wrapped, []byte("wrap:"+handle))
}

// DeleteKey enables deletion on the transit key, then deletes it.
func (b *Backend) DeleteKey(ctx context.Context, handle string) error {
	_, err := b.client.Logical().WriteWithContext(ctx,
		path.Join(b.mount, "keys", handle, "config"),
		map[string]any{"deletion_allowed": true})
	if err != nil {
		return fmt.Errorf("vault: enable deletion: %v: %w", err, types.ErrHSMOperation)
	}

	_, err = b.client.Logical().DeleteWithContext(ctx, path.Join(b.mount, "keys", handle))
	if err != nil {
		return fmt.Errorf("vault: delete key: %v: %w", err, types.ErrHSMOperation)
	}
	return nil
}

// ListKeys enumerates transit keys on the mount.
func (b *Backend) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	secret, err := b.client.Logical().ListWithContext(ctx, path.Join(b.mount, "keys"))
	if err != nil {
		return nil, fmt.Errorf("vault: list keys: %v: %w", err, types.ErrHSMOperation)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	names, ok := secret.Data["keys"].([]any)
	if !ok {
		return nil, nil
	}

	metas := make([]*types.HSMKeyMetadata, 0, len(names))
	for _, name := range names {
		handle, ok := name.(string)
		if !ok {
			continue
		}
		metas = append(metas, &types.HSMKeyMetadata{
			KeyID:       handle,
			KeyType:     types.HSMKeyAES256,
			Provider:    types.ProviderVault,
			KeyHandle:   handle,
			Extractable: false,
			Tags:        map[string]string{"mount": b.mount},
		})
	}
	return metas, nil
}

// HealthCheck verifies the server is initialized and unsealed.
func (b *Backend) HealthCheck(ctx context.Context) error {
	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault: health: %v: %w", err, types.ErrHSMOperation)
	}
	if !health.Initialized {
		return fmt.Errorf("vault: server not initialized: %w", types.ErrHSMOperation)
	}
	if health.Sealed {
		return fmt.Errorf("vault: server sealed: %w", types.ErrHSMOperation)
	}
	return nil
}

// Close is a no-op; the API client needs no teardown.
func (b *Backend) Close() error {
	return nil
}
