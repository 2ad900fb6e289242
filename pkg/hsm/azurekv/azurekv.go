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

// Package azurekv provides a types.Backend over Azure Key Vault Managed
// HSM. Keys are created as oct-HSM and all operations run server side; the
// latest key version is used for every operation.
package azurekv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Config describes the Managed HSM or Key Vault instance.
type Config struct {
	// VaultURL is the vault endpoint, e.g.
	// https://example.managedhsm.azure.net/.
	VaultURL string `yaml:"vault_url"`
}

// Validate checks the configuration for startup errors.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("azurekv: nil config: %w", types.ErrConfiguration)
	}
	if c.VaultURL == "" {
		return fmt.Errorf("azurekv: vault url required: %w", types.ErrConfiguration)
	}
	return nil
}

// Backend is an Azure Key Vault Managed HSM backend.
type Backend struct {
	cfg    *Config
	client *azkeys.Client
	logger *logging.Logger
}

// New authenticates with the default Azure credential chain and connects
// the keys client.
func New(cfg *Config, logger *logging.Logger) (types.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: credential: %v: %w", err, types.ErrConfiguration)
	}

	client, err := azkeys.NewClient(cfg.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: connect: %v: %w", err, types.ErrHSMOperation)
	}

	return &Backend{cfg: cfg, client: client, logger: logger}, nil
}

// Type returns the azure-keyvault provider identifier.
func (b *Backend) Type() types.ProviderType {
	return types.ProviderAzureKV
}

// Capabilities returns the Managed HSM capability set.
func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{
		GenerateKey: true,
		Encrypt:     true,
		Decrypt:     true,
		WrapKey:     true,
		UnwrapKey:   true,
		DeleteKey:   true,
		ListKeys:    true,
		Hardware:    true,
	}
}

// GenerateKey creates an oct-HSM 256-bit key in the vault.
func (b *Backend) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	if keyType != types.HSMKeyAES256 {
		return nil, fmt.Errorf("azurekv: key type %s: %w", keyType, types.ErrNotSupported)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("azurekv: id generation: %w", err)
	}
	handle := fmt.Sprintf("kv-%s-%s", label, hex.EncodeToString(suffix))

	params := azkeys.CreateKeyParameters{
		Kty:     to.Ptr(azkeys.KeyTypeOctHSM),
		KeySize: to.Ptr(int32(256)),
		KeyOps: []*azkeys.KeyOperation{
			to.Ptr(azkeys.KeyOperationEncrypt),
			to.Ptr(azkeys.KeyOperationDecrypt),
			to.Ptr(azkeys.KeyOperationWrapKey),
			to.Ptr(azkeys.KeyOperationUnwrapKey),
		},
		Tags: map[string]*string{"managed_by": to.Ptr("go-kms")},
	}

	resp, err := b.client.CreateKey(ctx, handle, params, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: create key: %v: %w", err, types.ErrHSMOperation)
	}

	b.logger.Debug("created azure key", "kid", string(*resp.Key.KID))
	return &types.HSMKeyMetadata{
		KeyID:       handle,
		KeyType:     keyType,
		Provider:    types.ProviderAzureKV,
		KeyHandle:   handle,
		Label:       label,
		Extractable: false,
		Tags:        map[string]string{"kid": string(*resp.Key.KID)},
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Encrypt performs AES-GCM encryption in the vault.
func (b *Backend) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	params := azkeys.KeyOperationParameters{
		Algorithm: to.Ptr(azkeys.EncryptionAlgorithmA256GCM),
		Value:     plaintext,

		AdditionalAuthenticatedData: aad,
	}

	resp, err := b.client.Encrypt(ctx, handle, "", params, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: encrypt: %v: %w", err, types.ErrHSMOperation)
	}

	return &types.EncryptedData{
		Ciphertext:  resp.Result,
		Nonce:       resp.IV,
		Tag:         resp.AuthenticationTag,
		Algorithm:   types.AlgorithmAES256GCM,
		KeyVersion:  handle,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt performs AES-GCM decryption in the vault.
func (b *Backend) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	params := azkeys.KeyOperationParameters{
		Algorithm: to.Ptr(azkeys.EncryptionAlgorithmA256GCM),
		Value:     data.Ciphertext,
		IV:        data.Nonce,

		AuthenticationTag:           data.Tag,
		AdditionalAuthenticatedData: aad,
	}

	resp, err := b.client.Decrypt(ctx, handle, "", params, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: decrypt: %v: %w", err, types.ErrAuthenticationFailure)
	}
	return resp.Result, nil
}

// WrapKey wraps raw key material with AES key wrap.
func (b *Backend) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	params := azkeys.KeyOperationParameters{
		Algorithm: to.Ptr(azkeys.EncryptionAlgorithmA256KW),
		Value:     material,
	}

	resp, err := b.client.WrapKey(ctx, handle, "", params, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: wrap key: %v: %w", err, types.ErrHSMOperation)
	}

	return &types.EncryptedData{
		Ciphertext:  resp.Result,
		Algorithm:   types.AlgorithmAES256GCM,
		KeyVersion:  handle,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// UnwrapKey unwraps key material wrapped with AES key wrap.
func (b *Backend) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	params := azkeys.KeyOperationParameters{
		Algorithm: to.Ptr(azkeys.EncryptionAlgorithmA256KW),
		Value:     wrapped.Ciphertext,
	}

	resp, err := b.client.UnwrapKey(ctx, handle, "", params, nil)
	if err != nil {
		return nil, fmt.Errorf("azurekv: unwrap key: %v: %w", err, types.ErrHSMOperation)
	}
	return resp.Result, nil
}

// DeleteKey deletes the key from the vault.
func (b *Backend) DeleteKey(ctx context.Context, handle string) error {
	if _, err := b.client.DeleteKey(ctx, handle, nil); err != nil {
		return fmt.Errorf("azurekv: delete key: %v: %w", err, types.ErrHSMOperation)
	}
	return nil
}

// ListKeys enumerates go-kms managed keys in the vault.
func (b *Backend) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	pager := b.client.NewListKeyPropertiesPager(nil)

	var metas []*types.HSMKeyMetadata
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azurekv: list keys: %v: %w", err, types.ErrHSMOperation)
		}
		for _, props := range page.Value {
			if props.KID == nil {
				continue
			}
			tag, ok := props.Tags["managed_by"]
			if !ok || tag == nil || *tag != "go-kms" {
				continue
			}
			meta := &types.HSMKeyMetadata{
				KeyID:       props.KID.Name(),
				KeyType:     types.HSMKeyAES256,
				Provider:    types.ProviderAzureKV,
				KeyHandle:   props.KID.Name(),
				Extractable: false,
				Tags:        map[string]string{"kid": string(*props.KID)},
			}
			if props.Attributes != nil && props.Attributes.Created != nil {
				meta.CreatedAt = *props.Attributes.Created
			}
			metas = append(metas, meta)
		}
	}
	return metas, nil
}

// HealthCheck verifies the vault is reachable by listing the first page of
// keys.
func (b *Backend) HealthCheck(ctx context.Context) error {
	pager := b.client.NewListKeyPropertiesPager(nil)
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			return fmt.Errorf("azurekv: health check: %v: %w", err, types.ErrHSMOperation)
		}
	}
	return nil
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (b *Backend) Close() error {
	return nil
}
