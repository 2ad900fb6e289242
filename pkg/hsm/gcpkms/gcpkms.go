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

// Package gcpkms provides a types.Backend over Google Cloud KMS with the
// HSM protection level. Key material is held by Google's HSM fleet;
// encrypt, decrypt, and wrap operations run server side against named
// CryptoKeys.
package gcpkms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

// Config describes the Cloud KMS key ring used by the backend.
type Config struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	KeyRing   string `yaml:"key_ring"`

	// CredentialsFile optionally points at a service account key file.
	// When empty, application default credentials apply.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// Validate checks the configuration for startup errors.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("gcpkms: nil config: %w", types.ErrConfiguration)
	}
	if c.ProjectID == "" || c.Location == "" || c.KeyRing == "" {
		return fmt.Errorf("gcpkms: project id, location, and key ring required: %w",
			types.ErrConfiguration)
	}
	return nil
}

func (c *Config) ringName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s",
		c.ProjectID, c.Location, c.KeyRing)
}

// Backend is a Google Cloud KMS backend at the HSM protection level.
type Backend struct {
	cfg    *Config
	client *kms.KeyManagementClient
	logger *logging.Logger
}

// New connects the Cloud KMS client.
func New(ctx context.Context, cfg *Config, logger *logging.Logger) (types.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcpkms: connect: %v: %w", err, types.ErrHSMOperation)
	}

	return &Backend{cfg: cfg, client: client, logger: logger}, nil
}

// Type returns the gcp-kms provider identifier.
func (b *Backend) Type() types.ProviderType {
	return types.ProviderGCPKMS
}

// Capabilities returns the Cloud KMS capability set. Encrypt and wrap both
// map to the server-side Encrypt API; the service keeps material
// non-extractable, so the backend reports hardware.
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

func (b *Backend) keyName(handle string) string {
	return b.cfg.ringName() + "/cryptoKeys/" + handle
}

// GenerateKey creates an HSM-protected symmetric CryptoKey on the ring.
func (b *Backend) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	if keyType != types.HSMKeyAES256 {
		return nil, fmt.Errorf("gcpkms: key type %s: %w", keyType, types.ErrNotSupported)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("gcpkms: id generation: %w", err)
	}
	handle := fmt.Sprintf("kms-%s-%s", label, hex.EncodeToString(suffix))

	key, err := b.client.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      b.cfg.ringName(),
		CryptoKeyId: handle,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: kmspb.CryptoKey_ENCRYPT_DECRYPT,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				ProtectionLevel: kmspb.ProtectionLevel_HSM,
				Algorithm:       kmspb.CryptoKeyVersion_GOOGLE_SYMMETRIC_ENCRYPTION,
			},
			Labels: map[string]string{"managed_by": "go-kms"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: create crypto key: %v: %w", err, types.ErrHSMOperation)
	}

	b.logger.Debug("created cloud kms key", "name", key.Name)
	return &types.HSMKeyMetadata{
		KeyID:       handle,
		KeyType:     keyType,
		Provider:    types.ProviderGCPKMS,
		KeyHandle:   handle,
		Label:       label,
		Extractable: false,
		Tags:        map[string]string{"resource": key.Name},
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Encrypt encrypts plaintext server side. The returned envelope carries the
// opaque Cloud KMS ciphertext; nonce and tag are internal to the service.
func (b *Backend) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	resp, err := b.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                        b.keyName(handle),
		Plaintext:                   plaintext,
		AdditionalAuthenticatedData: aad,
	})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: encrypt: %v: %w", err, types.ErrHSMOperation)
	}

	return &types.EncryptedData{
		Ciphertext:  resp.Ciphertext,
		Algorithm:   types.AlgorithmAES256GCM,
		KeyVersion:  handle,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Decrypt decrypts Cloud KMS ciphertext server side.
func (b *Backend) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	resp, err := b.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                        b.keyName(handle),
		Ciphertext:                  data.Ciphertext,
		AdditionalAuthenticatedData: aad,
	})
	if err != nil {
		return nil, fmt.Errorf("gcpkms: decrypt: %v: %w", err, types.ErrHSMOperation)
	}
	return resp.Plaintext, nil
}

// WrapKey encrypts raw key material under the named CryptoKey.
func (b *Backend) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	return b.Encrypt(ctx, handle, material, []byte("wrap:"+handle))
}

// UnwrapKey decrypts wrapped key material under the named CryptoKey.
func (b *Backend) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	return b.Decrypt(ctx, handle, wrapped, []byte("wrap:"+handle))
}

// DeleteKey schedules destruction of the key's primary version. CryptoKeys
// themselves cannot be deleted; destroying the version renders wrapped data
// unrecoverable after the pending window.
func (b *Backend) DeleteKey(ctx context.Context, handle string) error {
	key, err := b.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: b.keyName(handle)})
	if err != nil {
		return fmt.Errorf("gcpkms: get crypto key: %v: %w", err, types.ErrHSMOperation)
	}
	if key.Primary == nil {
		return fmt.Errorf("gcpkms: key %s has no primary version: %w", handle, types.ErrKeyNotFound)
	}

	_, err = b.client.DestroyCryptoKeyVersion(ctx, &kmspb.DestroyCryptoKeyVersionRequest{
		Name: key.Primary.Name,
	})
	if err != nil {
		return fmt.Errorf("gcpkms: destroy version: %v: %w", err, types.ErrHSMOperation)
	}
	return nil
}

// ListKeys enumerates go-kms managed CryptoKeys on the ring.
func (b *Backend) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	it := b.client.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{Parent: b.cfg.ringName()})

	var metas []*types.HSMKeyMetadata
	for {
		key, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcpkms: list crypto keys: %v: %w", err, types.ErrHSMOperation)
		}
		if key.Labels["managed_by"] != "go-kms" {
			continue
		}
		handle := key.Name[len(b.cfg.ringName()+"/cryptoKeys/"):]
		metas = append(metas, &types.HSMKeyMetadata{
			KeyID:       handle,
			KeyType:     types.HSMKeyAES256,
			Provider:    types.ProviderGCPKMS,
			KeyHandle:   handle,
			Extractable: false,
			Tags:        map[string]string{"resource": key.Name},
			CreatedAt:   key.CreateTime.AsTime(),
		})
	}
	return metas, nil
}

// HealthCheck verifies the key ring is reachable.
func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.GetKeyRing(ctx, &kmspb.GetKeyRingRequest{Name: b.cfg.ringName()})
	if err != nil {
		return fmt.Errorf("gcpkms: get key ring: %v: %w", err, types.ErrHSMOperation)
	}
	return nil
}

// Close releases the Cloud KMS client.
func (b *Backend) Close() error {
	return b.client.Close()
}
