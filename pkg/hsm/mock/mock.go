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

// Package mock provides a software types.Backend storing key material in an
// encrypted local store. It exists for development and testing; material is
// protected only by a local master key and the backend is not suitable for
// production use.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-kms/pkg/crypto/aead"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/storage"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

const keyPrefix = "hsm/mock/keys/"

// record is a stored key: metadata plus material encrypted under the
// backend's master key.
type record struct {
	Metadata types.HSMKeyMetadata `json:"metadata"`
	Material types.EncryptedData  `json:"material"`
}

// Backend is a software mock HSM.
type Backend struct {
	mu     sync.Mutex
	store  storage.Backend
	master *aead.Cipher
	logger *logging.Logger
	closed bool
}

// New creates a mock backend over the given store. masterKey protects key
// material at rest; if nil, an ephemeral key is generated and stored keys
// do not survive process restarts.
func New(store storage.Backend, masterKey []byte, logger *logging.Logger) (*Backend, error) {
	if store == nil {
		return nil, fmt.Errorf("mock: nil storage backend: %w", types.ErrConfiguration)
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	if masterKey == nil {
		var err error
		masterKey, err = aead.GenerateKey()
		if err != nil {
			return nil, err
		}
	}

	master, err := aead.New(types.AlgorithmAES256GCM, masterKey)
	if err != nil {
		return nil, err
	}

	logger.Warn("mock hsm backend in use; not suitable for production")

	return &Backend{
		store:  store,
		master: master,
		logger: logger,
	}, nil
}

// Type returns the mock provider identifier.
func (b *Backend) Type() types.ProviderType {
	return types.ProviderMock
}

// Capabilities returns the full software capability set.
func (b *Backend) Capabilities() types.Capabilities {
	return types.SoftwareCapabilities()
}

func (b *Backend) load(handle string) (*record, []byte, error) {
	raw, err := b.store.Get(keyPrefix + handle)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, nil, fmt.Errorf("mock: key %s: %w", handle, types.ErrKeyNotFound)
		}
		return nil, nil, fmt.Errorf("mock: load key %s: %w", handle, err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("mock: decode key %s: %w", handle, err)
	}

	material, err := b.master.Open(&rec.Material, []byte(handle))
	if err != nil {
		return nil, nil, fmt.Errorf("mock: unseal key %s: %w", handle, err)
	}
	return &rec, material, nil
}

// GenerateKey creates an AES-256 key and stores it encrypted under the
// master key. Asymmetric key types are not implemented by the mock.
func (b *Backend) GenerateKey(ctx context.Context, keyType types.HSMKeyType, label string) (*types.HSMKeyMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("mock: backend closed: %w", types.ErrHSMOperation)
	}
	if keyType != types.HSMKeyAES256 {
		return nil, fmt.Errorf("mock: key type %s: %w", keyType, types.ErrNotSupported)
	}

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return nil, fmt.Errorf("mock: handle generation: %w", err)
	}
	handle := fmt.Sprintf("mock-%s-%s", strings.ToLower(string(keyType)), hex.EncodeToString(suffix))

	material, err := aead.GenerateKey()
	if err != nil {
		return nil, err
	}

	sealed, err := b.master.Seal(material, []byte(handle))
	if err != nil {
		return nil, err
	}

	rec := record{
		Metadata: types.HSMKeyMetadata{
			KeyID:       handle,
			KeyType:     keyType,
			Provider:    types.ProviderMock,
			KeyHandle:   handle,
			Label:       label,
			Extractable: true,
			Tags:        map[string]string{"backend": "mock"},
			CreatedAt:   time.Now().UTC(),
		},
		Material: *sealed,
	}

	raw, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("mock: encode key: %w", err)
	}
	if err := b.store.Put(keyPrefix+handle, raw, storage.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("mock: store key: %w", err)
	}

	b.logger.Debug("generated mock key", "handle", handle, "label", label)
	meta := rec.Metadata
	return &meta, nil
}

// Encrypt AEAD-encrypts plaintext with the stored key.
func (b *Backend) Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*types.EncryptedData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, material, err := b.load(handle)
	if err != nil {
		return nil, err
	}

	cipher, err := aead.New(types.AlgorithmAES256GCM, material)
	if err != nil {
		return nil, err
	}

	data, err := cipher.Seal(plaintext, aad)
	if err != nil {
		return nil, err
	}
	data.KeyVersion = handle
	return data, nil
}

// Decrypt AEAD-decrypts data with the stored key.
func (b *Backend) Decrypt(ctx context.Context, handle string, data *types.EncryptedData, aad []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, material, err := b.load(handle)
	if err != nil {
		return nil, err
	}

	cipher, err := aead.New(types.AlgorithmAES256GCM, material)
	if err != nil {
		return nil, err
	}
	return cipher.Open(data, aad)
}

// WrapKey encrypts raw key material under the stored key.
func (b *Backend) WrapKey(ctx context.Context, handle string, material []byte) (*types.EncryptedData, error) {
	return b.Encrypt(ctx, handle, material, []byte("wrap:"+handle))
}

// UnwrapKey decrypts wrapped key material under the stored key.
func (b *Backend) UnwrapKey(ctx context.Context, handle string, wrapped *types.EncryptedData) ([]byte, error) {
	return b.Decrypt(ctx, handle, wrapped, []byte("wrap:"+handle))
}

// DeleteKey removes the stored key.
func (b *Backend) DeleteKey(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.store.Delete(keyPrefix + handle)
	if err == storage.ErrNotFound {
		return fmt.Errorf("mock: key %s: %w", handle, types.ErrKeyNotFound)
	}
	return err
}

// ListKeys returns metadata for all stored keys sorted by key id.
func (b *Backend) ListKeys(ctx context.Context) ([]*types.HSMKeyMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys, err := b.store.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("mock: list keys: %w", err)
	}

	metas := make([]*types.HSMKeyMetadata, 0, len(keys))
	for _, key := range keys {
		raw, err := b.store.Get(key)
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		meta := rec.Metadata
		metas = append(metas, &meta)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].KeyID < metas[j].KeyID })
	return metas, nil
}

// HealthCheck performs a generate-encrypt-decrypt round trip and removes
// the probe key.
func (b *Backend) HealthCheck(ctx context.Context) error {
	meta, err := b.GenerateKey(ctx, types.HSMKeyAES256, "health-probe")
	if err != nil {
		return err
	}
	defer b.DeleteKey(ctx, meta.KeyHandle)

	probe := []byte("health-probe")
	sealed, err := b.Encrypt(ctx, meta.KeyHandle, probe, nil)
	if err != nil {
		return err
	}
	opened, err := b.Decrypt(ctx, meta.KeyHandle, sealed, nil)
	if err != nil {
		return err
	}
	if string(opened) != string(probe) {
		return fmt.Errorf("mock: health round trip mismatch: %w", types.ErrIntegrityViolation)
	}
	return nil
}

// Close marks the backend closed. The underlying store is owned by the
// caller and is not closed here.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
