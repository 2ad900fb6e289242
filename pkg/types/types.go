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

// Package types provides shared types used across the go-kms key management
// system. It defines the key lifecycle model (managed keys, statuses, key
// types), the algorithm identifiers, the encrypted data envelope, and the
// backend interface implemented by every HSM provider.
package types

import (
	"context"
	"fmt"
	"time"
)

// ============================================================================
// Key Types and Statuses
// ============================================================================

// KeyType identifies a key's role in the envelope encryption hierarchy.
type KeyType string

const (
	// KeyTypeKEK is a key encryption key. KEKs wrap DEKs and rotate on a
	// slow cadence.
	KeyTypeKEK KeyType = "KEK"

	// KeyTypeDEK is a data encryption key. DEKs encrypt application data
	// directly and rotate frequently.
	KeyTypeDEK KeyType = "DEK"
)

// ParseKeyType converts a string to a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	switch KeyType(s) {
	case KeyTypeKEK, KeyTypeDEK:
		return KeyType(s), nil
	default:
		return "", fmt.Errorf("types: unknown key type: %s", s)
	}
}

// KeyStatus represents a managed key's lifecycle state.
type KeyStatus string

const (
	// KeyStatusActive means the key is the current key for its role and may
	// be used for new cryptographic operations.
	KeyStatusActive KeyStatus = "ACTIVE"

	// KeyStatusRotating means a replacement key has been published and this
	// key remains decrypt-only until its grace period elapses.
	KeyStatusRotating KeyStatus = "ROTATING"

	// KeyStatusRetired means the grace period has elapsed. The key is
	// immutable and readable only within its retention window.
	KeyStatusRetired KeyStatus = "RETIRED"

	// KeyStatusRevoked means the key was administratively invalidated and
	// must not be used for any operation.
	KeyStatusRevoked KeyStatus = "REVOKED"
)

// CanTransition reports whether a key may move from its current status to
// next. The lifecycle is strictly ordered: ACTIVE -> ROTATING -> RETIRED.
// Revocation is permitted from any non-terminal state.
func (s KeyStatus) CanTransition(next KeyStatus) bool {
	switch s {
	case KeyStatusActive:
		return next == KeyStatusRotating || next == KeyStatusRevoked
	case KeyStatusRotating:
		return next == KeyStatusRetired || next == KeyStatusRevoked
	default:
		return false
	}
}

// ============================================================================
// Algorithm Identifiers
// ============================================================================

// Algorithm is a structured algorithm identifier. Compliance checks compare
// these identifiers exactly, never by substring.
type Algorithm string

const (
	// Symmetric AEAD ciphers.
	AlgorithmAES256GCM         Algorithm = "AES-256-GCM"
	AlgorithmChaCha20Poly1305  Algorithm = "ChaCha20-Poly1305"

	// Digests.
	AlgorithmSHA256 Algorithm = "SHA-256"
	AlgorithmSHA384 Algorithm = "SHA-384"
	AlgorithmSHA512 Algorithm = "SHA-512"

	// MACs and KDFs.
	AlgorithmHMACSHA256 Algorithm = "HMAC-SHA-256"
	AlgorithmHKDFSHA256 Algorithm = "HKDF-SHA-256"

	// Asymmetric key sizes and curves offered by hardware backends.
	AlgorithmRSA2048    Algorithm = "RSA-2048"
	AlgorithmRSA3072    Algorithm = "RSA-3072"
	AlgorithmRSA4096    Algorithm = "RSA-4096"
	AlgorithmECDSAP256  Algorithm = "ECDSA-P-256"
	AlgorithmECDSAP384  Algorithm = "ECDSA-P-384"

	// Legacy algorithms. Defined so they can be named in audit records and
	// compliance findings; never offered by any backend in this module.
	AlgorithmMD5     Algorithm = "MD5"
	AlgorithmSHA1    Algorithm = "SHA-1"
	AlgorithmDES     Algorithm = "DES"
	Algorithm3DES    Algorithm = "3DES"
	AlgorithmRC4     Algorithm = "RC4"
	AlgorithmRSA1024 Algorithm = "RSA-1024"
)

// KeySize returns the key size in bytes for symmetric algorithms, or 0 for
// algorithms that do not have a fixed symmetric key size.
func (a Algorithm) KeySize() int {
	switch a {
	case AlgorithmAES256GCM, AlgorithmChaCha20Poly1305:
		return 32
	default:
		return 0
	}
}

// ============================================================================
// Managed Keys
// ============================================================================

// ManagedKey is a key owned by the key hierarchy. Raw material is present
// only for software keys; HSM-backed keys carry a handle and the material
// never leaves the HSM boundary. A RETIRED key is immutable.
type ManagedKey struct {
	KeyID     string    `json:"key_id"`
	KeyType   KeyType   `json:"key_type"`
	Status    KeyStatus `json:"status"`
	Algorithm Algorithm `json:"algorithm"`
	Purpose   string    `json:"purpose,omitempty"`
	Version   int       `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	UsageCount uint64 `json:"usage_count"`

	// HSMKeyHandle references the key inside an HSM backend. When set,
	// Material is nil and all operations are delegated to the backend.
	HSMKeyHandle string `json:"hsm_key_handle,omitempty"`

	// Material holds raw software key material. Never persisted for DEKs;
	// see WrappedMaterial.
	Material []byte `json:"-"`

	// WrappedMaterial is the key material wrapped under the owning KEK.
	// Set for DEKs only.
	WrappedMaterial []byte `json:"wrapped_material,omitempty"`

	// KEKID identifies the KEK that wraps this key's material. Set for
	// DEKs only.
	KEKID string `json:"kek_id,omitempty"`
}

// Clone returns a deep copy of the key. Callers receive clones so concurrent
// rotation cannot mutate a snapshot out from under them.
func (k *ManagedKey) Clone() *ManagedKey {
	if k == nil {
		return nil
	}
	c := *k
	if k.Material != nil {
		c.Material = make([]byte, len(k.Material))
		copy(c.Material, k.Material)
	}
	if k.WrappedMaterial != nil {
		c.WrappedMaterial = make([]byte, len(k.WrappedMaterial))
		copy(c.WrappedMaterial, k.WrappedMaterial)
	}
	if k.RotatedAt != nil {
		t := *k.RotatedAt
		c.RotatedAt = &t
	}
	if k.RetiredAt != nil {
		t := *k.RetiredAt
		c.RetiredAt = &t
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Expired reports whether the key is past its expiry at the given time.
func (k *ManagedKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// KeyMetadata is the descriptive, listable companion to a ManagedKey. It
// never contains key material.
type KeyMetadata struct {
	KeyID       string            `json:"key_id"`
	KeyType     KeyType           `json:"key_type"`
	Status      KeyStatus         `json:"status"`
	Algorithm   Algorithm         `json:"algorithm"`
	Provider    ProviderType      `json:"provider"`
	Label       string            `json:"label,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extractable bool              `json:"extractable"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ============================================================================
// Encrypted Data Envelope
// ============================================================================

// EncryptedData is the output of an AEAD encryption. Ciphertext and the
// 128-bit authentication tag are carried separately so the envelope can be
// serialized field by field.
type EncryptedData struct {
	Ciphertext  []byte    `json:"ciphertext"`
	Nonce       []byte    `json:"nonce"`
	Tag         []byte    `json:"tag"`
	Algorithm   Algorithm `json:"algorithm"`
	KeyVersion  string    `json:"key_version,omitempty"`
	EncryptedAt time.Time `json:"encrypted_at,omitempty"`
}

// WrappedKey is key material encrypted under a KEK, together with the
// identity of the wrapping KEK so the correct unwrap key can be located
// after rotation.
type WrappedKey struct {
	KEKID string        `json:"kek_id"`
	Data  EncryptedData `json:"data"`
}

// ============================================================================
// HSM Backends
// ============================================================================

// ProviderType identifies an HSM backend implementation.
type ProviderType string

const (
	ProviderMock        ProviderType = "mock"
	ProviderPKCS11      ProviderType = "pkcs11"
	ProviderAWSCloudHSM ProviderType = "aws-cloudhsm"
	ProviderGCPKMS      ProviderType = "gcp-kms"
	ProviderAzureKV     ProviderType = "azure-keyvault"
	ProviderVault       ProviderType = "vault"
)

// ParseProviderType converts a string to a ProviderType.
func ParseProviderType(s string) (ProviderType, error) {
	switch ProviderType(s) {
	case ProviderMock, ProviderPKCS11, ProviderAWSCloudHSM, ProviderGCPKMS,
		ProviderAzureKV, ProviderVault:
		return ProviderType(s), nil
	default:
		return "", fmt.Errorf("types: unknown provider type: %s", s)
	}
}

// HSMKeyType identifies a key type a backend can generate.
type HSMKeyType string

const (
	HSMKeyAES256  HSMKeyType = "AES-256"
	HSMKeyRSA2048 HSMKeyType = "RSA-2048"
	HSMKeyRSA4096 HSMKeyType = "RSA-4096"
	HSMKeyECP256  HSMKeyType = "EC-P-256"
	HSMKeyECP384  HSMKeyType = "EC-P-384"
)

// HSMKeyMetadata describes a key resident in an HSM backend.
type HSMKeyMetadata struct {
	KeyID       string            `json:"key_id"`
	KeyType     HSMKeyType        `json:"key_type"`
	Provider    ProviderType      `json:"provider"`
	KeyHandle   string            `json:"key_handle"`
	Label       string            `json:"label,omitempty"`
	Extractable bool              `json:"extractable"`
	Tags        map[string]string `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Capabilities describes the operations a backend supports. Callers must
// consult capabilities before invoking an operation; backends return
// ErrNotSupported for operations outside their capability set.
type Capabilities struct {
	GenerateKey bool
	Encrypt     bool
	Decrypt     bool
	WrapKey     bool
	UnwrapKey   bool
	DeleteKey   bool
	ListKeys    bool
	Hardware    bool
}

// SoftwareCapabilities returns the capability set of a software backend.
func SoftwareCapabilities() Capabilities {
	return Capabilities{
		GenerateKey: true,
		Encrypt:     true,
		Decrypt:     true,
		WrapKey:     true,
		UnwrapKey:   true,
		DeleteKey:   true,
		ListKeys:    true,
	}
}

// HardwareCapabilities returns the capability set of a PKCS#11 hardware
// backend. Wrap and unwrap are intentionally absent; raw key export crosses
// the module boundary.
func HardwareCapabilities() Capabilities {
	return Capabilities{
		GenerateKey: true,
		Encrypt:     true,
		Decrypt:     true,
		DeleteKey:   true,
		ListKeys:    true,
		Hardware:    true,
	}
}

// Backend is the capability interface implemented by every HSM provider.
// Implementations are not assumed to be safe for concurrent use of a single
// session; the hsm.Client wrapper serializes and rate-limits access.
type Backend interface {
	// Type returns the backend's provider identifier.
	Type() ProviderType

	// Capabilities returns the operations this backend supports.
	Capabilities() Capabilities

	// GenerateKey creates a key inside the backend and returns its
	// metadata, including the opaque handle used by later operations.
	GenerateKey(ctx context.Context, keyType HSMKeyType, label string) (*HSMKeyMetadata, error)

	// Encrypt encrypts plaintext with the key identified by handle.
	Encrypt(ctx context.Context, handle string, plaintext, aad []byte) (*EncryptedData, error)

	// Decrypt decrypts data with the key identified by handle.
	Decrypt(ctx context.Context, handle string, data *EncryptedData, aad []byte) ([]byte, error)

	// WrapKey encrypts raw key material under the key identified by handle.
	WrapKey(ctx context.Context, handle string, material []byte) (*EncryptedData, error)

	// UnwrapKey decrypts wrapped key material under the key identified by
	// handle.
	UnwrapKey(ctx context.Context, handle string, wrapped *EncryptedData) ([]byte, error)

	// DeleteKey removes the key identified by handle.
	DeleteKey(ctx context.Context, handle string) error

	// ListKeys returns metadata for all keys resident in the backend.
	ListKeys(ctx context.Context) ([]*HSMKeyMetadata, error)

	// HealthCheck verifies the backend is reachable and operational.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
