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

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from KeyStatus
		to   KeyStatus
		ok   bool
	}{
		{"active to rotating", KeyStatusActive, KeyStatusRotating, true},
		{"active to revoked", KeyStatusActive, KeyStatusRevoked, true},
		{"active to retired skips rotating", KeyStatusActive, KeyStatusRetired, false},
		{"rotating to retired", KeyStatusRotating, KeyStatusRetired, true},
		{"rotating to active", KeyStatusRotating, KeyStatusActive, false},
		{"retired is terminal", KeyStatusRetired, KeyStatusActive, false},
		{"retired cannot be revoked", KeyStatusRetired, KeyStatusRevoked, false},
		{"revoked is terminal", KeyStatusRevoked, KeyStatusActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestParseKeyType(t *testing.T) {
	kt, err := ParseKeyType("KEK")
	require.NoError(t, err)
	assert.Equal(t, KeyTypeKEK, kt)

	kt, err = ParseKeyType("DEK")
	require.NoError(t, err)
	assert.Equal(t, KeyTypeDEK, kt)

	_, err = ParseKeyType("session")
	assert.Error(t, err)
}

func TestParseProviderType(t *testing.T) {
	for _, s := range []string{"mock", "pkcs11", "aws-cloudhsm", "gcp-kms", "azure-keyvault", "vault"} {
		p, err := ParseProviderType(s)
		require.NoError(t, err)
		assert.Equal(t, ProviderType(s), p)
	}

	_, err := ParseProviderType("tpm")
	assert.Error(t, err)
}

func TestManagedKeyClone(t *testing.T) {
	rotated := time.Now().Add(-time.Hour)
	key := &ManagedKey{
		KeyID:           "kek-1",
		KeyType:         KeyTypeKEK,
		Status:          KeyStatusActive,
		Algorithm:       AlgorithmAES256GCM,
		Material:        []byte{1, 2, 3, 4},
		WrappedMaterial: []byte{5, 6},
		RotatedAt:       &rotated,
	}

	clone := key.Clone()
	require.NotNil(t, clone)

	clone.Material[0] = 0xff
	clone.WrappedMaterial[0] = 0xff
	*clone.RotatedAt = time.Time{}

	assert.Equal(t, byte(1), key.Material[0])
	assert.Equal(t, byte(5), key.WrappedMaterial[0])
	assert.Equal(t, rotated, *key.RotatedAt)

	var nilKey *ManagedKey
	assert.Nil(t, nilKey.Clone())
}

func TestManagedKeyExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&ManagedKey{}).Expired(now))
	assert.True(t, (&ManagedKey{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&ManagedKey{ExpiresAt: &future}).Expired(now))
}

func TestAlgorithmKeySize(t *testing.T) {
	assert.Equal(t, 32, AlgorithmAES256GCM.KeySize())
	assert.Equal(t, 32, AlgorithmChaCha20Poly1305.KeySize())
	assert.Equal(t, 0, AlgorithmSHA256.KeySize())
}

func TestCapabilities(t *testing.T) {
	sw := SoftwareCapabilities()
	assert.True(t, sw.WrapKey)
	assert.True(t, sw.UnwrapKey)
	assert.False(t, sw.Hardware)

	hw := HardwareCapabilities()
	assert.True(t, hw.Hardware)
	assert.False(t, hw.WrapKey)
	assert.False(t, hw.UnwrapKey)
}
