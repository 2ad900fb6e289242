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

package mock

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/jeremyhahn/go-kms/pkg/crypto/aead"
	"github.com/jeremyhahn/go-kms/pkg/logging"
	"github.com/jeremyhahn/go-kms/pkg/storage/memory"
	"github.com/jeremyhahn/go-kms/pkg/types"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(memory.New(), nil, logging.New(io.Discard, false))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestGenerateEncryptDecrypt(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	meta, err := b.GenerateKey(ctx, types.HSMKeyAES256, "data-kek")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if meta.KeyHandle == "" {
		t.Fatal("empty key handle")
	}
	if meta.Provider != types.ProviderMock {
		t.Errorf("provider = %s, want mock", meta.Provider)
	}

	plaintext := []byte("payload")
	aad := []byte("context")

	sealed, err := b.Encrypt(ctx, meta.KeyHandle, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	opened, err := b.Decrypt(ctx, meta.KeyHandle, sealed, aad)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Decrypt returned %q, want %q", opened, plaintext)
	}

	sealed.Ciphertext[0] ^= 0x01
	if _, err := b.Decrypt(ctx, meta.KeyHandle, sealed, aad); !errors.Is(err, types.ErrAuthenticationFailure) {
		t.Errorf("Decrypt of tampered data returned %v, want ErrAuthenticationFailure", err)
	}
}

func TestWrapUnwrap(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	meta, err := b.GenerateKey(ctx, types.HSMKeyAES256, "wrapping-kek")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	material, err := aead.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	wrapped, err := b.WrapKey(ctx, meta.KeyHandle, material)
	if err != nil {
		t.Fatalf("WrapKey failed: %v", err)
	}

	unwrapped, err := b.UnwrapKey(ctx, meta.KeyHandle, wrapped)
	if err != nil {
		t.Fatalf("UnwrapKey failed: %v", err)
	}
	if !bytes.Equal(unwrapped, material) {
		t.Error("unwrapped material does not match")
	}

	// Wrapped blobs are bound to the wrapping key; decrypting as plain
	// data must fail.
	if _, err := b.Decrypt(ctx, meta.KeyHandle, wrapped, nil); !errors.Is(err, types.ErrAuthenticationFailure) {
		t.Errorf("Decrypt of wrapped blob returned %v, want ErrAuthenticationFailure", err)
	}
}

func TestUnknownHandle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Encrypt(ctx, "mock-aes-256-ffffffff", []byte("x"), nil); !errors.Is(err, types.ErrKeyNotFound) {
		t.Errorf("Encrypt returned %v, want ErrKeyNotFound", err)
	}
	if err := b.DeleteKey(ctx, "mock-aes-256-ffffffff"); !errors.Is(err, types.ErrKeyNotFound) {
		t.Errorf("DeleteKey returned %v, want ErrKeyNotFound", err)
	}
}

func TestUnsupportedKeyType(t *testing.T) {
	b := newTestBackend(t)

	if _, err := b.GenerateKey(context.Background(), types.HSMKeyRSA2048, "rsa"); !errors.Is(err, types.ErrNotSupported) {
		t.Errorf("GenerateKey returned %v, want ErrNotSupported", err)
	}
}

func TestListAndDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	first, err := b.GenerateKey(ctx, types.HSMKeyAES256, "first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.GenerateKey(ctx, types.HSMKeyAES256, "second"); err != nil {
		t.Fatal(err)
	}

	keys, err := b.ListKeys(ctx)
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("ListKeys returned %d keys, want 2", len(keys))
	}

	if err := b.DeleteKey(ctx, first.KeyHandle); err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}

	keys, _ = b.ListKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("ListKeys after delete returned %d keys, want 1", len(keys))
	}
}

func TestMaterialEncryptedAtRest(t *testing.T) {
	store := memory.New()
	masterA, _ := aead.GenerateKey()
	masterB, _ := aead.GenerateKey()
	logger := logging.New(io.Discard, false)
	ctx := context.Background()

	b1, err := New(store, masterA, logger)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := b1.GenerateKey(ctx, types.HSMKeyAES256, "at-rest")
	if err != nil {
		t.Fatal(err)
	}

	// A backend with a different master key shares the store but cannot
	// unseal the stored material.
	b2, err := New(store, masterB, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b2.Encrypt(ctx, meta.KeyHandle, []byte("x"), nil); !errors.Is(err, types.ErrAuthenticationFailure) {
		t.Errorf("foreign master key unsealed material: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	// The probe key is cleaned up.
	keys, err := b.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("health probe left %d keys behind", len(keys))
	}
}

func TestPersistentMasterKey(t *testing.T) {
	store := memory.New()
	master, err := aead.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	logger := logging.New(io.Discard, false)
	ctx := context.Background()

	b1, err := New(store, master, logger)
	if err != nil {
		t.Fatal(err)
	}
	meta, err := b1.GenerateKey(ctx, types.HSMKeyAES256, "durable")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := b1.Encrypt(ctx, meta.KeyHandle, []byte("payload"), nil)
	if err != nil {
		t.Fatal(err)
	}

	// A second backend instance over the same store and master key can
	// use the key.
	b2, err := New(store, master, logger)
	if err != nil {
		t.Fatal(err)
	}
	opened, err := b2.Decrypt(ctx, meta.KeyHandle, sealed, nil)
	if err != nil {
		t.Fatalf("Decrypt on second instance failed: %v", err)
	}
	if !bytes.Equal(opened, []byte("payload")) {
		t.Error("second instance decrypted wrong payload")
	}
}
