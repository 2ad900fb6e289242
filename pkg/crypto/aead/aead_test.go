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

package aead

import (
	"bytes"
	"errors"
	"testing"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

var testAlgorithms = []types.Algorithm{
	types.AlgorithmAES256GCM,
	types.AlgorithmChaCha20Poly1305,
}

func TestSealOpenRoundTrip(t *testing.T) {
	for _, alg := range testAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			key, err := GenerateKey()
			if err != nil {
				t.Fatalf("GenerateKey failed: %v", err)
			}
			c, err := New(alg, key)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			plaintext := []byte("telemetry frame 0042")
			aad := []byte("frame-header")

			data, err := c.Seal(plaintext, aad)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if len(data.Nonce) != NonceSize {
				t.Errorf("nonce size = %d, want %d", len(data.Nonce), NonceSize)
			}
			if len(data.Tag) != TagSize {
				t.Errorf("tag size = %d, want %d", len(data.Tag), TagSize)
			}
			if data.Algorithm != alg {
				t.Errorf("algorithm = %s, want %s", data.Algorithm, alg)
			}

			recovered, err := c.Open(data, aad)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if !bytes.Equal(recovered, plaintext) {
				t.Errorf("Open returned %q, want %q", recovered, plaintext)
			}
		})
	}
}

func TestOpenTamperedCiphertext(t *testing.T) {
	for _, alg := range testAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			key, _ := GenerateKey()
			c, err := New(alg, key)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			data, err := c.Seal([]byte("sensitive payload"), nil)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}

			// Every single-bit flip in ciphertext or tag must fail
			// authentication.
			for _, field := range [][]byte{data.Ciphertext, data.Tag} {
				for i := range field {
					field[i] ^= 0x01
					_, err := c.Open(data, nil)
					field[i] ^= 0x01
					if !errors.Is(err, types.ErrAuthenticationFailure) {
						t.Fatalf("Open with flipped byte %d returned %v, want ErrAuthenticationFailure", i, err)
					}
				}
			}
		})
	}
}

func TestOpenWrongAAD(t *testing.T) {
	key, _ := GenerateKey()
	c, err := New(types.AlgorithmAES256GCM, key)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	data, err := c.Seal([]byte("payload"), []byte("context-a"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := c.Open(data, []byte("context-b")); !errors.Is(err, types.ErrAuthenticationFailure) {
		t.Errorf("Open with wrong aad returned %v, want ErrAuthenticationFailure", err)
	}
	if _, err := c.Open(data, nil); !errors.Is(err, types.ErrAuthenticationFailure) {
		t.Errorf("Open with missing aad returned %v, want ErrAuthenticationFailure", err)
	}
}

func TestOpenAlgorithmMismatch(t *testing.T) {
	key, _ := GenerateKey()
	gcm, _ := New(types.AlgorithmAES256GCM, key)
	chacha, _ := New(types.AlgorithmChaCha20Poly1305, key)

	data, err := gcm.Seal([]byte("payload"), nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := chacha.Open(data, nil); !errors.Is(err, types.ErrAuthenticationFailure) {
		t.Errorf("Open across algorithms returned %v, want ErrAuthenticationFailure", err)
	}
}

func TestNonceUniqueness(t *testing.T) {
	key, _ := GenerateKey()
	c, _ := New(types.AlgorithmAES256GCM, key)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		data, err := c.Seal([]byte("x"), nil)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		nonce := string(data.Nonce)
		if seen[nonce] {
			t.Fatal("nonce reused")
		}
		seen[nonce] = true
	}
}

func TestNewInvalidKey(t *testing.T) {
	tests := []struct {
		name    string
		alg     types.Algorithm
		keyLen  int
	}{
		{"short key", types.AlgorithmAES256GCM, 16},
		{"empty key", types.AlgorithmChaCha20Poly1305, 0},
		{"oversized key", types.AlgorithmAES256GCM, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.alg, make([]byte, tt.keyLen))
			if !errors.Is(err, types.ErrConfiguration) {
				t.Errorf("New returned %v, want ErrConfiguration", err)
			}
		})
	}

	if _, err := New(types.AlgorithmSHA256, make([]byte, KeySize)); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("New with non-AEAD algorithm returned %v, want ErrConfiguration", err)
	}
}

func TestDeriveKEK(t *testing.T) {
	master := []byte("master secret material")

	kek1, err := DeriveKEK(master, []byte("salt-1"))
	if err != nil {
		t.Fatalf("DeriveKEK failed: %v", err)
	}
	if len(kek1) != KeySize {
		t.Errorf("derived key size = %d, want %d", len(kek1), KeySize)
	}

	kek2, err := DeriveKEK(master, []byte("salt-2"))
	if err != nil {
		t.Fatalf("DeriveKEK failed: %v", err)
	}
	if bytes.Equal(kek1, kek2) {
		t.Error("different salts derived identical keys")
	}

	again, _ := DeriveKEK(master, []byte("salt-1"))
	if !bytes.Equal(kek1, again) {
		t.Error("derivation is not deterministic")
	}

	if _, err := DeriveKEK(nil, nil); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("DeriveKEK with empty master returned %v, want ErrConfiguration", err)
	}
}

func TestSelectAlgorithm(t *testing.T) {
	if got := SelectAlgorithm(true); got != types.AlgorithmAES256GCM {
		t.Errorf("SelectAlgorithm(hardware) = %s, want AES-256-GCM", got)
	}

	got := SelectAlgorithm(false)
	if HasAESAcceleration() {
		if got != types.AlgorithmAES256GCM {
			t.Errorf("SelectAlgorithm with AES acceleration = %s, want AES-256-GCM", got)
		}
	} else if got != types.AlgorithmChaCha20Poly1305 {
		t.Errorf("SelectAlgorithm without AES acceleration = %s, want ChaCha20-Poly1305", got)
	}
}
