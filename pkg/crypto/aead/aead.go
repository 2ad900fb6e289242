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

// Package aead provides the authenticated encryption primitive used for all
// data and key wrapping in go-kms. Two ciphers are supported: AES-256-GCM
// and ChaCha20-Poly1305, both with a 96-bit random nonce and a 128-bit tag.
// Tag verification failures surface types.ErrAuthenticationFailure and never
// yield partial plaintext.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/jeremyhahn/go-kms/pkg/types"
)

const (
	// NonceSize is the AEAD nonce size in bytes (96 bits).
	NonceSize = 12

	// TagSize is the authentication tag size in bytes (128 bits).
	TagSize = 16

	// KeySize is the symmetric key size in bytes (256 bits).
	KeySize = 32
)

// kekDerivationInfo binds derived KEKs to this module's key hierarchy.
var kekDerivationInfo = []byte("go-kms-kek-v1")

// Cipher is an AEAD cipher bound to a single key.
type Cipher struct {
	aead      cipher.AEAD
	algorithm types.Algorithm
}

// New creates a Cipher for the given algorithm and 32-byte key.
func New(algorithm types.Algorithm, key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aead: invalid key size %d, want %d: %w",
			len(key), KeySize, types.ErrConfiguration)
	}

	var aead cipher.AEAD
	var err error
	switch algorithm {
	case types.AlgorithmAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case types.AlgorithmChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("aead: unsupported algorithm %s: %w",
			algorithm, types.ErrConfiguration)
	}
	if err != nil {
		return nil, fmt.Errorf("aead: cipher init: %w", err)
	}

	return &Cipher{aead: aead, algorithm: algorithm}, nil
}

// Algorithm returns the cipher's algorithm identifier.
func (c *Cipher) Algorithm() types.Algorithm {
	return c.algorithm
}

// Seal encrypts plaintext with a fresh random nonce and returns the
// envelope. The 128-bit tag is carried separately from the ciphertext.
func (c *Cipher) Seal(plaintext, aad []byte) (*types.EncryptedData, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("aead: nonce generation: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - TagSize

	return &types.EncryptedData{
		Ciphertext:  sealed[:split],
		Nonce:       nonce,
		Tag:         sealed[split:],
		Algorithm:   c.algorithm,
		EncryptedAt: time.Now().UTC(),
	}, nil
}

// Open decrypts the envelope. A tag mismatch, truncated nonce, or algorithm
// mismatch returns types.ErrAuthenticationFailure.
func (c *Cipher) Open(data *types.EncryptedData, aad []byte) ([]byte, error) {
	if data == nil {
		return nil, fmt.Errorf("aead: nil envelope: %w", types.ErrAuthenticationFailure)
	}
	if data.Algorithm != c.algorithm {
		return nil, fmt.Errorf("aead: envelope algorithm %s does not match cipher %s: %w",
			data.Algorithm, c.algorithm, types.ErrAuthenticationFailure)
	}
	if len(data.Nonce) != NonceSize || len(data.Tag) != TagSize {
		return nil, fmt.Errorf("aead: malformed envelope: %w", types.ErrAuthenticationFailure)
	}

	sealed := make([]byte, 0, len(data.Ciphertext)+TagSize)
	sealed = append(sealed, data.Ciphertext...)
	sealed = append(sealed, data.Tag...)

	plaintext, err := c.aead.Open(nil, data.Nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("aead: open: %w", types.ErrAuthenticationFailure)
	}
	return plaintext, nil
}

// GenerateKey returns 32 bytes of cryptographically secure random key
// material.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("aead: key generation: %w", err)
	}
	return key, nil
}

// DeriveKEK derives a 32-byte KEK from master secret material using
// HKDF-SHA-256. The salt distinguishes independent hierarchies sharing one
// master secret.
func DeriveKEK(master, salt []byte) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("aead: empty master secret: %w", types.ErrConfiguration)
	}

	kdf := hkdf.New(sha256.New, master, salt, kekDerivationInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("aead: kek derivation: %w", err)
	}
	return key, nil
}
